package buildsys

import (
	"encoding/gob"
	"os"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
)

// cacheVersion is bumped whenever the layout of Task changes.
const cacheVersion = 4

func init() {
	gob.Register(TaskList{})
	gob.Register(Task{})
	gob.Register(TaskCmdScript{})
	gob.Register(TaskCmdTaskRef{})
}

type cacheHeader struct {
	Version  int
	TaskFile string
	Options  map[string]string
	Inputs   *LoadInputs
}

type cacheBody struct {
	Tasks   TaskList
	Options map[string]ScriptOption
}

// WriteCache stores the parsed task list (gob encoded and brotli compressed) together with the options and
// inputs that were used to produce it.
func WriteCache(file, taskFile string, options map[string]string, list TaskList, declared map[string]ScriptOption, inputs *LoadInputs) error {
	handle, err := os.Create(file)
	if err != nil {
		return err
	}
	defer handle.Close()

	writer := brotli.NewWriterLevel(handle, brotli.DefaultCompression)
	encoder := gob.NewEncoder(writer)
	err = encoder.Encode(cacheHeader{
		Version:  cacheVersion,
		TaskFile: taskFile,
		Options:  options,
		Inputs:   inputs,
	})
	if err != nil {
		return err
	}

	err = encoder.Encode(cacheBody{Tasks: list, Options: declared})
	if err != nil {
		return err
	}

	err = writer.Close()
	if err != nil {
		return err
	}

	return handle.Close()
}

// ReadCache returns the cached task list. The list is only returned if the cache is newer than the
// task file, was written for the same file with the same options and none of the environment variables
// or files read by the task file changed; otherwise the result is nil.
func ReadCache(file, taskFile string, options map[string]string) (TaskList, map[string]ScriptOption, error) {
	cacheInfo, err := os.Stat(file)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	taskInfo, err := os.Stat(taskFile)
	if err != nil {
		return nil, nil, err
	}

	if !cacheInfo.ModTime().After(taskInfo.ModTime()) {
		return nil, nil, nil
	}

	handle, err := os.Open(file)
	if err != nil {
		return nil, nil, err
	}
	defer handle.Close()

	decoder := gob.NewDecoder(brotli.NewReader(handle))

	var header cacheHeader
	err = decoder.Decode(&header)
	if err != nil {
		return nil, nil, err
	}

	if header.Version != cacheVersion || header.TaskFile != taskFile || !sameOptions(header.Options, options) {
		return nil, nil, nil
	}

	if header.Inputs != nil && header.Inputs.Changed() {
		return nil, nil, nil
	}

	var body cacheBody
	err = decoder.Decode(&body)
	if err != nil {
		return nil, nil, err
	}

	return body.Tasks, body.Options, nil
}

func sameOptions(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}

	for k, v := range a {
		other, ok := b[k]
		if !ok || other != v {
			return false
		}
	}
	return true
}
