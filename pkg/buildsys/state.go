package buildsys

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	bolt "go.etcd.io/bbolt"
)

var tasksBucket = []byte("tasks")

// FileSignature identifies the content of a file dependency at the time a task last succeeded.
type FileSignature struct {
	Path     string `json:"path"`
	ModTime  int64  `json:"mtime"`
	Size     int64  `json:"size"`
	Checksum string `json:"sha256"`
}

// TaskState is stored for each task after it ran successfully.
type TaskState struct {
	Deps     []FileSignature `json:"deps"`
	Finished time.Time       `json:"finished"`
}

// DepPaths returns the sorted paths of all recorded file dependencies.
func (s *TaskState) DepPaths() []string {
	paths := make([]string, len(s.Deps))
	for idx, dep := range s.Deps {
		paths[idx] = dep.Path
	}
	sort.Strings(paths)
	return paths
}

// StateStore persists the file signatures of successful task runs.
type StateStore struct {
	db *bolt.DB
}

// OpenStateStore opens (or creates) the state database at path.
func OpenStateStore(path string) (*StateStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open state database %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tasksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, eris.Wrapf(err, "failed to initialize state database %s", path)
	}

	return &StateStore{db: db}, nil
}

// Close releases the database.
func (s *StateStore) Close() error {
	return s.db.Close()
}

// Get returns the recorded state of the given task or nil if the task never succeeded.
func (s *StateStore) Get(task string) (*TaskState, error) {
	var state *TaskState
	err := s.db.View(func(tx *bolt.Tx) error {
		item := tx.Bucket(tasksBucket).Get([]byte(task))
		if item == nil {
			return nil
		}

		state = new(TaskState)
		return json.Unmarshal(item, state)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read state for task %s", task)
	}

	return state, nil
}

// Save records the state of the given task.
func (s *StateStore) Save(task string, state *TaskState) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return eris.Wrapf(err, "failed to encode state for task %s", task)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).Put([]byte(task), encoded)
	})
}

// Forget removes the recorded state of the passed tasks. If no task is passed, all records are removed.
func (s *StateStore) Forget(tasks ...string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if len(tasks) == 0 {
			err := tx.DeleteBucket(tasksBucket)
			if err != nil {
				return err
			}

			_, err = tx.CreateBucket(tasksBucket)
			return err
		}

		bucket := tx.Bucket(tasksBucket)
		for _, task := range tasks {
			err := bucket.Delete([]byte(task))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Tasks returns the names of all tasks with a recorded state.
func (s *StateStore) Tasks() ([]string, error) {
	names := make([]string, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).ForEach(func(k, v []byte) error {
			names = append(names, string(k))
			return nil
		})
	})

	return names, err
}

func fileChecksum(path string) (string, error) {
	hdl, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer hdl.Close()

	hasher := sha256.New()
	_, err = io.Copy(hasher, hdl)
	if err != nil {
		return "", eris.Wrapf(err, "failed to read %s", path)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ComputeSignature reads the current signature of the given file.
func ComputeSignature(path string) (FileSignature, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileSignature{}, err
	}

	checksum, err := fileChecksum(path)
	if err != nil {
		return FileSignature{}, err
	}

	return FileSignature{
		Path:     path,
		ModTime:  info.ModTime().UnixNano(),
		Size:     info.Size(),
		Checksum: checksum,
	}, nil
}

// Changed reports whether the file at sig.Path differs from the recorded signature. Files with an
// unchanged modification time and size are assumed to be unchanged; otherwise their checksum
// decides.
func (sig FileSignature) Changed() (bool, error) {
	info, err := os.Stat(sig.Path)
	if err != nil {
		return true, err
	}

	if info.ModTime().UnixNano() == sig.ModTime && info.Size() == sig.Size {
		return false, nil
	}

	if info.Size() != sig.Size {
		return true, nil
	}

	checksum, err := fileChecksum(sig.Path)
	if err != nil {
		return true, err
	}

	return checksum != sig.Checksum, nil
}
