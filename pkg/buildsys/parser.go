package buildsys

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"
)

type parserCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	yamlCache    map[string]interface{}
	inputs       *LoadInputs
	filepath     string
	projectRoot  string
	tasks        []*Task
	initPhase    bool
}

// * Helpers

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

func processCmdParts(parts starlark.Tuple, parser *syntax.Parser, base string) (*syntax.CallExpr, error) {
	envVars := make([]string, 0, len(parts))
	for _, part := range parts {
		value, ok := part.(starlark.String)
		if !ok || !strings.Contains(value.GoString(), "=") {
			break
		}
		envVars = append(envVars, value.GoString())
	}

	var cmd *syntax.CallExpr
	if len(envVars) > 0 {
		joinedEnvVars := strings.Join(envVars, " ")
		result, err := parser.Parse(strings.NewReader(joinedEnvVars), "env vars")
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse command vars %s", joinedEnvVars)
		}

		if len(result.Stmts) != 1 || result.Stmts[0].Cmd == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}

		var ok bool
		cmd, ok = result.Stmts[0].Cmd.(*syntax.CallExpr)
		if !ok || cmd.Assigns == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}
	} else {
		cmd = new(syntax.CallExpr)
	}

	argCount := len(parts) - len(envVars)
	cmd.Args = make([]*syntax.Word, argCount)
	for a, arg := range parts[len(envVars):] {
		var encodedValue string

		switch value := arg.(type) {
		case starlark.String:
			encodedValue = value.GoString()
		case StarlarkPath:
			encodedValue = string(value)

			if filepath.IsAbs(encodedValue) {
				// absolute paths cause issues on Windows
				relValue, err := filepath.Rel(base, encodedValue)
				if err == nil {
					encodedValue = relValue
				}
			}

			encodedValue = filepath.ToSlash(encodedValue)
		default:
			return nil, eris.Errorf("found argument of type %s but only strings and paths are supported: %s", arg.Type(), arg.String())
		}

		var wordPart syntax.WordPart

		if strings.ContainsAny(encodedValue, " $'\"|&;<>()*?") || encodedValue == "" {
			node := new(syntax.SglQuoted)
			node.Value = strings.ReplaceAll(encodedValue, "'", `'"'"'`)
			wordPart = node
		} else {
			node := new(syntax.Lit)
			node.Value = encodedValue
			wordPart = node
		}

		cmd.Args[a] = new(syntax.Word)
		cmd.Args[a].Parts = []syntax.WordPart{wordPart}
	}

	return cmd, nil
}

// convertCmds turns the actions passed to a task into TaskCmds.
func convertCmds(taskName string, cmds starlarkIterable, base string) ([]TaskCmd, error) {
	result := make([]TaskCmd, 0)
	if cmds == nil {
		return result, nil
	}
	if list, ok := cmds.(*starlark.List); ok && list == nil {
		return result, nil
	}

	strBuffer := strings.Builder{}
	printer := syntax.NewPrinter(syntax.Minify(true))
	parser := syntax.NewParser()
	iter := cmds.Iterate()
	defer iter.Done()

	var item starlark.Value
	idx := 0
	for iter.Next(&item) {
		var parts starlark.Tuple

		switch value := item.(type) {
		case starlark.String:
			result = append(result, TaskCmdScript{TaskName: taskName, Index: idx, Content: value.GoString()})
		case starlark.Tuple:
			parts = value
		case *starlark.List:
			parts = make(starlark.Tuple, 0, value.Len())
			subIter := value.Iterate()
			var subItem starlark.Value
			for subIter.Next(&subItem) {
				parts = append(parts, subItem)
			}
			subIter.Done()
		case *Task:
			result = append(result, TaskCmdTaskRef{Task: value})
		default:
			return nil, eris.Errorf("%s: unexpected type %s. Only strings, tuples, lists and tasks are valid", taskName, item.Type())
		}

		if parts != nil {
			cmd, err := processCmdParts(parts, parser, base)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to process command #%d", idx)
			}

			strBuffer.Reset()
			err = printer.Print(&strBuffer, cmd)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to process command #%d", idx)
			}

			result = append(result, TaskCmdScript{TaskName: taskName, Index: idx, Content: strBuffer.String()})
		}

		idx++
	}

	return result, nil
}

func starlarkToDuration(value starlark.Value, field string) (time.Duration, error) {
	switch value := value.(type) {
	case starlark.NoneType:
		return 0, nil
	case starlark.Int:
		seconds, ok := value.Int64()
		if !ok || seconds < 0 {
			return 0, eris.Errorf("invalid value %s for %s", value, field)
		}
		return time.Duration(seconds) * time.Second, nil
	case starlark.Float:
		if value < 0 {
			return 0, eris.Errorf("invalid value %s for %s", value, field)
		}
		return time.Duration(float64(value) * float64(time.Second)), nil
	case starlark.String:
		return ParseDuration(value.GoString())
	default:
		return 0, eris.Errorf("expected %s to be a number or string but found %s", field, value.Type())
	}
}

func starlarkToEnv(dict *starlark.Dict, env map[string]string) error {
	for _, kv := range dict.Items() {
		key, ok := kv[0].(starlark.String)
		if !ok {
			return eris.Errorf("found key type %s in env map but only strings are supported", kv[0].Type())
		}

		value, ok := kv[1].(starlark.String)
		if !ok {
			return eris.Errorf("found value of type %s for key %s but only strings are supported", kv[1].Type(), key.GoString())
		}

		env[key.GoString()] = value.GoString()
	}
	return nil
}

func checkVerbosity(verbosity int) error {
	if verbosity < VerbosityDefault || verbosity > VerbosityFull {
		return eris.Errorf("invalid verbosity %d, must be 0, 1 or 2", verbosity)
	}
	return nil
}

// * Builtin functions

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue starlark.String
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue.GoString(),
		Help:         help,
	}

	value, ok := ctx.optionValues[name]
	if ok {
		return starlark.String(value), nil
	}

	return defaultValue, nil
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var skipIfExists *starlark.List
	var inputs *starlark.List
	var outputs *starlark.List
	var env *starlark.Dict
	var cmds *starlark.List
	var timeout starlark.Value = starlark.None

	task := newTask()

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "short??", &task.Short, "hidden?", &task.Hidden,
		"desc?", &task.Desc, "deps?", &deps, "base?", &task.Base, "skip_if_exists?", &skipIfExists, "inputs?",
		&inputs, "outputs?", &outputs, "env?", &env, "cmds?", &cmds, "verbosity?", &task.Verbosity,
		"timeout?", &timeout)
	if err != nil {
		return nil, err
	}

	anonymous := task.Short == ""
	if anonymous {
		task.Hidden = true
		task.Short = "auto#" + nanoid.New()
	}

	if task.Short == "configure" {
		return nil, eris.New(`the task name "configure" is reserved, please use a different name`)
	}

	if err = checkVerbosity(task.Verbosity); err != nil {
		return nil, err
	}

	task.Timeout, err = starlarkToDuration(timeout, "timeout")
	if err != nil {
		return nil, err
	}

	if task.Base == "" {
		task.Base = "."
	}
	task.Base = normalizePath(getCtx(thread), task.Base)

	task.Deps, err = starlarkIterable2stringSlice(deps, "deps")
	if err != nil {
		return nil, err
	}

	task.SkipIfExists, err = starlarkIterable2stringSlice(skipIfExists, "skip_if_exists")
	if err != nil {
		return nil, err
	}

	task.Inputs, err = starlarkIterable2stringSlice(inputs, "inputs")
	if err != nil {
		return nil, err
	}

	task.Outputs, err = starlarkIterable2stringSlice(outputs, "outputs")
	if err != nil {
		return nil, err
	}

	if env != nil {
		err = starlarkToEnv(env, task.Env)
		if err != nil {
			return nil, err
		}
	}

	task.Cmds, err = convertCmds(task.Short, cmds, task.Base)
	if err != nil {
		return nil, err
	}

	if inputs != nil && inputs.Len() > 0 && (outputs == nil || outputs.Len() == 0) {
		warn(thread, "%s: found inputs but no outputs", fn.Name())
	}

	if !anonymous {
		ctx := getCtx(thread)
		ctx.tasks = append(ctx.tasks, task)
	}
	return task, nil
}

var doitKeys = map[string]bool{
	"actions":        true,
	"targets":        true,
	"file_dep":       true,
	"task_dep":       true,
	"verbosity":      true,
	"doc":            true,
	"timeout":        true,
	"env":            true,
	"clean":          true,
	"skip_if_exists": true,
	"basename":       true,
	"base":           true,
}

// taskFromDict converts the dict returned by a task_<name> function into a Task.
func taskFromDict(thread *starlark.Thread, name string, fn *starlark.Function, dict *starlark.Dict) (*Task, error) {
	task := newTask()
	task.Short = name
	task.Base = normalizePath(getCtx(thread), ".")
	if doc := strings.TrimSpace(fn.Doc()); doc != "" {
		task.Desc = strings.SplitN(doc, "\n", 2)[0]
	}

	values := make(map[string]starlark.Value)
	for _, kv := range dict.Items() {
		key, ok := kv[0].(starlark.String)
		if !ok {
			return nil, eris.Errorf("task_%s: found key of type %s but only strings are supported", name, kv[0].Type())
		}

		if !doitKeys[key.GoString()] {
			return nil, eris.Errorf("task_%s: unsupported key %s", name, key.GoString())
		}
		values[key.GoString()] = kv[1]
	}

	var err error
	stringList := func(key string) ([]string, error) {
		value, ok := values[key]
		if !ok || value == starlark.None {
			return []string{}, nil
		}

		switch value := value.(type) {
		case starlark.String:
			return []string{value.GoString()}, nil
		case StarlarkPath:
			return []string{string(value)}, nil
		case starlarkIterable:
			return starlarkIterable2stringSlice(value, key)
		default:
			return nil, eris.Errorf("task_%s: expected %s to be a list but found %s", name, key, value.Type())
		}
	}

	if value, ok := values["basename"].(starlark.String); ok {
		task.Short = value.GoString()
	}

	if value, ok := values["base"]; ok {
		switch value := value.(type) {
		case starlark.String:
			task.Base = normalizePath(getCtx(thread), value.GoString())
		case StarlarkPath:
			task.Base = normalizePath(getCtx(thread), string(value))
		default:
			return nil, eris.Errorf("task_%s: expected base to be a string or path but found %s", name, value.Type())
		}
	}

	if value, ok := values["doc"].(starlark.String); ok {
		task.Desc = value.GoString()
	}

	if task.Outputs, err = stringList("targets"); err != nil {
		return nil, err
	}
	if task.Inputs, err = stringList("file_dep"); err != nil {
		return nil, err
	}
	if task.Deps, err = stringList("task_dep"); err != nil {
		return nil, err
	}
	if task.SkipIfExists, err = stringList("skip_if_exists"); err != nil {
		return nil, err
	}

	if value, ok := values["verbosity"]; ok {
		level, err := starlark.AsInt32(value)
		if err != nil {
			return nil, eris.Wrapf(err, "task_%s: invalid verbosity", name)
		}
		task.Verbosity = level
		if err = checkVerbosity(task.Verbosity); err != nil {
			return nil, err
		}
	}

	if value, ok := values["timeout"]; ok {
		task.Timeout, err = starlarkToDuration(value, "timeout")
		if err != nil {
			return nil, eris.Wrapf(err, "task_%s", name)
		}
	}

	if value, ok := values["env"]; ok {
		dict, ok := value.(*starlark.Dict)
		if !ok {
			return nil, eris.Errorf("task_%s: expected env to be a dict but found %s", name, value.Type())
		}

		if err = starlarkToEnv(dict, task.Env); err != nil {
			return nil, err
		}
	}

	if value, ok := values["actions"]; ok && value != starlark.None {
		actions, ok := value.(starlarkIterable)
		if !ok {
			return nil, eris.Errorf("task_%s: expected actions to be a list but found %s", name, value.Type())
		}

		task.Cmds, err = convertCmds(task.Short, actions, task.Base)
		if err != nil {
			return nil, err
		}
	}

	if value, ok := values["clean"]; ok {
		switch value := value.(type) {
		case starlark.Bool:
			if value {
				task.Clean = CleanTargets
			}
		case starlarkIterable:
			task.Clean = CleanCmds
			task.CleanCmds, err = convertCmds(task.Short+":clean", value, task.Base)
			if err != nil {
				return nil, err
			}
		default:
			return nil, eris.Errorf("task_%s: expected clean to be a bool or list but found %s", name, value.Type())
		}
	}

	return task, nil
}

// collectDoitTasks calls every global task_<name> function and converts its result.
func collectDoitTasks(thread *starlark.Thread, globals starlark.StringDict) ([]*Task, error) {
	names := make([]string, 0)
	for name, value := range globals {
		if _, ok := value.(*starlark.Function); ok && strings.HasPrefix(name, "task_") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	tasks := make([]*Task, 0, len(names))
	for _, name := range names {
		fn := globals[name].(*starlark.Function)
		result, err := starlark.Call(thread, fn, nil, nil)
		if err != nil {
			if evalError, ok := err.(*starlark.EvalError); ok {
				return nil, eris.New(evalError.Backtrace())
			}
			return nil, eris.Wrapf(err, "failed to call %s", name)
		}

		dict, ok := result.(*starlark.Dict)
		if !ok {
			return nil, eris.Errorf("%s returned %s but a dict is required", name, result.Type())
		}

		task, err := taskFromDict(thread, strings.TrimPrefix(name, "task_"), fn, dict)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, nil
}

// Load parses the given task file. The format is picked based on the file extension (.star or .hcl).
func Load(ctx context.Context, filename, projectRoot string, options map[string]string) (TaskList, map[string]ScriptOption, error) {
	tasks, declared, _, err := LoadWithInputs(ctx, filename, projectRoot, options)
	return tasks, declared, err
}

// LoadWithInputs works like Load but also returns the environment variables and files the task file
// looked at while it was evaluated.
func LoadWithInputs(ctx context.Context, filename, projectRoot string, options map[string]string) (TaskList, map[string]ScriptOption, *LoadInputs, error) {
	inputs := newLoadInputs()
	var tasks TaskList
	var declared map[string]ScriptOption
	var err error

	switch filepath.Ext(filename) {
	case ".star":
		tasks, declared, err = runScript(ctx, filename, projectRoot, options, true, inputs)
	case ".hcl":
		tasks, declared, err = loadHCL(ctx, filename, projectRoot, options, inputs)
	default:
		err = eris.Errorf("unsupported task file %s, expected a .star or .hcl file", filename)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	return tasks, declared, inputs, nil
}

// RunScript executes a Starlark script and returns the declared options. If doConfigure is true, the script's
// task_<name> functions and its configure function are called and the declared tasks are collected and returned.
func RunScript(ctx context.Context, filename, projectRoot string, options map[string]string, doConfigure bool) (TaskList, map[string]ScriptOption, error) {
	return runScript(ctx, filename, projectRoot, options, doConfigure, newLoadInputs())
}

func runScript(ctx context.Context, filename, projectRoot string, options map[string]string, doConfigure bool, inputs *LoadInputs) (TaskList, map[string]ScriptOption, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, nil, err
	}

	builtins := starlark.StringDict{
		"OS":           starlark.String(runtime.GOOS),
		"ARCH":         starlark.String(runtime.GOARCH),
		"info":         starlark.NewBuiltin("info", messageBuiltin(zerolog.InfoLevel)),
		"warn":         starlark.NewBuiltin("warn", messageBuiltin(zerolog.WarnLevel)),
		"error":        starlark.NewBuiltin("error", messageBuiltin(zerolog.ErrorLevel)),
		"resolve_path": starlark.NewBuiltin("resolve_path", resolvePath),
		"option":       starlark.NewBuiltin("option", option),
		"getenv":       starlark.NewBuiltin("getenv", getenv),
		"setenv":       starlark.NewBuiltin("setenv", setenv),
		"prepend_path": starlark.NewBuiltin("prepend_path", prependPathDir),
		"read_yaml":    starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":        starlark.NewBuiltin("isdir", statBuiltin(isDir)),
		"isfile":       starlark.NewBuiltin("isfile", statBuiltin(isRegular)),
		"execute":      starlark.NewBuiltin("execute", starExec),
		"task":         starlark.NewBuiltin("task", task),
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	if options == nil {
		options = map[string]string{}
	}
	threadCtx := parserCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		envOverrides: make(map[string]string),
		tasks:        make([]*Task, 0),
		yamlCache:    make(map[string]interface{}),
		inputs:       inputs,
		initPhase:    true,
	}
	thread.SetLocal("parserCtx", &threadCtx)

	script, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to read file")
	}

	globals, err := starlark.ExecFile(thread, simplifyPath(&threadCtx, filename), script, builtins)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, nil, eris.Errorf("failed to execute %s:\n%s", simplifyPath(&threadCtx, filename), evalError.Backtrace())
		}
		return nil, nil, eris.Wrap(err, "failed to execute")
	}

	tasks := TaskList{}
	if !doConfigure {
		return tasks, threadCtx.options, nil
	}

	threadCtx.initPhase = false
	doitTasks, err := collectDoitTasks(thread, globals)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to collect tasks in %s", simplifyPath(&threadCtx, filename))
	}

	configure, hasConfigure := globals["configure"]
	if !hasConfigure && len(doitTasks) == 0 && len(threadCtx.tasks) == 0 {
		return nil, nil, eris.Errorf("%s did not declare a configure function or any task_* functions", simplifyPath(&threadCtx, filename))
	}

	if hasConfigure {
		configureFunc, ok := configure.(starlark.Callable)
		if !ok {
			return nil, nil, eris.Errorf("%s did declare a configure value but it's not a function", simplifyPath(&threadCtx, filename))
		}

		_, err = starlark.Call(thread, configureFunc, make(starlark.Tuple, 0), make([]starlark.Tuple, 0))
		if err != nil {
			if evalError, ok := err.(*starlark.EvalError); ok {
				return nil, nil, eris.New(evalError.Backtrace())
			}
			return nil, nil, eris.Wrapf(err, "failed configure call in %s", simplifyPath(&threadCtx, filename))
		}
	}

	for _, task := range append(doitTasks, threadCtx.tasks...) {
		if _, present := tasks[task.Short]; present {
			return nil, nil, eris.Errorf("task %s is declared more than once in %s", task.Short, simplifyPath(&threadCtx, filename))
		}
		tasks[task.Short] = task

		for name, value := range threadCtx.envOverrides {
			_, present := task.Env[name]
			if !present {
				task.Env[name] = value
			}
		}
	}

	return tasks, threadCtx.options, nil
}
