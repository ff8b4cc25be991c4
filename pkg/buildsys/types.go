package buildsys

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
	"mvdan.cc/sh/v3/syntax"
)

// Verbosity levels, matching the values accepted by the task files.
const (
	// VerbosityQuiet captures stdout and stderr; both are only shown if the task fails.
	VerbosityQuiet = 0
	// VerbosityNormal captures stdout and streams stderr.
	VerbosityNormal = 1
	// VerbosityFull streams stdout and stderr.
	VerbosityFull = 2
	// VerbosityDefault lets the runner pick (VerbosityNormal unless overridden).
	VerbosityDefault = -1
)

type TaskCmdScript struct {
	TaskName string
	Content  string
	Index    int
}

func (s TaskCmdScript) ToTask() (*Task, error) {
	return nil, nil
}

func (s TaskCmdScript) ToShellStmts(parser *syntax.Parser) ([]*syntax.Stmt, error) {
	reader := strings.NewReader(s.Content)
	result, err := parser.Parse(reader, fmt.Sprintf("%s:%d", s.TaskName, s.Index))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", s.Content)
	}

	return result.Stmts, nil
}

func (s TaskCmdScript) String() string {
	return s.Content
}

type TaskCmdTaskRef struct {
	Task *Task
}

func (t TaskCmdTaskRef) ToTask() (*Task, error) {
	return t.Task, nil
}

func (t TaskCmdTaskRef) ToShellStmts(*syntax.Parser) ([]*syntax.Stmt, error) {
	return nil, nil
}

func (t TaskCmdTaskRef) String() string {
	if t.Task == nil {
		return "<task nil>"
	}
	return "<task " + t.Task.Short + ">"
}

// TaskCmd is a single action of a task. It's either a shell script or a reference to another task.
type TaskCmd interface {
	ToTask() (*Task, error)
	ToShellStmts(*syntax.Parser) ([]*syntax.Stmt, error)
	String() string
}

// CleanMode describes what "clean" does for a task.
type CleanMode int

const (
	// CleanNone leaves the task's targets alone.
	CleanNone CleanMode = iota
	// CleanTargets removes the task's targets.
	CleanTargets
	// CleanCmds runs the task's CleanCmds.
	CleanCmds
)

// Task contains the processed values declared by the task file
type Task struct {
	Env          map[string]string
	Short        string
	Desc         string
	Base         string
	Inputs       []string
	Deps         []string
	SkipIfExists []string
	Outputs      []string
	Cmds         []TaskCmd
	CleanCmds    []TaskCmd
	Clean        CleanMode
	Verbosity    int
	Timeout      time.Duration
	Hidden       bool
}

func newTask() *Task {
	return &Task{
		Env:       map[string]string{},
		Verbosity: VerbosityDefault,
	}
}

// TaskList maps short names to each relevant task
type TaskList map[string]*Task

// Names returns the names of all visible tasks.
func (l TaskList) Names() []string {
	names := make([]string, 0, len(l))
	for name, task := range l {
		if !task.Hidden {
			names = append(names, name)
		}
	}
	return names
}

// ScriptOption is an option declared by a task file. Values are passed on the command line as name=value.
type ScriptOption struct {
	DefaultValue string
	Help         string
}

// OptionNames returns the names of the passed options in sorted order.
func OptionNames(options map[string]ScriptOption) []string {
	names := make([]string, 0, len(options))
	for name := range options {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o ScriptOption) Default() string {
	return o.DefaultValue
}

// Implement starlark.Value for *Task

// String returns a string representation of the task
func (t *Task) String() string {
	return fmt.Sprintf("<Task %s: %s>", t.Short, t.Desc)
}

// Type always returns "task" to indicate this type
func (t *Task) Type() string {
	return "task"
}

// Freeze doesn't do anything since tasks are immutable anyway
func (t *Task) Freeze() {}

// Truth always returns true since a task can't be nil or None
func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

// Hash always returns an error since task is not hashable
func (t *Task) Hash() (uint32, error) {
	return 0, eris.New("task is not a hashable type")
}

type StarlarkPath string

func (p StarlarkPath) String() string {
	return starlark.String(p).String()
}

func (p StarlarkPath) Type() string {
	return "path"
}

func (p StarlarkPath) Freeze() {}

func (p StarlarkPath) Truth() starlark.Bool {
	return p != ""
}

func (p StarlarkPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(StarlarkPath)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

func (p StarlarkPath) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p StarlarkPath) Len() int {
	return len(p)
}

func (p StarlarkPath) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}
