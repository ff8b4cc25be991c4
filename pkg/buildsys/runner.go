package buildsys

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// RunOptions controls how tasks are executed.
type RunOptions struct {
	// DryRun only prints the commands, nothing is executed.
	DryRun bool
	// Force executes the requested tasks even if they're up to date. Dependencies are still checked.
	Force bool
	// Verbosity overrides the verbosity of every task unless it's VerbosityDefault.
	Verbosity int
	// State records file signatures. Without a state store, tasks with file dependencies always run.
	State  *StateStore
	Stdout io.Writer
	Stderr io.Writer
	// OnTaskDone is called once for every task that finished successfully or was skipped.
	OnTaskDone func(task *Task, skipped bool)
}

type taskStatus int

const (
	taskRunning taskStatus = iota + 1
	taskDone
	taskFailed
)

type (
	runtimeCtxKey struct{}
	runtimeCtx    struct {
		runTasks    map[string]taskStatus
		projectRoot string
		tasks       TaskList
		owners      map[string]string
		opts        RunOptions
	}
)

func getRuntimeCtx(ctx context.Context) *runtimeCtx {
	return ctx.Value(runtimeCtxKey{}).(*runtimeCtx)
}

func newRuntimeCtx(ctx context.Context, projectRoot string, tasks TaskList, opts RunOptions) (context.Context, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	owners, err := targetOwners(projectRoot, tasks)
	if err != nil {
		return nil, err
	}

	rctx := runtimeCtx{
		projectRoot: projectRoot,
		runTasks:    make(map[string]taskStatus),
		tasks:       tasks,
		owners:      owners,
		opts:        opts,
	}

	return context.WithValue(ctx, runtimeCtxKey{}, &rctx), nil
}

// lockedBuffer collects the output of commands which might write from several goroutines (pipelines).
type lockedBuffer struct {
	buffer bytes.Buffer
	lock   sync.Mutex
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buffer.Write(p)
}

func (b *lockedBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buffer.String()
}

// RunTask executes the given task and its dependencies
func RunTask(ctx context.Context, projectRoot, task string, tasks TaskList, opts RunOptions) error {
	return RunTasks(ctx, projectRoot, []string{task}, tasks, opts)
}

// RunTasks executes the given tasks in order. Each task (and dependency) runs at most once.
func RunTasks(ctx context.Context, projectRoot string, names []string, tasks TaskList, opts RunOptions) error {
	ctx, err := newRuntimeCtx(ctx, projectRoot, tasks, opts)
	if err != nil {
		return err
	}

	for _, name := range names {
		taskMeta, found := tasks[name]
		if !found {
			return eris.Wrapf(ErrTaskNotFound, "Task %s not found", name)
		}

		err = runTaskInternal(ctx, taskMeta, opts.Force)
		if err != nil {
			return err
		}
	}

	return nil
}

func runTaskInternal(ctx context.Context, task *Task, force bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	rctx := getRuntimeCtx(ctx)
	switch rctx.runTasks[task.Short] {
	case taskDone:
		// this task has already been run
		log(ctx).Debug().Msgf("Task %s already run", task.Short)
		return nil
	case taskRunning:
		return eris.Wrapf(ErrDependencyCycle, "Task %s was called recursively", task.Short)
	case taskFailed:
		return eris.Errorf("Task %s already failed", task.Short)
	}

	rctx.runTasks[task.Short] = taskRunning

	err := runTaskSteps(ctx, task, force)
	if err != nil {
		rctx.runTasks[task.Short] = taskFailed
		return err
	}

	rctx.runTasks[task.Short] = taskDone
	return nil
}

func runTaskSteps(ctx context.Context, task *Task, force bool) error {
	rctx := getRuntimeCtx(ctx)

	deps, err := taskDependencies(rctx.projectRoot, task, rctx.owners)
	if err != nil {
		return err
	}

	for _, dep := range deps {
		depTask, ok := rctx.tasks[dep]
		if !ok {
			return eris.Wrapf(ErrTaskNotFound, "Task %s not found", dep)
		}

		err := runTaskInternal(ctx, depTask, false)
		if err != nil {
			return eris.Wrapf(err, "Task %s failed due to its dependency %s", task.Short, dep)
		}
	}

	if !force {
		upToDate, reason, err := checkUpToDate(rctx.projectRoot, task, rctx.opts.State, rctx.opts.DryRun)
		if err != nil {
			return eris.Wrapf(err, "Task %s", task.Short)
		}

		if upToDate {
			log(ctx).Info().
				Str("task", task.Short).
				Msgf("nothing to do (%s)", reason)

			notifyTaskDone(ctx, task, true)
			return nil
		}

		log(ctx).Debug().
			Str("task", task.Short).
			Msgf("running because %s", reason)
	}

	err = executeTask(ctx, task)
	if err != nil {
		return err
	}

	notifyTaskDone(ctx, task, false)
	return nil
}

func notifyTaskDone(ctx context.Context, task *Task, skipped bool) {
	rctx := getRuntimeCtx(ctx)
	if rctx.opts.OnTaskDone != nil {
		rctx.opts.OnTaskDone(task, skipped)
	}
}

// TaskStatus reports whether the given task is up to date and why.
func TaskStatus(projectRoot string, task *Task, state *StateStore) (bool, string, error) {
	return checkUpToDate(projectRoot, task, state, false)
}

func checkUpToDate(projectRoot string, task *Task, state *StateStore, dryRun bool) (bool, string, error) {
	if len(task.SkipIfExists) > 0 {
		skipList, err := resolvePatternLists(projectRoot, task.Base, task.SkipIfExists)
		if err != nil {
			return false, "", eris.Wrapf(err, "failed to resolve skipIfExists list")
		}

		found := 0
		for _, item := range skipList {
			_, err := os.Stat(item)
			if err == nil {
				found++
			} else if !eris.Is(err, os.ErrNotExist) {
				return false, "", eris.Wrapf(err, "Failed to check %s", item)
			}
		}

		if found > 0 && found == len(skipList) {
			return true, "all skip files exist", nil
		}
	}

	if len(task.Inputs) == 0 {
		return false, "it has no file dependencies", nil
	}

	inputList, err := resolvePatternLists(projectRoot, task.Base, task.Inputs)
	if err != nil {
		return false, "", eris.Wrap(err, "failed to resolve inputs")
	}

	if len(inputList) == 0 {
		return false, "its file dependencies matched no files", nil
	}

	for _, item := range inputList {
		_, err := os.Stat(item)
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				if dryRun {
					return false, fmt.Sprintf("%s doesn't exist yet", item), nil
				}
				return false, "", eris.Wrapf(ErrMissingFileDep, "Dependent file %s does not exist", item)
			}
			return false, "", eris.Wrapf(err, "Failed to check input %s", item)
		}
	}

	outputList, err := resolvePatternLists(projectRoot, task.Base, task.Outputs)
	if err != nil {
		return false, "", eris.Wrap(err, "failed to resolve output list")
	}

	for _, item := range outputList {
		_, err := os.Stat(item)
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				return false, fmt.Sprintf("target %s is missing", item), nil
			}
			return false, "", eris.Wrapf(err, "Failed to check output %s", item)
		}
	}

	if state == nil {
		return false, "there is no state database", nil
	}

	record, err := state.Get(task.Short)
	if err != nil {
		return false, "", err
	}

	if record == nil {
		return false, "it never ran successfully", nil
	}

	sort.Strings(inputList)
	if strings.Join(inputList, "\x00") != strings.Join(record.DepPaths(), "\x00") {
		return false, "its file dependencies changed", nil
	}

	for _, sig := range record.Deps {
		changed, err := sig.Changed()
		if err != nil {
			return false, "", eris.Wrapf(err, "Failed to check input %s", sig.Path)
		}

		if changed {
			return false, fmt.Sprintf("%s changed", sig.Path), nil
		}
	}

	return true, "all file dependencies are unchanged", nil
}

func snapshotTargets(projectRoot string, task *Task) (map[string]time.Time, error) {
	outputList, err := resolvePatternLists(projectRoot, task.Base, task.Outputs)
	if err != nil {
		return nil, eris.Wrap(err, "failed to resolve output list")
	}

	result := make(map[string]time.Time, len(outputList))
	for _, item := range outputList {
		info, err := os.Stat(item)
		if err == nil {
			result[item] = info.ModTime()
		}
	}

	return result, nil
}

// removePartialTargets deletes every target which was created or modified since the snapshot was taken.
func removePartialTargets(ctx context.Context, projectRoot string, task *Task, before map[string]time.Time) {
	outputList, err := resolvePatternLists(projectRoot, task.Base, task.Outputs)
	if err != nil {
		log(ctx).Error().Err(err).Str("task", task.Short).Msg("failed to resolve targets for cleanup")
		return
	}

	for _, item := range outputList {
		info, err := os.Stat(item)
		if err != nil {
			continue
		}

		mtime, existed := before[item]
		if existed && mtime.Equal(info.ModTime()) {
			continue
		}

		err = os.RemoveAll(item)
		if err != nil {
			log(ctx).Error().Err(err).Str("task", task.Short).Msgf("failed to remove partial target %s", item)
		} else {
			log(ctx).Warn().Str("task", task.Short).Msgf("removed partial target %s", item)
		}
	}
}

func recordState(ctx context.Context, task *Task) error {
	rctx := getRuntimeCtx(ctx)
	if rctx.opts.State == nil || len(task.Inputs) == 0 {
		return nil
	}

	inputList, err := resolvePatternLists(rctx.projectRoot, task.Base, task.Inputs)
	if err != nil {
		return eris.Wrap(err, "failed to resolve inputs")
	}
	sort.Strings(inputList)

	state := &TaskState{
		Deps:     make([]FileSignature, 0, len(inputList)),
		Finished: time.Now(),
	}
	for _, item := range inputList {
		sig, err := ComputeSignature(item)
		if err != nil {
			return eris.Wrapf(err, "Failed to read signature of %s", item)
		}
		state.Deps = append(state.Deps, sig)
	}

	return rctx.opts.State.Save(task.Short, state)
}

func taskVerbosity(ctx context.Context, task *Task) int {
	verbosity := getRuntimeCtx(ctx).opts.Verbosity
	if verbosity == VerbosityDefault {
		verbosity = task.Verbosity
	}
	if verbosity == VerbosityDefault {
		verbosity = VerbosityNormal
	}
	return verbosity
}

func executeTask(ctx context.Context, task *Task) error {
	rctx := getRuntimeCtx(ctx)

	captured := new(lockedBuffer)
	stdout := rctx.opts.Stdout
	stderr := rctx.opts.Stderr
	switch taskVerbosity(ctx, task) {
	case VerbosityQuiet:
		stdout = captured
		stderr = captured
	case VerbosityNormal:
		stdout = captured
	}

	before, err := snapshotTargets(rctx.projectRoot, task)
	if err != nil {
		return err
	}

	taskCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	err = runCmds(taskCtx, task, task.Cmds, stdout, stderr)
	if err != nil {
		if taskCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = eris.Wrapf(ErrTimeout, "Task %s exceeded its timeout of %s", task.Short, task.Timeout)
		}

		if output := captured.String(); output != "" {
			log(ctx).Error().
				Str("task", task.Short).
				Msgf("captured output:\n%s", strings.TrimRight(output, "\n"))
		}

		if !rctx.opts.DryRun {
			removePartialTargets(ctx, rctx.projectRoot, task, before)
		}
		return err
	}

	if rctx.opts.DryRun {
		return nil
	}

	return recordState(ctx, task)
}

func runCmds(ctx context.Context, task *Task, cmds []TaskCmd, stdout, stderr io.Writer) error {
	rctx := getRuntimeCtx(ctx)

	// With the skip and input/output checks done, we can finally start executing
	runner, err := newShellRunner(task.Base, expand.ListEnviron(getEnvVars(task.Env)...), stdout, stderr)
	if err != nil {
		return err
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(
		syntax.Minify(true),
	)
	strBuffer := strings.Builder{}

	for _, item := range cmds {
		subTask, err := item.ToTask()
		if err != nil {
			return eris.Wrap(err, "failed to retrieve task ref")
		}

		if subTask != nil {
			err = runTaskInternal(ctx, subTask, false)
			if err != nil {
				return err
			}
			continue
		}

		stmts, err := item.ToShellStmts(parser)
		if err != nil {
			return eris.Wrap(err, "failed to parse shell script")
		}

		for _, stm := range stmts {
			strBuffer.Reset()
			printer.Print(&strBuffer, stm)
			log(ctx).Info().
				Str("task", task.Short).
				Bool("command", true).
				Msg(strBuffer.String())

			if rctx.opts.DryRun {
				continue
			}

			err = runner.Run(ctx, stm)
			if err != nil {
				return eris.Wrapf(err, "Task %s failed at %s", task.Short, strBuffer.String())
			}

			if runner.Exited() {
				return nil
			}
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}

// CleanTask removes the targets of the given task or runs its clean commands, depending on the task's Clean mode.
// The task's recorded state is dropped as well.
func CleanTask(ctx context.Context, projectRoot string, task *Task, opts RunOptions) error {
	ctx, err := newRuntimeCtx(ctx, projectRoot, TaskList{task.Short: task}, opts)
	if err != nil {
		return err
	}

	switch task.Clean {
	case CleanNone:
		log(ctx).Debug().Str("task", task.Short).Msg("nothing to clean")
		return nil
	case CleanCmds:
		err = runCmds(ctx, task, task.CleanCmds, getRuntimeCtx(ctx).opts.Stdout, getRuntimeCtx(ctx).opts.Stderr)
		if err != nil {
			return err
		}
	case CleanTargets:
		outputList, err := resolvePatternLists(projectRoot, task.Base, task.Outputs)
		if err != nil {
			return eris.Wrap(err, "failed to resolve output list")
		}

		// remove nested targets before their parents
		sort.Sort(sort.Reverse(sort.StringSlice(outputList)))
		for _, item := range outputList {
			log(ctx).Info().Str("task", task.Short).Str("path", item).Msgf("removing %s", item)
			if opts.DryRun {
				continue
			}

			err := os.Remove(item)
			if err != nil && !eris.Is(err, os.ErrNotExist) {
				return eris.Wrapf(err, "Failed to remove %s", item)
			}
		}
	}

	if opts.State != nil && !opts.DryRun {
		return opts.State.Forget(task.Short)
	}
	return nil
}
