package buildsys

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"
)

func testTask(dir, name string, cmds ...string) *Task {
	task := newTask()
	task.Short = name
	task.Base = dir
	task.Cmds = scriptCmds(name, cmds)
	return task
}

func openTestState(t *testing.T, dir string) *StateStore {
	t.Helper()

	state, err := OpenStateStore(filepath.Join(dir, ".starbuild.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		state.Close()
	})
	return state
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0770))
	require.NoError(t, os.WriteFile(path, []byte(content), 0660))
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

// runCounter returns run options which count the tasks that actually executed.
func runCounter(state *StateStore) (RunOptions, *int) {
	runs := 0
	return RunOptions{
		Verbosity: VerbosityDefault,
		State:     state,
		Stdout:    io.Discard,
		Stderr:    io.Discard,
		OnTaskDone: func(task *Task, skipped bool) {
			if !skipped {
				runs++
			}
		},
	}, &runs
}

func TestRunTask_SkipsUnchangedDependencies(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tool.nim"), "echo 1")

	build := testTask(dir, "build", "echo compiled > tool")
	build.Inputs = []string{"tool.nim"}
	build.Outputs = []string{"tool"}
	tasks := TaskList{"build": build}

	opts, runs := runCounter(openTestState(t, dir))
	ctx := context.Background()

	require.NoError(t, RunTask(ctx, dir, "build", tasks, opts))
	require.Equal(t, 1, *runs)
	require.Equal(t, "compiled\n", readFile(t, filepath.Join(dir, "tool")))

	// nothing changed
	require.NoError(t, RunTask(ctx, dir, "build", tasks, opts))
	require.Equal(t, 1, *runs)

	// same content but a new modification time falls back to the checksum
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "tool.nim"), future, future))
	require.NoError(t, RunTask(ctx, dir, "build", tasks, opts))
	require.Equal(t, 1, *runs)

	writeFile(t, filepath.Join(dir, "tool.nim"), "echo 2; echo 3")
	require.NoError(t, RunTask(ctx, dir, "build", tasks, opts))
	require.Equal(t, 2, *runs)

	// a missing target forces a rebuild
	require.NoError(t, os.Remove(filepath.Join(dir, "tool")))
	require.NoError(t, RunTask(ctx, dir, "build", tasks, opts))
	require.Equal(t, 3, *runs)

	opts.Force = true
	require.NoError(t, RunTask(ctx, dir, "build", tasks, opts))
	require.Equal(t, 4, *runs)
}

func TestRunTask_AlwaysRunsWithoutFileDependencies(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tasks := TaskList{"hello": testTask(dir, "hello", "echo hello >> hello.txt")}
	opts, runs := runCounter(openTestState(t, dir))

	require.NoError(t, RunTask(context.Background(), dir, "hello", tasks, opts))
	require.NoError(t, RunTask(context.Background(), dir, "hello", tasks, opts))
	require.Equal(t, 2, *runs)
	require.Equal(t, "hello\nhello\n", readFile(t, filepath.Join(dir, "hello.txt")))
}

func TestRunTask_SkipIfExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	task := testTask(dir, "fetch", "echo fetched > marker")
	task.SkipIfExists = []string{"marker"}
	tasks := TaskList{"fetch": task}
	opts, runs := runCounter(nil)

	require.NoError(t, RunTask(context.Background(), dir, "fetch", tasks, opts))
	require.NoError(t, RunTask(context.Background(), dir, "fetch", tasks, opts))
	require.Equal(t, 1, *runs)
}

func TestRunTask_MissingFileDependency(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	task := testTask(dir, "build", "echo never > tool")
	task.Inputs = []string{"tool.nim"}
	task.Outputs = []string{"tool"}

	err := RunTask(context.Background(), dir, "build", TaskList{"build": task}, RunOptions{Verbosity: VerbosityDefault})
	require.Error(t, err)
	require.True(t, eris.Is(err, ErrMissingFileDep), "unexpected error: %v", err)
	require.NoFileExists(t, filepath.Join(dir, "tool"))
}

func TestRunTask_UnknownTask(t *testing.T) {
	t.Parallel()

	err := RunTask(context.Background(), t.TempDir(), "missing", TaskList{}, RunOptions{Verbosity: VerbosityDefault})
	require.Error(t, err)
	require.True(t, eris.Is(err, ErrTaskNotFound))
}

func TestRunTask_FailedDependencyBlocksDependent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	build := testTask(dir, "build", "exit 3")
	check := testTask(dir, "check", "echo checked > check.txt")
	check.Deps = []string{"build"}
	tasks := TaskList{"build": build, "check": check}

	opts, runs := runCounter(openTestState(t, dir))
	err := RunTask(context.Background(), dir, "check", tasks, opts)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Task check failed due to its dependency build")
	require.NoFileExists(t, filepath.Join(dir, "check.txt"))
	require.Equal(t, 0, *runs)
}

func TestRunTask_DependenciesRunOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	build := testTask(dir, "build", "echo build >> log.txt")
	check := testTask(dir, "check", "echo check >> log.txt")
	check.Deps = []string{"build"}
	docs := testTask(dir, "docs", "echo docs >> log.txt")
	docs.Deps = []string{"build", "check"}
	tasks := TaskList{"build": build, "check": check, "docs": docs}

	opts, runs := runCounter(nil)
	require.NoError(t, RunTasks(context.Background(), dir, []string{"docs", "check"}, tasks, opts))
	require.Equal(t, 3, *runs)
	require.Equal(t, "build\ncheck\ndocs\n", readFile(t, filepath.Join(dir, "log.txt")))
}

func TestRunTask_ImplicitDependencyThroughTargets(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	gen := testTask(dir, "gen", "echo generated > gen.txt")
	gen.Outputs = []string{"gen.txt"}
	use := testTask(dir, "use", "echo used > use.txt")
	use.Inputs = []string{"gen.txt"}
	use.Outputs = []string{"use.txt"}
	tasks := TaskList{"gen": gen, "use": use}

	opts, runs := runCounter(openTestState(t, dir))
	require.NoError(t, RunTask(context.Background(), dir, "use", tasks, opts))
	require.Equal(t, 2, *runs)
	require.FileExists(t, filepath.Join(dir, "gen.txt"))
	require.FileExists(t, filepath.Join(dir, "use.txt"))
}

func TestRunTask_DependencyCycle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := testTask(dir, "a", "echo a")
	a.Deps = []string{"b"}
	b := testTask(dir, "b", "echo b")
	b.Deps = []string{"a"}

	err := RunTask(context.Background(), dir, "a", TaskList{"a": a, "b": b}, RunOptions{Verbosity: VerbosityDefault})
	require.Error(t, err)
	require.True(t, eris.Is(err, ErrDependencyCycle), "unexpected error: %v", err)
}

func TestRunTask_TimeoutCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	slow := testTask(dir, "slow", "timeout 0.2 sleep 5", "echo unreachable > after.txt")
	fast := testTask(dir, "fast", "timeout 5 echo quick > quick.txt")
	tasks := TaskList{"slow": slow, "fast": fast}

	start := time.Now()
	err := RunTask(context.Background(), dir, "slow", tasks, RunOptions{Verbosity: VerbosityDefault})
	require.Error(t, err)
	require.Contains(t, err.Error(), "exit status 124")
	require.Less(t, time.Since(start), 4*time.Second)
	require.NoFileExists(t, filepath.Join(dir, "after.txt"))

	require.NoError(t, RunTask(context.Background(), dir, "fast", tasks, RunOptions{Verbosity: VerbosityDefault}))
	require.Equal(t, "quick\n", readFile(t, filepath.Join(dir, "quick.txt")))
}

func TestRunTask_TaskTimeout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	task := testTask(dir, "check", "sleep 5")
	task.Timeout = 200 * time.Millisecond

	start := time.Now()
	err := RunTask(context.Background(), dir, "check", TaskList{"check": task}, RunOptions{Verbosity: VerbosityDefault})
	require.Error(t, err)
	require.True(t, eris.Is(err, ErrTimeout), "unexpected error: %v", err)
	require.Less(t, time.Since(start), 4*time.Second)
}

func TestRunTask_Pipefail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	task := testTask(dir, "check", "false | echo piped > piped.txt", "echo unreachable > after.txt")

	err := RunTask(context.Background(), dir, "check", TaskList{"check": task}, RunOptions{Verbosity: VerbosityDefault})
	require.Error(t, err)
	require.NoFileExists(t, filepath.Join(dir, "after.txt"))
}

func TestRunTask_RemovesPartialTargets(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "old.png"), "old")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old.png"), past, past))

	task := testTask(dir, "render", "echo partial > dump.dot", "exit 1")
	task.Outputs = []string{"dump.dot", "old.png"}

	err := RunTask(context.Background(), dir, "render", TaskList{"render": task}, RunOptions{Verbosity: VerbosityDefault})
	require.Error(t, err)
	require.NoFileExists(t, filepath.Join(dir, "dump.dot"))
	// untouched targets survive
	require.FileExists(t, filepath.Join(dir, "old.png"))
}

func TestRunTask_FailureDoesNotRecordState(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tool.nim"), "echo 1")
	task := testTask(dir, "build", "echo compiled > tool", "exit 1")
	task.Inputs = []string{"tool.nim"}

	state := openTestState(t, dir)
	opts, _ := runCounter(state)
	require.Error(t, RunTask(context.Background(), dir, "build", TaskList{"build": task}, opts))

	record, err := state.Get("build")
	require.NoError(t, err)
	require.Nil(t, record)
}

func TestRunTask_DryRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	build := testTask(dir, "build", "echo compiled > tool")
	build.Outputs = []string{"tool"}
	check := testTask(dir, "check", "echo checked > check.txt")
	check.Inputs = []string{"tool"}
	tasks := TaskList{"build": build, "check": check}

	state := openTestState(t, dir)
	opts, _ := runCounter(state)
	opts.DryRun = true

	// the missing file dependency is tolerated since build would create it
	require.NoError(t, RunTask(context.Background(), dir, "check", tasks, opts))
	require.NoFileExists(t, filepath.Join(dir, "tool"))
	require.NoFileExists(t, filepath.Join(dir, "check.txt"))

	record, err := state.Get("check")
	require.NoError(t, err)
	require.Nil(t, record)
}

func TestRunTask_Verbosity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		verbosity int
		stdout    string
		stderr    string
	}{
		{name: "quiet", verbosity: VerbosityQuiet},
		{name: "normal", verbosity: VerbosityNormal, stderr: "err\n"},
		{name: "full", verbosity: VerbosityFull, stdout: "out\n", stderr: "err\n"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			task := testTask(dir, "print", "echo out", "echo err >&2")
			task.Verbosity = tc.verbosity

			stdout := new(bytes.Buffer)
			stderr := new(bytes.Buffer)
			opts := RunOptions{Verbosity: VerbosityDefault, Stdout: stdout, Stderr: stderr}

			require.NoError(t, RunTask(context.Background(), dir, "print", TaskList{"print": task}, opts))
			require.Equal(t, tc.stdout, stdout.String())
			require.Equal(t, tc.stderr, stderr.String())
		})
	}
}

func TestRunTask_Environment(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	task := testTask(dir, "env", `echo "$GREETING" > env.txt`)
	task.Env["GREETING"] = "hello there"

	require.NoError(t, RunTask(context.Background(), dir, "env", TaskList{"env": task}, RunOptions{Verbosity: VerbosityDefault}))
	require.Equal(t, "hello there\n", readFile(t, filepath.Join(dir, "env.txt")))
}

func TestRunTask_SubTaskReference(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sub := testTask(dir, "auto#sub", "echo sub >> log.txt")
	sub.Hidden = true
	main := testTask(dir, "main", "echo before >> log.txt")
	main.Cmds = append(main.Cmds, TaskCmdTaskRef{Task: sub}, TaskCmdScript{TaskName: "main", Index: 2, Content: "echo after >> log.txt"})

	require.NoError(t, RunTask(context.Background(), dir, "main", TaskList{"main": main}, RunOptions{Verbosity: VerbosityDefault}))
	require.Equal(t, "before\nsub\nafter\n", readFile(t, filepath.Join(dir, "log.txt")))
}

func TestRunTask_ShellBuiltins(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	stdout := new(bytes.Buffer)
	task := testTask(dir, "files",
		"mkdir -p out/nested",
		"echo data | tee out/a.txt out/b.txt",
		"mv out/a.txt out/nested",
		"rm out/b.txt",
		"xz out/nested/a.txt",
	)
	task.Verbosity = VerbosityFull

	opts := RunOptions{Verbosity: VerbosityDefault, Stdout: stdout, Stderr: io.Discard}
	require.NoError(t, RunTask(context.Background(), dir, "files", TaskList{"files": task}, opts))

	require.Equal(t, "data\n", stdout.String())
	require.NoFileExists(t, filepath.Join(dir, "out", "b.txt"))
	require.NoFileExists(t, filepath.Join(dir, "out", "nested", "a.txt"))
	require.FileExists(t, filepath.Join(dir, "out", "nested", "a.txt.xz"))

	unpack := testTask(dir, "unpack", "xz -d out/nested/a.txt.xz")
	require.NoError(t, RunTask(context.Background(), dir, "unpack", TaskList{"unpack": unpack}, RunOptions{Verbosity: VerbosityDefault}))
	require.Equal(t, "data\n", readFile(t, filepath.Join(dir, "out", "nested", "a.txt")))

	failing := testTask(dir, "failing", "rm out")
	require.Error(t, RunTask(context.Background(), dir, "failing", TaskList{"failing": failing}, RunOptions{Verbosity: VerbosityDefault}))
	require.DirExists(t, filepath.Join(dir, "out"))
}

func TestRunTask_Cancelled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunTask(ctx, dir, "noop", TaskList{"noop": testTask(dir, "noop", "echo noop > noop.txt")}, RunOptions{Verbosity: VerbosityDefault})
	require.Error(t, err)
	require.NoFileExists(t, filepath.Join(dir, "noop.txt"))
}

func TestTaskStatus(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tool.nim"), "echo 1")
	task := testTask(dir, "build", "echo compiled > tool")
	task.Inputs = []string{"tool.nim"}
	task.Outputs = []string{"tool"}
	state := openTestState(t, dir)

	upToDate, reason, err := TaskStatus(dir, task, state)
	require.NoError(t, err)
	require.False(t, upToDate)
	require.Contains(t, reason, "missing")

	opts, _ := runCounter(state)
	require.NoError(t, RunTask(context.Background(), dir, "build", TaskList{"build": task}, opts))

	upToDate, _, err = TaskStatus(dir, task, state)
	require.NoError(t, err)
	require.True(t, upToDate)

	require.NoError(t, state.Forget("build"))
	upToDate, reason, err = TaskStatus(dir, task, state)
	require.NoError(t, err)
	require.False(t, upToDate)
	require.Equal(t, "it never ran successfully", reason)
}

func TestCleanTask(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tool.nim"), "echo 1")

	build := testTask(dir, "build", "echo compiled > tool")
	build.Inputs = []string{"tool.nim"}
	build.Outputs = []string{"tool"}
	build.Clean = CleanTargets

	scripted := testTask(dir, "scripted")
	scripted.Clean = CleanCmds
	scripted.CleanCmds = scriptCmds("scripted:clean", []string{"echo cleaned > cleaned.txt"})

	state := openTestState(t, dir)
	opts, _ := runCounter(state)
	require.NoError(t, RunTask(context.Background(), dir, "build", TaskList{"build": build}, opts))
	require.FileExists(t, filepath.Join(dir, "tool"))

	require.NoError(t, CleanTask(context.Background(), dir, build, opts))
	require.NoFileExists(t, filepath.Join(dir, "tool"))
	record, err := state.Get("build")
	require.NoError(t, err)
	require.Nil(t, record)

	require.NoError(t, CleanTask(context.Background(), dir, scripted, opts))
	require.FileExists(t, filepath.Join(dir, "cleaned.txt"))
}

func writeScript(t *testing.T, path, content string) {
	t.Helper()

	writeFile(t, path, content)
	require.NoError(t, os.Chmod(path, 0o755))
}

const dotStandIn = `#!/bin/sh
grep -q '^digraph' "$2" || { echo "dot: syntax error in $2" >&2; exit 1; }
printf 'PNG\n'
cat "$2"
`

// Runs the example project's check task with shell stand-ins for nim, gvpack and dot.
func TestRunTask_ExampleCheckChain(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("the stand-in tools are shell scripts")
	}

	example, err := filepath.Abs(filepath.Join("..", "..", "examples", "skhandletree"))
	require.NoError(t, err)

	bin := t.TempDir()
	writeScript(t, filepath.Join(bin, "nim"), "#!/bin/sh\ncp \"$2.nim\" \"$2\"\nchmod +x \"$2\"\n")
	writeScript(t, filepath.Join(bin, "gvpack"), "#!/bin/sh\ncat \"$2\"\n")
	writeScript(t, filepath.Join(bin, "dot"), dotStandIn)
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	cases := []struct {
		name    string
		program string
		errMsg  string
	}{
		{
			name:    "well-formed graph",
			program: "#!/bin/sh\necho 'digraph { a -> b }'\n",
		},
		{
			name:    "malformed graph",
			program: "#!/bin/sh\necho 'a -> ->'\n",
			errMsg:  "dot -Tpng",
		},
		{
			name:    "dumper hangs",
			program: "#!/bin/sh\necho 'digraph {'\nexec sleep 30\n",
			errMsg:  "exit status 124",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "tasks.star"), readFile(t, filepath.Join(example, "tasks.star")))
			writeScript(t, filepath.Join(dir, "skhandletree.nim"), tc.program)

			ctx := context.Background()
			tasks, _, err := Load(ctx, filepath.Join(dir, "tasks.star"), dir, nil)
			require.NoError(t, err)

			opts, runs := runCounter(openTestState(t, dir))
			err = RunTask(ctx, dir, "check", tasks, opts)
			require.FileExists(t, filepath.Join(dir, "skhandletree"))

			if tc.errMsg == "" {
				require.NoError(t, err)
				require.Equal(t, 2, *runs)
				require.Equal(t, "digraph { a -> b }\n", readFile(t, filepath.Join(dir, "dump.dot")))

				image := readFile(t, filepath.Join(dir, "dump.png"))
				require.NotEmpty(t, image)
				require.Equal(t, "PNG\ndigraph { a -> b }\n", image)
				return
			}

			require.Error(t, err)
			require.Contains(t, err.Error(), tc.errMsg)
			require.Equal(t, 1, *runs)

			// nothing produced by the failed run may be mistaken for a valid result
			for _, target := range []string{"dump.dot", "packed.dot", "dump.png"} {
				require.NoFileExists(t, filepath.Join(dir, target))
			}
		})
	}
}

func TestRunTask_ReportsSkippedTasks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tool.nim"), "echo 1")

	build := testTask(dir, "build", "echo compiled > tool")
	build.Inputs = []string{"tool.nim"}
	build.Outputs = []string{"tool"}
	check := testTask(dir, "check", "echo checked")
	check.Deps = []string{"build"}
	tasks := TaskList{"build": build, "check": check}

	var events []string
	opts := RunOptions{
		Verbosity: VerbosityDefault,
		State:     openTestState(t, dir),
		Stdout:    io.Discard,
		Stderr:    io.Discard,
		OnTaskDone: func(task *Task, skipped bool) {
			if skipped {
				events = append(events, task.Short+" skipped")
			} else {
				events = append(events, task.Short+" ran")
			}
		},
	}

	ctx := context.Background()
	require.NoError(t, RunTask(ctx, dir, "check", tasks, opts))
	require.NoError(t, RunTask(ctx, dir, "check", tasks, opts))
	require.Equal(t, []string{"build ran", "check ran", "build skipped", "check ran"}, events)
}
