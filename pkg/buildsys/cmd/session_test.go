package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

const testTaskFile = `
def task_build():
    return {
        "doc": "Copy the source",
        "actions": ["mkdir -p out", "cat src.txt > out/result.txt"],
        "file_dep": ["src.txt"],
        "targets": ["out/result.txt"],
    }
`

func newTestCommand(args ...string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "starbuild",
		RunE:          runTasks,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	AddPersistentFlags(cmd.Flags())
	AddRunFlags(cmd.Flags())
	cmd.SetArgs(args)
	return cmd
}

func TestSplitArgs(t *testing.T) {
	t.Parallel()

	tasks, options := splitArgs([]string{"build", "mode=release", "check", "flags=-d:release=true", "empty="})
	require.Equal(t, []string{"build", "check"}, tasks)
	require.Equal(t, map[string]string{
		"mode":  "release",
		"flags": "-d:release=true",
		"empty": "",
	}, options)
}

func TestConsoleWriter(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	logger := zerolog.New(NewConsoleWriter(&out))

	logger.Info().Str("task", "build").Bool("command", true).Msg("nim c skhandletree")
	require.Contains(t, out.String(), "build: ")
	require.Contains(t, out.String(), "$ nim c skhandletree")

	out.Reset()
	logger.Warn().Msg("Option mode is not declared")
	require.Contains(t, out.String(), "Option mode is not declared")
	require.NotContains(t, out.String(), "$ ")

	out.Reset()
	logger.Error().Str("task", "check").Msg("exit status 124")
	require.Contains(t, out.String(), "check: ")
	require.Contains(t, out.String(), "Error: exit status 124")

	_, err := NewConsoleWriter(&out).Write([]byte("not json"))
	require.Error(t, err)
}

func TestRunTasks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	taskFile := filepath.Join(dir, "tasks.star")
	result := filepath.Join(dir, "out", "result.txt")
	require.NoError(t, os.WriteFile(taskFile, []byte(testTaskFile), 0o660))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src.txt"), []byte("hello\n"), 0o660))

	ctx := context.Background()
	require.NoError(t, newTestCommand("--file", taskFile, "build").ExecuteContext(ctx))

	data, err := os.ReadFile(result)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(data))
	require.FileExists(t, filepath.Join(dir, ".starbuild.db"))
	require.FileExists(t, filepath.Join(dir, ".starbuild.cache"))

	// the second run loads the cached task list and rebuilds the missing target
	require.NoError(t, os.Remove(result))
	require.NoError(t, newTestCommand("--file", taskFile, "build").ExecuteContext(ctx))
	require.FileExists(t, result)

	// dry runs don't touch anything
	require.NoError(t, os.Remove(result))
	require.NoError(t, newTestCommand("--file", taskFile, "--dry", "build").ExecuteContext(ctx))
	require.NoFileExists(t, result)

	err = newTestCommand("--file", taskFile, "--no-cache", "missing").ExecuteContext(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")

	err = newTestCommand("--file", taskFile, "--verbosity", "7", "build").ExecuteContext(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "verbosity")
}

func writeTestFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o770))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o660))
	}
}

func locateTestProject(t *testing.T, wd string, args ...string) (string, error) {
	t.Helper()
	cmd := newTestCommand()
	require.NoError(t, cmd.ParseFlags(args))

	taskFile, _, err := locateProject(cmd, wd)
	return taskFile, err
}

func TestLocateProject(t *testing.T) {
	t.Setenv("STARBUILD_FILE", "")
	require.NoError(t, os.Unsetenv("STARBUILD_FILE"))

	t.Run("search", func(t *testing.T) {
		dir := t.TempDir()
		writeTestFiles(t, dir, map[string]string{"tasks.hcl": "", "src/main.nim": ""})

		taskFile, err := locateTestProject(t, filepath.Join(dir, "src"))
		require.NoError(t, err)
		require.Equal(t, filepath.Join(dir, "tasks.hcl"), taskFile)
	})

	t.Run("config file", func(t *testing.T) {
		dir := t.TempDir()
		writeTestFiles(t, dir, map[string]string{
			"starbuild.toml":   "file = \"build/tasks.star\"\nverbosity = 2\n",
			"build/tasks.star": "",
			"src/main.nim":     "",
		})

		cmd := newTestCommand()
		require.NoError(t, cmd.ParseFlags(nil))
		taskFile, cfg, err := locateProject(cmd, filepath.Join(dir, "src"))
		require.NoError(t, err)
		require.Equal(t, filepath.Join(dir, "build", "tasks.star"), taskFile)
		require.Equal(t, 2, cfg.Verbosity)
	})

	t.Run("flag wins", func(t *testing.T) {
		dir := t.TempDir()
		writeTestFiles(t, dir, map[string]string{
			"starbuild.toml": "file = \"build/tasks.star\"\n",
			"other.star":     "",
		})

		taskFile, err := locateTestProject(t, dir, "--file", "other.star")
		require.NoError(t, err)
		require.Equal(t, filepath.Join(dir, "other.star"), taskFile)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := locateTestProject(t, t.TempDir())
		require.Error(t, err)
	})
}

func TestLocateProject_Environment(t *testing.T) {
	dir := t.TempDir()
	writeTestFiles(t, dir, map[string]string{
		"tasks.star":     "",
		"starbuild.toml": "file = \"build/tasks.star\"\n",
		"ci/tasks.star":  "",
	})
	t.Setenv("STARBUILD_FILE", "ci/tasks.star")

	taskFile, err := locateTestProject(t, dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "ci", "tasks.star"), taskFile)
}
