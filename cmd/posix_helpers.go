package cmd

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ngld/starbuild/pkg"
	"github.com/ngld/starbuild/pkg/buildsys"
)

// expandArgs resolves glob patterns on Windows since cmd.exe doesn't do that for us.
func expandArgs(args []string, allowEmpty bool) ([]string, error) {
	if runtime.GOOS != "windows" {
		return args, nil
	}

	items := []string{}
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "Failed to resolve pattern %s", arg)
		}

		if matches == nil {
			if allowEmpty {
				continue
			}
			return nil, eris.Errorf("Pattern %s produced no matches", arg)
		}

		items = append(items, matches...)
	}

	return items, nil
}

var mvCmd = &cobra.Command{
	Use:   "mv source... dest",
	Short: "Cross-platform implementation of the POSIX mv command",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := expandArgs(args[:len(args)-1], false)
		if err != nil {
			return err
		}

		return pkg.Move(items, args[len(args)-1])
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm path...",
	Short: "A cross-platform implementation of the POSIX rm command",
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, err := cmd.Flags().GetBool("recursive")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		items, err := expandArgs(args, force)
		if err != nil {
			return err
		}

		return pkg.Remove(items, recursive, force)
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir path...",
	Short: "A cross-platform implementation of the POSIX mkdir command",
	RunE: func(cmd *cobra.Command, args []string) error {
		makeParents, err := cmd.Flags().GetBool("parents")
		if err != nil {
			return err
		}

		return pkg.MakeDirs(args, makeParents)
	},
}

var teeCmd = &cobra.Command{
	Use:   "tee [file...]",
	Short: "A cross-platform implementation of the POSIX tee command",
	RunE: func(cmd *cobra.Command, args []string) error {
		appendMode, err := cmd.Flags().GetBool("append")
		if err != nil {
			return err
		}

		return pkg.Tee(os.Stdin, os.Stdout, args, appendMode)
	},
}

var xzCmd = &cobra.Command{
	Use:   "xz file...",
	Short: "Compress or decompress .xz files",
	RunE: func(cmd *cobra.Command, args []string) error {
		decompress, err := cmd.Flags().GetBool("decompress")
		if err != nil {
			return err
		}

		keep, err := cmd.Flags().GetBool("keep")
		if err != nil {
			return err
		}

		items, err := expandArgs(args, false)
		if err != nil {
			return err
		}

		return pkg.XZ(items, decompress, keep)
	},
}

var timeoutCmd = &cobra.Command{
	Use:   "timeout duration command [arg...]",
	Short: "Run a command with a time limit; exits with status 124 if the limit is exceeded",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := buildsys.ParseDuration(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		if limit > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		proc := exec.CommandContext(ctx, args[1], args[2:]...)
		proc.Stdin = os.Stdin
		proc.Stdout = os.Stdout
		proc.Stderr = os.Stderr

		err = proc.Run()
		if ctx.Err() == context.DeadlineExceeded {
			os.Exit(buildsys.TimeoutExitStatus)
		}

		var exitErr *exec.ExitError
		if eris.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		return err
	},
}

func init() {
	rmCmd.Flags().BoolP("recursive", "r", false, "recursively delete directories")
	rmCmd.Flags().BoolP("force", "f", false, "suppresses errors caused by missing files/folders")
	mkdirCmd.Flags().BoolP("parents", "p", false, "create parent directories as needed")
	teeCmd.Flags().BoolP("append", "a", false, "append to the given files instead of overwriting them")
	xzCmd.Flags().BoolP("decompress", "d", false, "decompress")
	xzCmd.Flags().BoolP("keep", "k", false, "keep the input files")
	// everything after the duration belongs to the wrapped command
	timeoutCmd.Flags().SetInterspersed(false)

	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(mkdirCmd)
	rootCmd.AddCommand(teeCmd)
	rootCmd.AddCommand(timeoutCmd)
	rootCmd.AddCommand(xzCmd)
}
