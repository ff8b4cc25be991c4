package buildsys

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/pflag"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"

	"github.com/ngld/starbuild/pkg"
)

// TimeoutExitStatus is the exit status of a command killed by the timeout command.
const TimeoutExitStatus = 124

// killGracePeriod is how long a command gets to exit after it has been interrupted.
var killGracePeriod = 2 * time.Second

var defaultExecHandler = interp.DefaultExecHandler(killGracePeriod)

type builtinCommand func(ctx context.Context, hc interp.HandlerContext, args []string) error

// builtinCommands always use our cross-platform implementation to make sure they behave consistently
var builtinCommands map[string]builtinCommand

func init() {
	builtinCommands = map[string]builtinCommand{
		"mv":      builtinMv,
		"rm":      builtinRm,
		"mkdir":   builtinMkdir,
		"tee":     builtinTee,
		"timeout": builtinTimeout,
		"xz":      builtinXz,
	}
}

func execHandler(ctx context.Context, args []string) error {
	if len(args) > 0 {
		if builtin, ok := builtinCommands[args[0]]; ok {
			return builtin(ctx, interp.HandlerCtx(ctx), args[1:])
		}
	}

	return defaultExecHandler(ctx, args)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

func newShellRunner(dir string, env expand.Environ, stdout, stderr io.Writer) (*interp.Runner, error) {
	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(env),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, stdout, stderr),
		interp.Params("-e", "-o", "pipefail"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "Failed to initialize runner")
	}

	return runner, nil
}

// builtinFailure reports err on the command's stderr and turns it into a regular exit status
// so that the shell's errexit handling applies.
func builtinFailure(hc interp.HandlerContext, name string, err error) error {
	if hc.Stderr != nil {
		fmt.Fprintf(hc.Stderr, "%s: %s\n", name, err)
	}
	return interp.NewExitStatus(1)
}

func absArgs(dir string, args []string) []string {
	result := make([]string, len(args))
	for idx, arg := range args {
		if filepath.IsAbs(arg) {
			result[idx] = arg
		} else {
			result[idx] = filepath.Join(dir, arg)
		}
	}
	return result
}

func builtinMv(ctx context.Context, hc interp.HandlerContext, args []string) error {
	flags := pflag.NewFlagSet("mv", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.BoolP("force", "f", false, "ignored")
	err := flags.Parse(args)
	if err != nil {
		return builtinFailure(hc, "mv", err)
	}

	paths := absArgs(hc.Dir, flags.Args())
	if len(paths) < 2 {
		return builtinFailure(hc, "mv", eris.New("Not enough parameters"))
	}

	err = pkg.Move(paths[:len(paths)-1], paths[len(paths)-1])
	if err != nil {
		return builtinFailure(hc, "mv", err)
	}
	return nil
}

func builtinRm(ctx context.Context, hc interp.HandlerContext, args []string) error {
	flags := pflag.NewFlagSet("rm", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	recursive := flags.BoolP("recursive", "r", false, "recursively delete directories")
	force := flags.BoolP("force", "f", false, "suppresses errors caused by missing files/folders")
	err := flags.Parse(args)
	if err != nil {
		return builtinFailure(hc, "rm", err)
	}

	err = pkg.Remove(absArgs(hc.Dir, flags.Args()), *recursive, *force)
	if err != nil {
		return builtinFailure(hc, "rm", err)
	}
	return nil
}

func builtinMkdir(ctx context.Context, hc interp.HandlerContext, args []string) error {
	flags := pflag.NewFlagSet("mkdir", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	parents := flags.BoolP("parents", "p", false, "create parent directories as needed")
	err := flags.Parse(args)
	if err != nil {
		return builtinFailure(hc, "mkdir", err)
	}

	err = pkg.MakeDirs(absArgs(hc.Dir, flags.Args()), *parents)
	if err != nil {
		return builtinFailure(hc, "mkdir", err)
	}
	return nil
}

func builtinTee(ctx context.Context, hc interp.HandlerContext, args []string) error {
	flags := pflag.NewFlagSet("tee", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	appendMode := flags.BoolP("append", "a", false, "append to the given files, do not overwrite")
	err := flags.Parse(args)
	if err != nil {
		return builtinFailure(hc, "tee", err)
	}

	err = pkg.Tee(hc.Stdin, hc.Stdout, absArgs(hc.Dir, flags.Args()), *appendMode)
	if err != nil {
		return builtinFailure(hc, "tee", err)
	}
	return nil
}

func builtinXz(ctx context.Context, hc interp.HandlerContext, args []string) error {
	flags := pflag.NewFlagSet("xz", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	decompress := flags.BoolP("decompress", "d", false, "decompress")
	keep := flags.BoolP("keep", "k", false, "keep the input files")
	err := flags.Parse(args)
	if err != nil {
		return builtinFailure(hc, "xz", err)
	}

	err = pkg.XZ(absArgs(hc.Dir, flags.Args()), *decompress, *keep)
	if err != nil {
		return builtinFailure(hc, "xz", err)
	}
	return nil
}

// builtinTimeout implements "timeout DURATION COMMAND [ARG]...". If the command is still running
// once DURATION has passed, it's interrupted (and killed after a grace period) and the exit status
// is 124.
func builtinTimeout(ctx context.Context, hc interp.HandlerContext, args []string) error {
	if len(args) < 2 {
		return builtinFailure(hc, "timeout", eris.New("expected a duration and a command"))
	}

	limit, err := ParseDuration(args[0])
	if err != nil {
		return builtinFailure(hc, "timeout", err)
	}

	cmdCtx := ctx
	if limit > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	err = execHandler(cmdCtx, args[1:])
	if cmdCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		log(ctx).Warn().
			Strs("argv", args[1:]).
			Msgf("command timed out after %s", limit)
		return interp.NewExitStatus(TimeoutExitStatus)
	}

	return err
}

// ParseDuration parses a duration as accepted by the timeout command: a (floating point) number
// with an optional unit suffix of s, m, h or d. Plain numbers are seconds. Go duration strings
// (i.e. "1m30s") are accepted as well.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, eris.New("empty duration")
	}

	unit := time.Second
	number := value
	switch value[len(value)-1] {
	case 's':
		number = value[:len(value)-1]
	case 'm':
		unit = time.Minute
		number = value[:len(value)-1]
	case 'h':
		unit = time.Hour
		number = value[:len(value)-1]
	case 'd':
		unit = 24 * time.Hour
		number = value[:len(value)-1]
	}

	amount, err := strconv.ParseFloat(number, 64)
	if err != nil {
		parsed, pErr := time.ParseDuration(value)
		if pErr != nil {
			return 0, eris.Errorf("invalid duration %q", value)
		}
		amount = parsed.Seconds()
		unit = time.Second
	}

	total := amount * float64(unit)
	if math.IsNaN(total) || total < 0 || total >= math.MaxInt64 {
		return 0, eris.Errorf("invalid duration %q", value)
	}

	return time.Duration(total), nil
}
