package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ngld/starbuild/pkg"
	"github.com/ngld/starbuild/pkg/buildsys"
	"github.com/ngld/starbuild/pkg/config"
)

// TaskFileNames lists the task files we look for, in order of preference.
var TaskFileNames = []string{"tasks.star", "tasks.hcl"}

type session struct {
	ctx         context.Context
	logger      *zerolog.Logger
	cfg         *config.Config
	projectRoot string
	taskFile    string
	tasks       buildsys.TaskList
	options     map[string]buildsys.ScriptOption
	state       *buildsys.StateStore
}

// AddPersistentFlags registers the flags shared by all task commands.
func AddPersistentFlags(flags *pflag.FlagSet) {
	flags.String("file", "", "task file to load (default: file from starbuild.toml or the closest tasks.star or tasks.hcl)")
	flags.String("db-file", "", "file used to store task state (default: .starbuild.db)")
	flags.Bool("no-cache", false, "always parse the task file instead of using the cached task list")
	flags.IntP("verbosity", "v", buildsys.VerbosityDefault, "override the verbosity of every task (0, 1 or 2)")
	flags.Bool("log-json", false, "output JSON log messages instead of pretty console messages")
}

// AddRunFlags registers the flags that control task execution.
func AddRunFlags(flags *pflag.FlagSet) {
	flags.BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	flags.BoolP("force", "f", false, "force build; always execute the passed steps even if they don't have to run")
	flags.Bool("progress", false, "show a progress bar instead of the task output")
}

// splitArgs separates task names from name=value option assignments.
func splitArgs(args []string) ([]string, map[string]string) {
	taskArgs := make([]string, 0)
	options := make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			taskArgs = append(taskArgs, part)
		}
	}

	return taskArgs, options
}

func newLogger(cfg *config.Config) *zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Log.JSON {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(NewConsoleWriter(os.Stderr))
	}

	logger = logger.Level(cfg.LogLevel())
	return &logger
}

// applyFlags copies explicitly passed flags over the values loaded from the environment and config file.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	var err error

	if flags.Changed("file") {
		cfg.File, err = flags.GetString("file")
		if err != nil {
			return err
		}
	}

	if flags.Changed("db-file") {
		cfg.DBFile, err = flags.GetString("db-file")
		if err != nil {
			return err
		}
	}

	if flags.Changed("no-cache") {
		cfg.NoCache, err = flags.GetBool("no-cache")
		if err != nil {
			return err
		}
	}

	if flags.Changed("verbosity") {
		cfg.Verbosity, err = flags.GetInt("verbosity")
		if err != nil {
			return err
		}
	}

	if flags.Changed("log-json") {
		cfg.Log.JSON, err = flags.GetBool("log-json")
		if err != nil {
			return err
		}
	}

	if flags.Lookup("progress") != nil && flags.Changed("progress") {
		cfg.Progress, err = flags.GetBool("progress")
		if err != nil {
			return err
		}
	}

	return cfg.Validate()
}

// locateProject loads the configuration and picks the task file. The configuration is read from the closest
// directory (starting at wd) containing a task file or starbuild.toml. The task file is taken from --file
// (relative to wd), the configured file (relative to the configuration's directory) or the closest
// tasks.star / tasks.hcl.
func locateProject(cmd *cobra.Command, wd string) (string, *config.Config, error) {
	flagFile, err := cmd.Flags().GetString("file")
	if err != nil {
		return "", nil, err
	}

	configDir := wd
	if flagFile != "" {
		flagFile = config.ResolvePath(wd, flagFile)
		configDir = filepath.Dir(flagFile)
	} else {
		markers := append(append([]string{}, TaskFileNames...), config.FileName)
		found, err := pkg.FindProjectFile(wd, markers...)
		if err == nil {
			configDir = filepath.Dir(found)
		}
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		return "", nil, err
	}

	err = applyFlags(cmd, cfg)
	if err != nil {
		return "", nil, err
	}

	var taskFile string
	switch {
	case flagFile != "":
		taskFile = flagFile
	case cfg.File != "":
		taskFile = config.ResolvePath(configDir, cfg.File)
	default:
		taskFile, err = pkg.FindProjectFile(configDir, TaskFileNames...)
		if err != nil {
			return "", nil, err
		}
	}

	cfg.File = taskFile
	return taskFile, cfg, nil
}

// openSession locates and parses the task file and opens the state store.
func openSession(cmd *cobra.Command, options map[string]string) (*session, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, eris.Wrap(err, "Failed to retrieve the current working directory")
	}

	taskFile, cfg, err := locateProject(cmd, wd)
	if err != nil {
		return nil, err
	}
	projectRoot := filepath.Dir(taskFile)

	s := &session{
		cfg:         cfg,
		logger:      newLogger(cfg),
		projectRoot: projectRoot,
		taskFile:    taskFile,
	}
	s.ctx = buildsys.WithLogger(cmd.Context(), s.logger)

	err = s.loadTasks(options)
	if err != nil {
		return nil, err
	}

	s.state, err = buildsys.OpenStateStore(config.ResolvePath(projectRoot, cfg.DBFile))
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *session) loadTasks(options map[string]string) error {
	cacheFile := config.ResolvePath(s.projectRoot, s.cfg.CacheFile)

	if !s.cfg.NoCache && cacheFile != "" {
		tasks, declared, err := buildsys.ReadCache(cacheFile, s.taskFile, options)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to read the task cache")
		} else if tasks != nil {
			s.logger.Debug().Msgf("Loaded %d tasks from cache", len(tasks))
			s.tasks = tasks
			s.options = declared
			return nil
		}
	}

	tasks, declared, inputs, err := buildsys.LoadWithInputs(s.ctx, s.taskFile, s.projectRoot, options)
	if err != nil {
		return eris.Wrap(err, "Failed to parse tasks")
	}
	s.tasks = tasks
	s.options = declared

	if inputs.Commands && cacheFile != "" {
		// the output of execute() can change at any time
		s.logger.Debug().Msg("Not caching the task list since the task file runs commands")
		err = os.Remove(cacheFile)
		if err != nil && !eris.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Msg("Failed to remove the task cache")
		}
	} else if !s.cfg.NoCache && cacheFile != "" {
		err = buildsys.WriteCache(cacheFile, s.taskFile, options, tasks, declared, inputs)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to write the task cache")
		}
	}

	return nil
}

func (s *session) Close() error {
	if s.state == nil {
		return nil
	}
	return s.state.Close()
}

// lookupTask returns the named task unless it's missing or hidden.
func (s *session) lookupTask(name string) (*buildsys.Task, error) {
	task, ok := s.tasks[name]
	if !ok || task.Hidden {
		return nil, eris.Wrapf(buildsys.ErrTaskNotFound, "Task %s not found", name)
	}
	return task, nil
}

func (s *session) runOptions(cmd *cobra.Command) (buildsys.RunOptions, error) {
	opts := buildsys.RunOptions{
		Verbosity: s.cfg.Verbosity,
		State:     s.state,
	}

	var err error
	if cmd.Flags().Lookup("dry") != nil {
		opts.DryRun, err = cmd.Flags().GetBool("dry")
		if err != nil {
			return opts, err
		}
	}

	if cmd.Flags().Lookup("force") != nil {
		opts.Force, err = cmd.Flags().GetBool("force")
		if err != nil {
			return opts, err
		}
	}

	return opts, nil
}
