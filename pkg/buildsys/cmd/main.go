// Package cmd implements the CLI for the buildsys package
package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ngld/starbuild/pkg"
	"github.com/ngld/starbuild/pkg/buildsys"
)

var RunCmd = &cobra.Command{
	Use:   "run [task...] [option=value...]",
	Short: "Execute the given tasks",
	Long: `This command parses the first tasks.star or tasks.hcl file it finds and executes the given tasks.
If no task is passed, the available tasks are listed instead.`,
	RunE: runTasks,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the available tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		all, err := cmd.Flags().GetBool("all")
		if err != nil {
			return err
		}

		printTaskList(s, all)
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info task [option=value...]",
	Short: "Show the dependencies and the state of a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskArgs, options := splitArgs(args)
		if len(taskArgs) != 1 {
			return eris.New("Expected exactly one task name")
		}

		s, err := openSession(cmd, options)
		if err != nil {
			return err
		}
		defer s.Close()

		task, err := s.lookupTask(taskArgs[0])
		if err != nil {
			return err
		}

		pkg.PrintTask(task.Short)
		if task.Desc != "" {
			pkg.PrintSubtask(task.Desc)
		}

		plan, err := buildsys.Plan(s.projectRoot, s.tasks, []string{task.Short})
		if err != nil {
			return err
		}

		depNames := make([]string, 0, len(plan))
		for _, dep := range plan {
			if dep != task {
				depNames = append(depNames, dep.Short)
			}
		}

		printList("Run order", depNames)
		printList("File dependencies", task.Inputs)
		printList("Targets", task.Outputs)
		printList("Skip if exists", task.SkipIfExists)

		upToDate, reason, err := buildsys.TaskStatus(s.projectRoot, task, s.state)
		if err != nil {
			pkg.PrintError(fmt.Sprintf("Status: unknown (%s)", err))
			return nil
		}

		if upToDate {
			pkg.PrintSubtask(fmt.Sprintf("Status: up to date (%s)", reason))
		} else {
			pkg.PrintSubtask(fmt.Sprintf("Status: will run (%s)", reason))
		}
		return nil
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget [task...]",
	Short: "Drop the recorded state of the given tasks (or all tasks)",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		for _, name := range args {
			if _, ok := s.tasks[name]; !ok {
				return eris.Wrapf(buildsys.ErrTaskNotFound, "Task %s not found", name)
			}
		}

		err = s.state.Forget(args...)
		if err != nil {
			return err
		}

		if len(args) == 0 {
			s.logger.Info().Msg("Forgot all tasks")
		} else {
			s.logger.Info().Msgf("Forgot %s", strings.Join(args, ", "))
		}
		return nil
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean [task...] [option=value...]",
	Short: "Remove the targets of the given tasks (or all tasks)",
	RunE: func(cmd *cobra.Command, args []string) error {
		taskArgs, options := splitArgs(args)
		s, err := openSession(cmd, options)
		if err != nil {
			return err
		}
		defer s.Close()

		opts, err := s.runOptions(cmd)
		if err != nil {
			return err
		}

		if len(taskArgs) == 0 {
			taskArgs = s.tasks.Names()
			sort.Strings(taskArgs)
		}

		for _, name := range taskArgs {
			task, err := s.lookupTask(name)
			if err != nil {
				return err
			}

			err = buildsys.CleanTask(s.ctx, s.projectRoot, task, opts)
			if err != nil {
				return eris.Wrapf(err, "Failed to clean %s", name)
			}
		}
		return nil
	},
}

func runTasks(cmd *cobra.Command, args []string) error {
	taskArgs, options := splitArgs(args)

	s, err := openSession(cmd, options)
	if err != nil {
		return err
	}
	defer s.Close()

	for name := range options {
		if _, ok := s.options[name]; !ok {
			s.logger.Warn().Msgf("Option %s is not declared by %s", name, s.taskFile)
		}
	}

	if len(taskArgs) == 0 {
		printTaskList(s, false)
		return nil
	}

	for _, name := range taskArgs {
		if _, err := s.lookupTask(name); err != nil {
			return err
		}
	}

	opts, err := s.runOptions(cmd)
	if err != nil {
		return err
	}

	if s.cfg.Progress && os.Getenv("CI") != "true" {
		plan, err := buildsys.Plan(s.projectRoot, s.tasks, taskArgs)
		if err != nil {
			return err
		}

		bar := progressbar.NewOptions(len(plan),
			progressbar.OptionSetDescription("Running tasks"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprint(os.Stderr, "\n")
			}),
		)
		defer bar.Finish()

		if opts.Verbosity == buildsys.VerbosityDefault {
			opts.Verbosity = buildsys.VerbosityQuiet
		}
		opts.OnTaskDone = func(task *buildsys.Task, skipped bool) {
			bar.Describe(task.Short)
			_ = bar.Add(1)
		}
	}

	return buildsys.RunTasks(s.ctx, s.projectRoot, taskArgs, s.tasks, opts)
}

func printList(label string, items []string) {
	if len(items) == 0 {
		return
	}
	pkg.PrintSubtask(fmt.Sprintf("%s: %s", label, strings.Join(items, ", ")))
}

func printTaskList(s *session, all bool) {
	sortedNames := make([]string, 0, len(s.tasks))
	maxNameLen := 0
	for name, task := range s.tasks {
		if task.Hidden && !all {
			continue
		}

		if len(name) > maxNameLen {
			maxNameLen = len(name)
		}
		sortedNames = append(sortedNames, name)
	}

	sort.Strings(sortedNames)

	fmt.Println("Available tasks:")
	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range sortedNames {
		fmt.Printf(lineFmt, name+":", s.tasks[name].Desc)
	}

	if len(s.options) > 0 {
		fmt.Println("\nOptions:")
		for _, name := range buildsys.OptionNames(s.options) {
			opt := s.options[name]
			fmt.Printf(" * %s=%s  %s\n", name, opt.Default(), opt.Help)
		}
	}
}

// Commands returns every task related command so they can be attached to a root command.
func Commands() []*cobra.Command {
	return []*cobra.Command{RunCmd, listCmd, infoCmd, forgetCmd, cleanCmd}
}

func init() {
	AddRunFlags(RunCmd.Flags())
	AddRunFlags(cleanCmd.Flags())
	listCmd.Flags().BoolP("all", "a", false, "include hidden tasks")
}
