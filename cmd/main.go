package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	buildsyscmd "github.com/ngld/starbuild/pkg/buildsys/cmd"
)

var rootCmd = &cobra.Command{
	Use:   "starbuild [task...] [option=value...]",
	Short: "Dependency-aware task runner",
	Long: `This command parses the first tasks.star or tasks.hcl file it finds and executes the given tasks.
Tasks are skipped if their file dependencies didn't change since their last successful run.

Use "starbuild run ..." if a task has the same name as one of the commands listed below.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return buildsyscmd.RunCmd.RunE(cmd, args)
	},
}

func init() {
	buildsyscmd.AddPersistentFlags(rootCmd.PersistentFlags())
	buildsyscmd.AddRunFlags(rootCmd.Flags())
	rootCmd.AddCommand(buildsyscmd.Commands()...)
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		buildsyscmd.ReportError(err)
		stop()
		os.Exit(1)
	}
}
