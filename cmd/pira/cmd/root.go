package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/pira/internal/common"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "pira",
		SilenceUsage: true,
		Short:        "pira iteratively refines the instrumentation of benchmark builds.",
		Long: `pira builds every configured target without instrumentation to measure a baseline,
then alternates between analysing profiles, rebuilding with a refined instrumentation
selection and measuring the instrumented version.

Items marked as batch-bound are measured through Slurm. pira then exits after each
submission and continues from its checkpoint when invoked again.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := cmd.Flags().GetString("log-level")
			if err != nil {
				return err
			}
			return common.SetLogLevel(level)
		},
	}

	cmd.PersistentFlags().String("log-level", "info", "Log level: trace, debug, info, warn or error.")

	cmd.AddCommand(
		runCmd(),
		timerCmd(),
		scriptCmd(),
		versionCmd(),
	)

	return cmd
}
