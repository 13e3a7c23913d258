package cmd

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/G-Research/pira/internal/common/app"
	commonconfig "github.com/G-Research/pira/internal/common/config"
	"github.com/G-Research/pira/internal/pira"
	"github.com/G-Research/pira/internal/pira/checkpoint"
	"github.com/G-Research/pira/internal/pira/configuration"
)

func runCmd() *cobra.Command {
	defaults := configuration.DefaultInvocationConfig()
	cmd := &cobra.Command{
		Use:   "run <config>",
		Short: "Run or continue the instrumentation refinement for every configured target.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invocation, err := invocationFromFlags(cmd.Flags(), args[0])
			if err != nil {
				return err
			}

			ctx, cancel := app.CreateContextWithShutdown()
			defer cancel()

			outcome, err := pira.Run(ctx, invocation)
			if err != nil {
				commonconfig.LogValidationErrors(err)
				return err
			}
			for _, report := range outcome.Reports {
				log.Infof("%s: baseline %fs, %d iterations", report.Target, report.Baseline, len(report.Iterations))
			}
			log.Infof("Finished with status %s", outcome.Status)
			if outcome.ExitCode() != 0 {
				return errors.WithMessage(outcome.Reason, "run failed")
			}
			return nil
		},
	}

	cmd.Flags().Int("iterations", defaults.Iterations, "Number of instrumentation iterations.")
	cmd.Flags().Int("repetitions", defaults.Repetitions, "Number of repetitions of every measurement.")
	cmd.Flags().Bool("runtime-filter", false, "Apply the whitelist through a Score-P filter file instead of rebuilding.")
	cmd.Flags().Int("hybrid-filter-iters", defaults.HybridFilterIters, "Rebuild every n iterations and filter at runtime in between.")
	cmd.Flags().String("pira-dir", "", "Directory for generated files, defaults to ~/.pira.")
	cmd.Flags().String("slurm-config", "", "Batch configuration for batch-bound items.")
	cmd.Flags().String("checkpoint", checkpoint.DefaultPath, "Path of the checkpoint of an outstanding batch job.")
	cmd.Flags().String("db", defaults.DatabasePath, "Result database, relative to the pira directory unless absolute.")
	cmd.Flags().String("metrics-file", "", "Write Prometheus metrics in text format to this file.")

	return cmd
}

func invocationFromFlags(flags *pflag.FlagSet, configPath string) (configuration.InvocationConfig, error) {
	invocation := configuration.DefaultInvocationConfig()
	invocation.ConfigPath = configPath
	var err error

	if invocation.Iterations, err = flags.GetInt("iterations"); err != nil {
		return invocation, err
	}
	if invocation.Repetitions, err = flags.GetInt("repetitions"); err != nil {
		return invocation, err
	}
	if invocation.HybridFilterIters, err = flags.GetInt("hybrid-filter-iters"); err != nil {
		return invocation, err
	}
	runtimeFilter, err := flags.GetBool("runtime-filter")
	if err != nil {
		return invocation, err
	}
	invocation.CompileTimeFiltering = !runtimeFilter

	stringFlags := map[string]*string{
		"pira-dir":     &invocation.PiraDir,
		"slurm-config": &invocation.SlurmConfigPath,
		"checkpoint":   &invocation.CheckpointPath,
		"db":           &invocation.DatabasePath,
		"metrics-file": &invocation.MetricsFile,
	}
	for name, target := range stringFlags {
		if *target, err = flags.GetString(name); err != nil {
			return invocation, err
		}
	}
	return invocation, nil
}
