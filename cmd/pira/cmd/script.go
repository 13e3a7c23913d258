package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/G-Research/pira/internal/batch/slurm"
	"github.com/G-Research/pira/internal/common/shell"
	"github.com/G-Research/pira/internal/pira/configuration"
)

func scriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script <slurm-config> [-- <command>...]",
		Short: "Render the job script of a batch configuration.",
		Long: `Render the job script of a batch configuration for the given commands.

With --submit-command the sbatch invocation is printed instead. With --submit the job is
submitted and its id printed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			submitCommand, err := cmd.Flags().GetBool("submit-command")
			if err != nil {
				return err
			}
			submit, err := cmd.Flags().GetBool("submit")
			if err != nil {
				return err
			}
			output, err := cmd.Flags().GetString("output")
			if err != nil {
				return err
			}

			config, err := configuration.LoadBatchConfig(args[0])
			if err != nil {
				return err
			}
			generator := slurm.NewGenerator(config.Job, shell.New(""), clock.RealClock{})
			if err := generator.AddConfiguredModules(); err != nil {
				return err
			}
			for _, command := range args[1:] {
				generator.AddCommand(command)
			}
			if output == "" {
				output = config.Job.ScriptPath
			}

			if !submit && !submitCommand {
				script, err := generator.Script(true)
				if err != nil {
					return err
				}
				fmt.Print(script)
				return nil
			}
			result, err := generator.Submit(context.Background(), slurm.SubmitOptions{
				Active:      submit,
				ScriptPath:  output,
				LoadModules: true,
			})
			if err != nil {
				return err
			}
			if submit {
				fmt.Println(result.JobID)
			} else {
				fmt.Println(result.Command)
			}
			return nil
		},
	}

	cmd.Flags().Bool("submit-command", false, "Print the sbatch invocation instead of the script.")
	cmd.Flags().Bool("submit", false, "Submit the job and print its id.")
	cmd.Flags().String("output", "", "Write the script to this path and submit it from there.")

	return cmd
}
