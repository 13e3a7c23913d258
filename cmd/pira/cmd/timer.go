package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/G-Research/pira/internal/batch/timer"
	"github.com/G-Research/pira/internal/common/app"
	"github.com/G-Research/pira/internal/common/shell"
)

// Runs inside a batch job and leaves the measurement of the command as a report in the
// export directory.
func timerCmd() *cobra.Command {
	var params timer.Params
	cmd := &cobra.Command{
		Use:   "timer --key <key> --job-id <id> --export-dir <dir> -- <command>",
		Short: "Time a command inside a batch job.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params.Command = strings.Join(args, " ")
			ctx, cancel := app.CreateContextWithShutdown()
			defer cancel()
			_, err := timer.Run(ctx, shell.New(""), params)
			return err
		},
	}

	cmd.Flags().StringVar(&params.Key, "key", "", "Key of the timed command.")
	cmd.Flags().StringVar(&params.JobID, "job-id", "", "Id of the surrounding batch job.")
	cmd.Flags().StringVar(&params.Repetition, "repetition", "", "Array task id of the surrounding batch job.")
	cmd.Flags().StringVar(&params.ExportDir, "export-dir", "", "Directory the report is written to.")

	return cmd
}
