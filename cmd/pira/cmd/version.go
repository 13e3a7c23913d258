package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/G-Research/pira/internal/pira/build"
)

func versionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\nCommit: %s\nGo version: %s\nBuilt: %s\nOS/Arch: %s/%s\n",
				build.ReleaseVersion, build.GitCommit, build.GoVersion, build.BuildTime, runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
	return cmd
}
