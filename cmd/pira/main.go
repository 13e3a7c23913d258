package main

import (
	"os"

	"github.com/G-Research/pira/cmd/pira/cmd"
	"github.com/G-Research/pira/internal/common"
)

func main() {
	common.ConfigureCommandLineLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
