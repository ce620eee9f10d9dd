package main

import (
	"os"

	"github.com/G-Research/vidtrace/cmd/vidtrace/cmd"
	"github.com/G-Research/vidtrace/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
