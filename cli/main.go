package main

import (
	"os"

	"github.com/openfactoryio/serving-layer/cli/cmd"
)

func main() {
	if err := cmd.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
