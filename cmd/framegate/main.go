package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

const defaultConfigPath = "framegate.yaml"

func main() {
	root := &cobra.Command{
		Use:           "framegate",
		Short:         "framegate: cached, rate-limited front for prompt-to-animation generation",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newCacheCmd(),
		newStatsCmd(),
		newHealthCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
