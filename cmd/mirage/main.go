// Command mirage runs the multi-model chat gateway.
//
//	mirage serve [--config config.yaml]
//	mirage ask --model gpt-5 [--stream] [--mode concise] [--no-search] "question"
//	mirage version [-o json]
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "mirage",
		Short:        "Multi-model chat gateway with web search and streaming",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the config file (default ./config.yaml)")

	root.AddCommand(
		newServeCommand(&configPath),
		newAskCommand(&configPath),
		newVersionCommand(),
	)
	return root
}
