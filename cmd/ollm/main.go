package main

import (
	"os"

	"ollm/cmd/ollm/prompt"
	"ollm/cmd/ollm/serve"
	"ollm/internal/logger"

	"github.com/spf13/cobra"
)

func main() {
	var logLevel string
	rootCmd := &cobra.Command{
		Use:          "ollm",
		Short:        "ollm serves Qwen chat models behind an OpenAI-compatible API",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init(logLevel)
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); defaults to LOG_LEVEL")

	rootCmd.AddCommand(serve.Cmd)
	rootCmd.AddCommand(prompt.Cmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
