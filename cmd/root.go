package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/snehar97/text/logging"
)

const FlagLogLevel = "log-level"

// rootCmd is a base command.
var rootCmd = &cobra.Command{
	Use:   "text",
	Short: "Collaborative text sync client/server",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := cmd.Flags().GetString(FlagLogLevel)
		if err != nil {
			return err
		}

		return logging.SetLogLevel(level)
	},
}

func main() {
	rootCmd.PersistentFlags().String(FlagLogLevel, "info", "(optional) log level: debug, info, warn, error")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
