package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/streamplane/coordinator/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "coordinatorctl",
	Short: "Query-plan coordination core: serve, submit and inspect requests",
	Long: `coordinatorctl runs and drives the stream-processing query-plan
coordinator: a single-process core that accepts client queries and topology
change requests, fuses them into a shared query plan forest, and places
operators onto a worker topology under two-phase-locking or optimistic
concurrency control.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
