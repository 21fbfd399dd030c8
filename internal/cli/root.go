// Package cli implements the clover command line: serve, merge and migrate.
package cli

import (
	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "clover",
	Short: "Merge duplicate scheduling resources into one canonical record",
	Long: `clover consolidates duplicate persons, participants, events, categories,
groups and rooms. Every table and stored schedule that refers to a deprecated
record is repointed to the canonical one before the duplicates are deleted.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the environment")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
