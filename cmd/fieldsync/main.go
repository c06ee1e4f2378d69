package main

import (
	"os"

	"github.com/spf13/cobra"
)

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first field client sync core",
	Long: "Command-line interface for the fieldsync offline-first sync core.\n" +
		"Reads events and reports network-first with cache fallback, drains the\n" +
		"offline action queue, and streams live push updates.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
