package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().Int("max-age-days", 0, "delete events older than this (default from config, else 7)")
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete cached events past their retention age",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore(verboseFlag)
		if err != nil {
			return err
		}
		defer c.Close()

		days, _ := cmd.Flags().GetInt("max-age-days")
		if days == 0 {
			days = c.cfg.Storage.MaxAgeDays
		}
		if days == 0 {
			days = 7
		}

		n, err := c.cache.CleanupOldEvents(days)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d event(s) older than %d day(s).\n", n, days)
		return nil
	},
}
