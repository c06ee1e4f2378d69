package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(reportsCmd)
	reportsCmd.Flags().Int("limit", 10, "maximum reports to show")
}

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Fetch reports (network-first, cache fallback)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore(verboseFlag)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		c.monitor.SetOnline(c.api.Health(ctx) == nil)

		limit, _ := cmd.Flags().GetInt("limit")
		res, err := c.cache.FetchReports(ctx, limit)
		if err != nil {
			return err
		}

		fmt.Printf("%d report(s) [source: %s]\n", len(res.Reports), res.Source)
		for _, r := range res.Reports {
			fmt.Printf("  %-24s %-12s %-16s %s\n",
				r.ID, r.Region, r.ReportType, r.GeneratedAt.Format(time.RFC3339))
		}
		return nil
	},
}
