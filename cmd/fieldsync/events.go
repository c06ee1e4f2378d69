package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	fieldsync "github.com/threatwatch/fieldsync"
)

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().String("region", "", "filter by region")
	eventsCmd.Flags().String("category", "", "filter by category")
	eventsCmd.Flags().String("threat-level", "", "filter by threat level")
	eventsCmd.Flags().Int("limit", 25, "maximum events to show")
}

var eventsCmd = &cobra.Command{
	Use:   "events [query]",
	Short: "Fetch events (network-first, cache fallback)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore(verboseFlag)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		c.monitor.SetOnline(c.api.Health(ctx) == nil)

		query := ""
		if len(args) > 0 {
			query = args[0]
		}
		region, _ := cmd.Flags().GetString("region")
		category, _ := cmd.Flags().GetString("category")
		threat, _ := cmd.Flags().GetString("threat-level")
		limit, _ := cmd.Flags().GetInt("limit")

		res, err := c.cache.FetchEvents(ctx, query, fieldsync.FetchOptions{
			Region:      region,
			Category:    category,
			ThreatLevel: threat,
			Limit:       limit,
		})
		if err != nil {
			return err
		}

		fmt.Printf("%d event(s) [source: %s]\n", len(res.Events), res.Source)
		for _, ev := range res.Events {
			fmt.Printf("  %-24s %-12s %-12s %-8s %s\n",
				ev.ID, ev.Region, ev.Category, ev.ThreatLevel,
				ev.FetchedAt.Format(time.RFC3339))
		}
		return nil
	},
}
