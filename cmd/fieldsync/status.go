package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, cache, and queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore(verboseFlag)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		reachable := c.api.Health(ctx) == nil
		c.monitor.SetOnline(reachable)

		fmt.Printf("Server:       %s\n", c.cfg.Server.BaseURL)
		if reachable {
			fmt.Println("Connectivity: online")
		} else {
			fmt.Println("Connectivity: offline (reads served from cache)")
		}
		fmt.Printf("Pending sync: %d action(s)\n", c.queue.PendingCount())

		unacked, err := c.inbox.Unacknowledged()
		if err == nil {
			fmt.Printf("Alerts:       %d unacknowledged\n", len(unacked))
		}

		regions, err := c.store.CachedRegions()
		if err == nil && len(regions) > 0 {
			fmt.Printf("Regions:      %v\n", regions)
		}

		fmt.Println("Cache:")
		stats := c.cache.Stats()
		names := make([]string, 0, len(stats))
		for name := range stats {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-15s %d\n", name, stats[name])
		}

		if s, err := c.store.Setting("last_check_in"); err == nil && s != nil {
			fmt.Printf("Last check-in: %s\n", s.Value)
		}
		return nil
	},
}
