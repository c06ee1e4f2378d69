package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	fieldsync "github.com/threatwatch/fieldsync"
)

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(checkinCmd)
	checkinCmd.Flags().String("note", "", "optional note attached to the check-in")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the offline action queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore(verboseFlag)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
		defer cancel()

		c.monitor.SetOnline(c.api.Health(ctx) == nil)

		before := c.queue.PendingCount()
		if before == 0 {
			fmt.Println("Queue empty, nothing to sync.")
			return nil
		}
		if !c.monitor.Online() {
			fmt.Printf("Offline; %d action(s) remain queued.\n", before)
			return nil
		}

		if err := c.queue.Drain(ctx); err != nil {
			return err
		}
		after := c.queue.PendingCount()
		fmt.Printf("Replayed %d action(s), %d remaining.\n", before-after, after)
		return nil
	},
}

var checkinCmd = &cobra.Command{
	Use:   "checkin",
	Short: "Record a field check-in (queued when offline)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore(verboseFlag)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		c.monitor.SetOnline(c.api.Health(ctx) == nil)

		note, _ := cmd.Flags().GetString("note")
		now := time.Now().UTC().Format(time.RFC3339)
		payload, err := json.Marshal(map[string]string{
			"checked_in_at": now,
			"note":          note,
		})
		if err != nil {
			return err
		}

		if _, err := c.queue.Enqueue(fieldsync.ActionCheckIn, payload); err != nil {
			return err
		}
		if err := c.store.SetSetting("last_check_in", now); err != nil {
			return err
		}

		if c.monitor.Online() {
			if err := c.queue.Drain(ctx); err != nil {
				return err
			}
			fmt.Println("Checked in.")
		} else {
			fmt.Println("Offline: check-in queued for replay.")
		}
		return nil
	},
}
