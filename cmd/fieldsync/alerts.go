package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	fieldsync "github.com/threatwatch/fieldsync"
)

func init() {
	rootCmd.AddCommand(alertsCmd)
	alertsCmd.AddCommand(alertsAckCmd)
	alertsCmd.Flags().Bool("all", false, "include acknowledged alerts")
	alertsCmd.Flags().Int("limit", 25, "maximum alerts to show")
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List delivered alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore(verboseFlag)
		if err != nil {
			return err
		}
		defer c.Close()

		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")

		if all {
			alerts, err := c.inbox.All(limit)
			if err != nil {
				return err
			}
			printAlerts(alerts)
		} else {
			alerts, err := c.inbox.Unacknowledged()
			if err != nil {
				return err
			}
			printAlerts(alerts)
		}
		return nil
	},
}

func printAlerts(alerts []fieldsync.AlertRecord) {
	if len(alerts) == 0 {
		fmt.Println("No alerts.")
		return
	}
	for _, a := range alerts {
		mark := " "
		if a.Acknowledged {
			mark = "*"
		}
		fmt.Printf("%s %6d  %s  %s\n", mark, a.ID, a.Timestamp.Format(time.RFC3339), string(a.Payload))
	}
}

var alertsAckCmd = &cobra.Command{
	Use:   "ack <id>",
	Short: "Acknowledge an alert (queued for the server when offline)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("alert id must be an integer")
		}

		c, err := openCore(verboseFlag)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		c.monitor.SetOnline(c.api.Health(ctx) == nil)

		if err := c.inbox.Acknowledge(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Alert %d acknowledged.\n", id)
		return nil
	},
}
