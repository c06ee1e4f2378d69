package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	fieldsync "github.com/threatwatch/fieldsync"
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringSlice("region", nil, "subscribe to these regions only")
	watchCmd.Flags().StringSlice("category", nil, "subscribe to these categories only")
	watchCmd.Flags().String("min-threat-level", "", "subscribe above this threat level")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live push updates until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore(verboseFlag)
		if err != nil {
			return err
		}
		defer c.Close()

		channel := fieldsync.NewRealtimeChannel(c.api.WebsocketURL(), c.cache, c.inbox, nil)
		channel.OnStateChange(func(s fieldsync.ConnectionState) {
			fmt.Printf("[%s] channel %s\n", time.Now().Format("15:04:05"), s)
			if s == fieldsync.StateConnected {
				c.monitor.SetOnline(true)
			}
			if s == fieldsync.StateDisconnected || s == fieldsync.StateError {
				c.monitor.SetOnline(false)
			}
		})

		if err := channel.Connect(cmd.Context()); err != nil {
			return err
		}
		defer channel.Disconnect()

		regions, _ := cmd.Flags().GetStringSlice("region")
		categories, _ := cmd.Flags().GetStringSlice("category")
		minThreat, _ := cmd.Flags().GetString("min-threat-level")
		if len(regions) > 0 || len(categories) > 0 || minThreat != "" {
			filter := fieldsync.SubscriptionFilter{
				Regions:        regions,
				Categories:     categories,
				MinThreatLevel: minThreat,
			}
			if err := channel.Subscribe(cmd.Context(), filter); err != nil {
				fmt.Fprintf(os.Stderr, "subscribe deferred: %v\n", err)
			} else {
				fmt.Printf("Subscribed: regions=%s categories=%s\n",
					strings.Join(regions, ","), strings.Join(categories, ","))
			}
		}

		fmt.Println("Watching for live updates (Ctrl-C to stop)...")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)
		<-sigCh
		fmt.Println("Stopping.")
		return nil
	},
}
