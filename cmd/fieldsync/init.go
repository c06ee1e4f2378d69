package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("token", "", "bearer token for the intel API")
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Create the fieldsync configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Server.BaseURL = args[0]
		if token, _ := cmd.Flags().GetString("token"); token != "" {
			cfg.Server.Token = token
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		path, _ := configPath()
		fmt.Printf("Configuration written to %s\n", path)
		return nil
	},
}
