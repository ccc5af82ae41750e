package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initUserID, initName, initRole string

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "platform user id")
	initCmd.Flags().StringVar(&initName, "name", "", "display name")
	initCmd.Flags().StringVar(&initRole, "role", "", "role (USER, FACILITY, ADVISOR, FAMILY_MEMBER)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the access token in ~/.carenest/config.toml",
	Long:  "Initialize the CareNest CLI by storing your access token and identity in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Token = args[0]
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}
		for key, val := range map[string]string{
			"identity.user_id": initUserID,
			"identity.name":    initName,
			"identity.role":    initRole,
		} {
			if val == "" {
				continue
			}
			if err := setConfigValue(cfg, key, val); err != nil {
				return err
			}
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
