package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"lanroom.dev/go/lanroom/internal/config"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local configuration and identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := config.GetPaths()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		deviceID, err := paths.LoadOrCreateDeviceID()
		if err != nil {
			return err
		}

		fmt.Printf("Device ID:   %s\n", deviceID)
		fmt.Printf("Name:        %s\n", cfg.Device.Name)
		fmt.Printf("Network:     %s\n", cfg.Network.NetworkID)
		fmt.Printf("Multicast:   %s\n", cfg.Network.MulticastGroup)
		fmt.Printf("Base port:   %d\n", cfg.Network.BasePort)
		fmt.Printf("Config file: %s\n", paths.ConfigFile)
		return nil
	},
}
