package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"lanroom.dev/go/lanroom/internal/config"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the lanroom configuration",
	Long: `Create the configuration directory, generate a stable device ID
and write a default config file. Run once per device.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}

	deviceID, err := paths.LoadOrCreateDeviceID()
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Device.Name == "" {
		fmt.Print("Display name for this device: ")
		reader := bufio.NewReader(os.Stdin)
		name, err := reader.ReadString('\n')
		if err == nil {
			cfg.Device.Name = strings.TrimSpace(name)
		}
	}

	if err := cfg.Save(); err != nil {
		return err
	}

	fmt.Printf("Device ID: %s\n", deviceID)
	fmt.Printf("Config written to %s\n", paths.ConfigFile)
	return nil
}
