// Package cli implements the lanroom command tree.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"lanroom.dev/go/lanroom/internal/config"
)

var (
	version    = "dev"
	cfgFile    string
	verboseLog bool
)

// SetVersion sets the version printed by the version command.
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "lanroom",
	Short: "Serverless encrypted chat for your local network",
	Long: `lanroom - serverless encrypted chat for your local network

Devices find each other over UDP multicast, exchange messages over
direct TCP connections, and share one room password. No server, no
cloud, no account.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.config/lanroom/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "verbose output")
}

// loadConfig reads the config file honoring the --config flag.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFrom(cfgFile)
	}
	return config.Load()
}

// setupLogging configures slog from the config, with --verbose
// forcing debug.
func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verboseLog {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
