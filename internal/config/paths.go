package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds the platform-specific file locations for lanroom.
type Paths struct {
	ConfigDir  string // ~/.config/lanroom or equivalent
	SecretsDir string // keyring fallback files

	ConfigFile   string // config.toml
	DeviceIDFile string // device_id
}

// GetPaths resolves the platform paths. LANROOM_CONFIG_DIR overrides
// everything, which is how tests and multi-instance setups isolate
// state.
func GetPaths() (*Paths, error) {
	var configDir string

	if envDir := os.Getenv("LANROOM_CONFIG_DIR"); envDir != "" {
		configDir = envDir
	} else {
		switch runtime.GOOS {
		case "linux", "darwin":
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "lanroom")
		case "windows":
			appData := os.Getenv("APPDATA")
			if appData == "" {
				return nil, fmt.Errorf("APPDATA environment variable not set")
			}
			configDir = filepath.Join(appData, "lanroom")
		default:
			return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
		}
	}

	return &Paths{
		ConfigDir:    configDir,
		SecretsDir:   filepath.Join(configDir, "secrets"),
		ConfigFile:   filepath.Join(configDir, "config.toml"),
		DeviceIDFile: filepath.Join(configDir, "device_id"),
	}, nil
}

// EnsureDirectories creates the config tree with owner-only access.
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.SecretsDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
