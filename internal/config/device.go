package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateDeviceID returns the device's stable identifier,
// generating and persisting one on first run. The ID survives
// restarts; replacing it would make peers treat this install as a new
// device.
func (p *Paths) LoadOrCreateDeviceID() (string, error) {
	data, err := os.ReadFile(p.DeviceIDFile)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, perr := uuid.Parse(id); perr == nil {
			return id, nil
		}
		// Unreadable contents; fall through and regenerate
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	if err := p.EnsureDirectories(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := os.WriteFile(p.DeviceIDFile, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}
