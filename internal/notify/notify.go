// Package notify sends best-effort desktop notifications. Failures
// are logged and swallowed; chat delivery never depends on them.
package notify

import (
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
)

// Notifier delivers one desktop notification.
type Notifier interface {
	Notify(title, body string) error
}

// New returns the notifier for the current platform.
func New() Notifier {
	switch runtime.GOOS {
	case "darwin":
		return &darwinNotifier{}
	case "linux":
		return &linuxNotifier{}
	default:
		return &nullNotifier{}
	}
}

type darwinNotifier struct{}

func (n *darwinNotifier) Notify(title, body string) error {
	script := fmt.Sprintf(`display notification %q with title %q`, body, title)
	if err := exec.Command("osascript", "-e", script).Run(); err != nil {
		slog.Debug("macOS notification failed", "error", err)
		return err
	}
	return nil
}

type linuxNotifier struct{}

func (n *linuxNotifier) Notify(title, body string) error {
	if path, err := exec.LookPath("notify-send"); err == nil {
		if err := exec.Command(path, title, body).Run(); err == nil {
			return nil
		}
	}
	if path, err := exec.LookPath("zenity"); err == nil {
		if err := exec.Command(path, "--notification", "--title="+title, "--text="+body).Run(); err == nil {
			return nil
		}
	}
	slog.Debug("no notification method available")
	return fmt.Errorf("no notification method available")
}

type nullNotifier struct{}

func (n *nullNotifier) Notify(title, body string) error {
	slog.Debug("notifications not supported on this platform", "title", title)
	return nil
}

// Service gates notifications behind a user setting and adds the
// message templates the chat engine uses.
type Service struct {
	notifier Notifier
	enabled  bool
}

// NewService wraps the platform notifier.
func NewService(enabled bool) *Service {
	return &Service{notifier: New(), enabled: enabled}
}

// SetEnabled toggles delivery.
func (s *Service) SetEnabled(enabled bool) {
	s.enabled = enabled
}

// Notify sends a notification if enabled.
func (s *Service) Notify(title, body string) error {
	if !s.enabled {
		return nil
	}
	return s.notifier.Notify(title, body)
}

// NotifyMessage announces an incoming chat message.
func (s *Service) NotifyMessage(senderName, preview string) error {
	if len(preview) > 80 {
		preview = preview[:77] + "..."
	}
	return s.Notify("lanroom - "+senderName, preview)
}

// NotifyPeerJoined announces a device appearing on the network.
func (s *Service) NotifyPeerJoined(peerName string) error {
	return s.Notify("lanroom", fmt.Sprintf("%s is now online", peerName))
}

// NotifyRotation announces a pending password rotation vote.
func (s *Service) NotifyRotation(proposerName string) error {
	return s.Notify("lanroom - Vote Required",
		fmt.Sprintf("%s proposed a password change", proposerName))
}
