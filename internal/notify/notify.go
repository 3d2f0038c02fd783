// Package notify sends persistent notifications to Home Assistant. All
// sends are best effort: a failure is logged and never propagated.
package notify

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Sender posts a notification; implemented by the hassio client.
type Sender interface {
	Notify(ctx context.Context, title, message string) error
}

// Service wraps a Sender behind the notifications config switch.
type Service struct {
	enabled bool
	sender  Sender
}

// NewService creates the notification service.
func NewService(enabled bool, sender Sender) *Service {
	return &Service{enabled: enabled, sender: sender}
}

// Send delivers the notification when enabled. Errors are swallowed.
func (s *Service) Send(ctx context.Context, title, message string) {
	if !s.enabled {
		log.Debugf("notifications disabled, dropping %q", title)
		return
	}
	if err := s.sender.Notify(ctx, title, message); err != nil {
		log.Warnf("failed to send notification: %v", err)
		return
	}
	log.Infof("notification sent: %s", title)
}

// RebootRequiredMessage builds the post-install notification body.
func RebootRequiredMessage(version string) string {
	header := "Update installed successfully."
	if version != "" {
		header = fmt.Sprintf("Update to version %s installed successfully.", version)
	}
	return header + "\n" +
		"A system reboot is required to apply the new OS.\n\n" +
		"To reboot: Developer Tools -> Restart -> Advanced Options -> Restart System."
}

// InstallFailedMessage builds the failed-install notification body.
func InstallFailedMessage(err error) string {
	return fmt.Sprintf("Failed to install the OS update: %v", err)
}
