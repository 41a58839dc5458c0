package infrastructure

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/yourusername/tg-vault-export/internal/domain"
)

// NotificationService sends desktop notifications about export runs
type NotificationService struct {
	config *domain.NotificationConfig
	logger *zap.Logger
}

// NewNotificationService creates a new notification service
func NewNotificationService(config *domain.NotificationConfig, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		config: config,
		logger: logger,
	}
}

// Send sends a notification
func (n *NotificationService) Send(ctx context.Context, title, message string) error {
	if !n.config.Enabled {
		n.logger.Debug("Notifications disabled, skipping",
			zap.String("title", title),
			zap.String("message", message))
		return nil
	}

	name, args, ok := n.command(title, message)
	if !ok {
		n.logger.Warn("Unknown notification method", zap.String("method", n.config.Method))
		return nil
	}

	if err := exec.CommandContext(ctx, name, args...).Run(); err != nil {
		n.logger.Error("Failed to send notification",
			zap.String("method", n.config.Method),
			zap.Error(err))
		return err
	}

	n.logger.Debug("Notification sent",
		zap.String("title", title),
		zap.String("message", message))
	return nil
}

// command builds the notifier invocation for the configured method
func (n *NotificationService) command(title, message string) (string, []string, bool) {
	switch n.config.Method {
	case "osascript":
		script := fmt.Sprintf(`display notification %s with title %s`, appleScriptString(message), appleScriptString(title))
		if n.config.Sound {
			script += ` sound name "Glass"`
		}
		return "osascript", []string{"-e", script}, true
	case "notify-send":
		args := []string{"--app-name=tg-vault-export", title, message}
		if n.config.Sound {
			args = append([]string{"--hint=string:sound-name:complete"}, args...)
		}
		return "notify-send", args, true
	default:
		return "", nil, false
	}
}

func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// NotifyTargetFailed reports a target that could not be exported
func (n *NotificationService) NotifyTargetFailed(ctx context.Context, target string, err error) {
	message := fmt.Sprintf("%s: %s", truncateString(target, 30), truncateString(err.Error(), 60))
	n.Send(ctx, "Export Failed", message)
}

// NotifyRunCompleted summarizes a finished run
func (n *NotificationService) NotifyRunCompleted(ctx context.Context, targets int, summary domain.MessageSummary) {
	title := "Export Completed"
	if summary.Failed > 0 || summary.MediaFailed > 0 {
		title = "Export Completed With Errors"
	}
	message := fmt.Sprintf("%d chats, %d messages, %d media (%d failed)",
		targets, summary.Processed, summary.MediaDone, summary.Failed+summary.MediaFailed)
	n.Send(ctx, title, message)
}

// truncateString truncates a string to maxLen runes
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
