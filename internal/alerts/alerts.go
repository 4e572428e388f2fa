// Package alerts raises operator notifications and records them in the
// action log.
package alerts

import (
	"context"

	"github.com/vaseksindelaru/Aipha-0.0.2/internal/audit"
	"go.uber.org/zap"
)

const agentName = "alerts"

// Level is a notification severity.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Notifier logs alerts and records NOTIFICATION_SENT actions.
type Notifier struct {
	audit  audit.Appender
	logger *zap.Logger
}

// NewNotifier creates a notifier. appender and logger may be nil.
func NewNotifier(appender audit.Appender, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{audit: appender, logger: logger.Named("alerts")}
}

// Notify sends one alert. The returned error is the audit write failure, if
// any; the log line is always emitted.
func (n *Notifier) Notify(ctx context.Context, level Level, title, message string, extra map[string]any) error {
	fields := []zap.Field{zap.String("title", title), zap.String("message", message)}
	if len(extra) > 0 {
		fields = append(fields, zap.Any("details", extra))
	}
	switch level {
	case LevelCritical:
		n.logger.Error("ALERT", fields...)
	case LevelWarning:
		n.logger.Warn("ALERT", fields...)
	default:
		n.logger.Info("ALERT", fields...)
	}

	if n.audit == nil {
		return nil
	}
	_, err := n.audit.Append(context.WithoutCancel(ctx), agentName, audit.ActionNotificationSent, map[string]any{
		"level":   string(level),
		"title":   title,
		"message": message,
		"extra":   extra,
	})
	return err
}

func (n *Notifier) Info(ctx context.Context, title, message string, extra map[string]any) error {
	return n.Notify(ctx, LevelInfo, title, message, extra)
}

func (n *Notifier) Warning(ctx context.Context, title, message string, extra map[string]any) error {
	return n.Notify(ctx, LevelWarning, title, message, extra)
}

func (n *Notifier) Critical(ctx context.Context, title, message string, extra map[string]any) error {
	return n.Notify(ctx, LevelCritical, title, message, extra)
}
