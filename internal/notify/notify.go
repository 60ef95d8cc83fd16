// Package notify sends best-effort Slack notifications for lifecycle
// events. A notifier with no bot token configured is a silent noop.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"

	"github.com/Nickchen-PUSH/yatcc-se/internal/telemetry"
)

// Notifier posts codespace lifecycle events to a single Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Notifier. If botToken is empty the notifier is disabled
// and every call becomes a noop.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a usable client and channel.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// NotifyEviction posts a best-effort message announcing that sid's
// codespace was suspended by the watcher for quota exhaustion. Failures
// are logged, never propagated — eviction itself already succeeded.
func (n *Notifier) NotifyEviction(ctx context.Context, sid string) {
	telemetry.NotificationsTotal.WithLabelValues("eviction").Inc()

	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping eviction notice", "sid", sid)
		return
	}

	text := fmt.Sprintf(":hourglass: codespace for `%s` was stopped: time quota exhausted", sid)
	if _, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false)); err != nil {
		n.logger.Warn("posting eviction notice to slack failed", "sid", sid, "error", err)
	}
}

var _ interface {
	NotifyEviction(ctx context.Context, sid string)
} = (*Notifier)(nil)
