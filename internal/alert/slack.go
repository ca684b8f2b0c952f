package alert

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts alerts to one Slack channel with a bot token.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackNotifier creates a Slack notifier. opts are passed to slack.New.
func NewSlackNotifier(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken, opts...),
		channel: channel,
		logger:  logger,
	}
}

func (n *SlackNotifier) Platform() string { return "slack" }

func (n *SlackNotifier) Notify(ctx context.Context, title, body string) error {
	text := fmt.Sprintf("*%s*\n%s", title, body)
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		n.logger.Error("slack send failed", zap.String("channel", n.channel), zap.Error(err))
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}
