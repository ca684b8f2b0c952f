package alert

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordNotifier posts alerts to one Discord channel over the REST API.
// No gateway connection is opened.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

// NewDiscordNotifier creates a Discord notifier for a bot token.
func NewDiscordNotifier(token, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordNotifier{session: session, channelID: channelID, logger: logger}, nil
}

func (n *DiscordNotifier) Platform() string { return "discord" }

func (n *DiscordNotifier) Notify(ctx context.Context, title, body string) error {
	content := fmt.Sprintf("**%s**\n%s", title, body)
	if _, err := n.session.ChannelMessageSend(n.channelID, content, discordgo.WithContext(ctx)); err != nil {
		n.logger.Error("discord send failed", zap.String("channel", n.channelID), zap.Error(err))
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}
