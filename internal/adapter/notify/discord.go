package notify

import (
	"context"

	"github.com/bwmarrin/discordgo"

	"opsflow/internal/infra/config"
)

// discordSender is the slice of discordgo.Session used for announcements.
type discordSender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier sends terminal-run announcements to a Discord channel.
// Messages go over the REST API, so no gateway connection is opened.
type DiscordNotifier struct {
	api       discordSender
	channelID string
}

// NewDiscordNotifier creates a Discord notifier.
func NewDiscordNotifier(cfg config.DiscordNotifyConfig) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, err
	}
	return &DiscordNotifier{
		api:       session,
		channelID: cfg.ChannelID,
	}, nil
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) Notify(ctx context.Context, a Announcement) error {
	_, err := d.api.ChannelMessageSend(d.channelID, a.Text, discordgo.WithContext(ctx))
	return err
}
