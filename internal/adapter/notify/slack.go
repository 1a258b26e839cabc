package notify

import (
	"context"

	"github.com/slack-go/slack"

	"opsflow/internal/infra/config"
)

// slackPoster is the slice of slack.Client used for announcements.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts terminal-run announcements to a Slack channel.
type SlackNotifier struct {
	api     slackPoster
	channel string
}

// NewSlackNotifier creates a Slack notifier.
func NewSlackNotifier(cfg config.SlackNotifyConfig) *SlackNotifier {
	return &SlackNotifier{
		api:     slack.New(cfg.Token),
		channel: cfg.Channel,
	}
}

func (s *SlackNotifier) Name() string { return "slack" }

func (s *SlackNotifier) Notify(ctx context.Context, a Announcement) error {
	prefix := ":white_check_mark: "
	if a.Failed {
		prefix = ":warning: "
	}
	_, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(prefix+a.Text, false))
	return err
}
