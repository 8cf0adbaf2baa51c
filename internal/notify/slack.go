package notify

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts alerts to a single Slack channel over the Web API.
type Slack struct {
	client  slackClient
	channel string
}

// NewSlack creates a Slack notifier from a bot token and target channel ID.
func NewSlack(token, channel string) *Slack {
	return &Slack{client: slackapi.New(token), channel: channel}
}

func (s *Slack) Notify(ctx context.Context, text string) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slackapi.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("notify: slack post: %w", err)
	}
	return nil
}
