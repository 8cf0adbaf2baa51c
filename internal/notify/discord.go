package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// discordClient abstracts the discordgo methods we use, enabling test mocks.
type discordClient interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts alerts to a single Discord channel over the REST API. No
// gateway connection is held; alerts are fire-and-forget HTTP calls.
type Discord struct {
	client  discordClient
	channel string
}

// NewDiscord creates a Discord notifier from a bot token and channel ID.
func NewDiscord(token, channel string) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("notify: discord session: %w", err)
	}
	return &Discord{client: session, channel: channel}, nil
}

func (d *Discord) Notify(ctx context.Context, text string) error {
	_, err := d.client.ChannelMessageSend(d.channel, text, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("notify: discord send: %w", err)
	}
	return nil
}

// FromConfig assembles the configured notifiers. With nothing configured it
// returns Noop so callers never branch on nil.
func FromConfig(slackToken, slackChannel, discordToken, discordChannel string) (Notifier, error) {
	var all Multi
	if slackToken != "" && slackChannel != "" {
		all = append(all, NewSlack(slackToken, slackChannel))
	}
	if discordToken != "" && discordChannel != "" {
		d, err := NewDiscord(discordToken, discordChannel)
		if err != nil {
			return nil, err
		}
		all = append(all, d)
	}
	if len(all) == 0 {
		return Noop{}, nil
	}
	return all, nil
}
