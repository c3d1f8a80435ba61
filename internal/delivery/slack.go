package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/KafClaw/taskclaw/internal/config"
	"github.com/KafClaw/taskclaw/internal/timeline"
)

// SlackFeedMirror posts feed items to a Slack channel.
type SlackFeedMirror struct {
	api     *slack.Client
	channel string
}

// NewSlackFeedMirror returns nil when no token or channel is configured.
func NewSlackFeedMirror(cfg config.FeedConfig) *SlackFeedMirror {
	token := strings.TrimSpace(cfg.SlackToken)
	if token == "" || strings.TrimSpace(cfg.SlackChannel) == "" {
		return nil
	}
	opts := []slack.Option{}
	if base := strings.TrimSpace(cfg.SlackAPIURL); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, slack.OptionAPIURL(base))
	}
	return &SlackFeedMirror{api: slack.New(token, opts...), channel: cfg.SlackChannel}
}

// MirrorFeedItem posts the item text and returns the Slack message timestamp.
func (m *SlackFeedMirror) MirrorFeedItem(ctx context.Context, item timeline.FeedItem) (string, error) {
	text := strings.TrimSpace(item.Content)
	if text == "" {
		return "", nil
	}
	_, ts, err := m.api.PostMessageContext(ctx, m.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return "", fmt.Errorf("slack feed mirror: %w", err)
	}
	return ts, nil
}
