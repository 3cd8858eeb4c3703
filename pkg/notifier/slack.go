package notifier

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// SlackNotifier posts hunt/cron completion messages to a single Slack
// channel. If the bot token is empty it is a noop (logging only), so an
// unconfigured notifier degrades gracefully instead of failing the engine.
type SlackNotifier struct {
	name    string
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackNotifier creates a named Slack notifier bound to one channel.
func NewSlackNotifier(name, botToken, channel string, logger *slog.Logger) *SlackNotifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackNotifier{name: name, client: client, channel: channel, logger: logger}
}

func (n *SlackNotifier) Name() string { return n.name }

func (n *SlackNotifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

func (n *SlackNotifier) Send(ctx context.Context, msg CompletionMessage) error {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping", "notifier", n.name, "kind", msg.Kind, "id", msg.ID)
		return nil
	}

	text := fmt.Sprintf("%s %q finished: %d match(es)", msg.Kind, msg.Name, msg.MatchedCount)
	if msg.Error != "" {
		text = fmt.Sprintf("%s %q failed: %s", msg.Kind, msg.Name, msg.Error)
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false), nil, nil),
	}
	if msg.DeepLink != "" {
		blocks = append(blocks, goslack.NewContextBlock("", goslack.NewTextBlockObject(goslack.MarkdownType, msg.DeepLink, false, false)))
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("posting completion message to slack: %w", err)
	}
	return nil
}
