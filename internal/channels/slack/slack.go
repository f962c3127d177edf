// Package slack adapts a Slack app connection onto the host's channel
// interface using slack-go's Socket Mode client, matching the
// New/Start/Send shape of the discord and telegram adapters.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nextlevelbuilder/groupd/internal/bus"
	"github.com/nextlevelbuilder/groupd/internal/config"
	"github.com/nextlevelbuilder/groupd/internal/retry"
)

const maxMessageLen = 4000

// Channel connects to Slack over Socket Mode, requiring both a bot token
// (xoxb-) and an app-level token (xapp-) with connections:write.
type Channel struct {
	client *socketmode.Client
	msgBus *bus.MessageBus
	botID  string
}

// New creates a Slack channel from cfg.
func New(cfg config.SlackConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: bot_token and app_token are both required")
	}
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	client := socketmode.New(api)
	return &Channel{client: client, msgBus: msgBus}, nil
}

func (c *Channel) Name() string { return "slack" }

// Start opens the Socket Mode connection and dispatches events until ctx
// is cancelled.
func (c *Channel) Start(ctx context.Context) error {
	auth, err := c.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.botID = auth.UserID
	slog.Info("slack: connected", "user", auth.User, "team", auth.Team)

	go c.handleEvents(ctx)

	runErr := make(chan error, 1)
	go func() { runErr <- c.client.RunContext(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-runErr:
		return err
	}
}

func (c *Channel) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.client.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			c.client.Ack(*evt.Request)

			outer, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			inner, ok := outer.InnerEvent.Data.(*slackevents.MessageEvent)
			if !ok {
				continue
			}
			c.handleMessage(ctx, inner)
		}
	}
}

func (c *Channel) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.BotID != "" || ev.User == c.botID || ev.SubType != "" {
		return
	}
	content := strings.TrimSpace(ev.Text)
	if content == "" {
		return
	}

	if err := c.msgBus.PublishInbound(ctx, bus.InboundMessage{
		Channel:  c.Name(),
		ChatID:   ev.Channel,
		SenderID: ev.User,
		Content:  content,
		Metadata: map[string]string{"message_id": ev.TimeStamp, "ts": ev.TimeStamp},
	}); err != nil {
		slog.Warn("slack: publish inbound", "error", err)
	}
}

// Send posts content to a Slack channel, chunking past Slack's ~4000
// character practical message limit.
func (c *Channel) Send(_ context.Context, chatID, content string, metadata map[string]string) error {
	if chatID == "" {
		return fmt.Errorf("slack: empty channel id")
	}

	var opts []slack.MsgOption
	if ts := metadata["thread_ts"]; ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts))
	}

	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := strings.LastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		msgOpts := append(opts, slack.MsgOptionText(chunk, false))
		_, err := retry.Do(context.Background(), retry.DefaultConfig(), nil, nil, func(context.Context) (string, error) {
			_, ts, err := c.client.Client.PostMessage(chatID, msgOpts...)
			return ts, err
		})
		if err != nil {
			return fmt.Errorf("slack: post message: %w", err)
		}
	}
	return nil
}
