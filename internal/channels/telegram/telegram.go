// Package telegram adapts a Telegram bot connection onto the host's
// channel interface using telego's long-polling client.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/groupd/internal/bus"
	"github.com/nextlevelbuilder/groupd/internal/config"
	"github.com/nextlevelbuilder/groupd/internal/retry"
	"github.com/nextlevelbuilder/groupd/internal/store"
)

const telegramMaxMessageLen = 4096

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	bot    *telego.Bot
	msgBus *bus.MessageBus
	tasks  store.TaskStore

	placeholders placeholderMap
}

// New creates a Telegram channel from cfg. tasks may be nil, in which
// case /tasks reports the feature unavailable instead of erroring.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus, tasks store.TaskStore) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Channel{bot: bot, msgBus: msgBus, tasks: tasks}, nil
}

func (c *Channel) Name() string { return "telegram" }

// Start begins long polling and blocks until ctx is cancelled.
func (c *Channel) Start(ctx context.Context) error {
	updates, err := c.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	self, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: fetch bot identity: %w", err)
	}
	slog.Info("telegram: connected", "username", self.Username)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			c.handleUpdate(ctx, update)
		}
	}
}

func (c *Channel) handleUpdate(ctx context.Context, update telego.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return
	}

	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if text == "/tasks" || strings.HasPrefix(text, "/tasks ") {
		c.handleTasksList(ctx, chatID)
		return
	}

	placeholder, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), "Thinking..."))
	if err == nil {
		c.placeholders.store(chatID, placeholder.MessageID)
	}

	if err := c.msgBus.PublishInbound(ctx, bus.InboundMessage{
		Channel:  c.Name(),
		ChatID:   strconv.FormatInt(chatID, 10),
		SenderID: strconv.FormatInt(msg.From.ID, 10),
		Content:  text,
		Metadata: map[string]string{
			"message_id": strconv.Itoa(msg.MessageID),
			"username":   msg.From.Username,
		},
	}); err != nil {
		slog.Warn("telegram: publish inbound", "error", err)
	}
}

// Send delivers content to chatID, editing the "Thinking…" placeholder
// in place when one is pending, otherwise posting new (chunked) messages.
func (c *Channel) Send(ctx context.Context, chatID, content string, metadata map[string]string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", chatID, err)
	}

	var replyTo int
	if v := metadata["reply_to_message_id"]; v != "" {
		replyTo, _ = strconv.Atoi(v)
	}

	if pID, ok := c.placeholders.loadAndDelete(id); ok {
		if len(content) <= telegramMaxMessageLen {
			edit := &telego.EditMessageTextParams{ChatID: tu.ID(id), MessageID: pID, Text: content}
			if _, err := c.bot.EditMessageText(ctx, edit); err == nil {
				return nil
			}
		}
		_ = c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: tu.ID(id), MessageID: pID})
	}

	for i, chunk := range chunkText(content, telegramMaxMessageLen) {
		params := tu.Message(tu.ID(id), chunk)
		if i == 0 && replyTo != 0 {
			params = params.WithReplyParameters(&telego.ReplyParameters{MessageID: replyTo})
		}
		_, err := retry.Do(ctx, retry.DefaultConfig(), nil, nil, func(ctx context.Context) (*telego.Message, error) {
			return c.bot.SendMessage(ctx, params)
		})
		if err != nil {
			return fmt.Errorf("telegram: send message: %w", err)
		}
	}
	return nil
}

func chunkText(content string, maxLen int) []string {
	if content == "" {
		return nil
	}
	var chunks []string
	for len(content) > 0 {
		if len(content) <= maxLen {
			chunks = append(chunks, content)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, content[:cutAt])
		content = content[cutAt:]
	}
	return chunks
}
