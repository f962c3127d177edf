// Package discord adapts a Discord bot connection onto the host's
// channel interface using discordgo's gateway client.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/groupd/internal/bus"
	"github.com/nextlevelbuilder/groupd/internal/config"
	"github.com/nextlevelbuilder/groupd/internal/retry"
)

const maxMessageLen = 2000

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	session      *discordgo.Session
	msgBus       *bus.MessageBus
	botUserID    string
	placeholders sync.Map // channelID string -> messageID string
}

// New creates a Discord channel from cfg, publishing every inbound
// message it receives onto msgBus.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{session: session, msgBus: msgBus}, nil
}

func (c *Channel) Name() string { return "discord" }

// Start opens the gateway connection, registers the message handler, and
// blocks until ctx is cancelled.
func (c *Channel) Start(ctx context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	defer c.session.Close()

	user, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	c.botUserID = user.ID
	slog.Info("discord: connected", "username", user.Username, "id", user.ID)

	<-ctx.Done()
	return ctx.Err()
}

// Send delivers content to a Discord channel, editing the "Thinking…"
// placeholder in place when one is pending, otherwise posting (and
// chunking past Discord's 2000-char limit).
func (c *Channel) Send(_ context.Context, chatID, content string, _ map[string]string) error {
	if chatID == "" {
		return fmt.Errorf("discord: empty channel id")
	}

	if pID, ok := c.placeholders.LoadAndDelete(chatID); ok {
		edit := content
		if len(edit) > maxMessageLen {
			edit = edit[:maxMessageLen-3] + "..."
		}
		if _, err := c.session.ChannelMessageEdit(chatID, pID.(string), edit); err == nil {
			return nil
		}
		// Placeholder may have been deleted by the user; fall through to
		// sending a fresh message.
	}

	return c.sendChunked(chatID, content)
}

func (c *Channel) sendChunked(channelID, content string) error {
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := lastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		_, err := retry.Do(context.Background(), retry.DefaultConfig(), nil, nil, func(context.Context) (*discordgo.Message, error) {
			return c.session.ChannelMessageSend(channelID, chunk)
		})
		if err != nil {
			return fmt.Errorf("discord: send message: %w", err)
		}
	}
	return nil
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	channelID := m.ChannelID
	_ = c.session.ChannelTyping(channelID)
	if placeholder, err := c.session.ChannelMessageSend(channelID, "Thinking..."); err == nil {
		c.placeholders.Store(channelID, placeholder.ID)
	}

	metadata := map[string]string{
		"message_id": m.ID,
		"guild_id":   m.GuildID,
		"username":   m.Author.Username,
	}

	ctx := context.Background()
	if err := c.msgBus.PublishInbound(ctx, bus.InboundMessage{
		Channel:  c.Name(),
		ChatID:   channelID,
		SenderID: m.Author.ID,
		Content:  content,
		Metadata: metadata,
	}); err != nil {
		slog.Warn("discord: publish inbound", "error", err)
	}
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
