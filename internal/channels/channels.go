// Package channels adapts third-party chat platforms (Discord, Telegram,
// Slack) onto the host's group-queue model: each adapter maps one
// platform chat to one group folder and exchanges bus.InboundMessage /
// bus.OutboundMessage with the rest of the host.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Channel is one platform adapter. Name must be stable and match the
// Channel field of every bus message it produces or consumes.
type Channel interface {
	Name() string
	// Start connects to the platform and blocks until ctx is cancelled or
	// the connection is lost, publishing inbound messages as they arrive.
	Start(ctx context.Context) error
	// Send delivers an outbound reply to chatID on this platform.
	Send(ctx context.Context, chatID, content string, metadata map[string]string) error
}

// GroupResolver maps an inbound platform message to the host group folder
// it should be submitted against, auto-registering the group on first
// contact the same way an HTTP chat does.
type GroupResolver func(ctx context.Context, channel, chatID string) (groupID string, err error)

// Manager owns the set of configured channel adapters, runs each one, and
// dispatches outbound replies to the adapter that owns them.
type Manager struct {
	log *slog.Logger

	mu       sync.RWMutex
	channels map[string]Channel
}

// NewManager constructs an empty Manager.
func NewManager(log *slog.Logger) *Manager {
	return &Manager{log: log, channels: make(map[string]Channel)}
}

// Register adds ch under ch.Name(). Registering two channels with the same
// name is a configuration error.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[ch.Name()]; exists {
		return fmt.Errorf("channels: %q already registered", ch.Name())
	}
	m.channels[ch.Name()] = ch
	return nil
}

// Names returns every registered channel's name.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for n := range m.channels {
		names = append(names, n)
	}
	return names
}

// Run starts every registered adapter in its own goroutine and blocks
// until ctx is cancelled, logging (not panicking on) individual adapter
// failures so one platform outage doesn't take the others down.
func (m *Manager) Run(ctx context.Context) {
	m.mu.RLock()
	chans := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			if err := ch.Start(ctx); err != nil && ctx.Err() == nil {
				m.log.Error("channels: adapter stopped", "channel", ch.Name(), "error", err)
			}
		}(ch)
	}
	wg.Wait()
}

// Send routes an outbound reply to the adapter named by channel.
func (m *Manager) Send(ctx context.Context, channel, chatID, content string, metadata map[string]string) error {
	m.mu.RLock()
	ch, ok := m.channels[channel]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("channels: %q is not registered", channel)
	}
	return ch.Send(ctx, chatID, content, metadata)
}
