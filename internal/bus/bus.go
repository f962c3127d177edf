// Package bus is the in-process mailbox between channel adapters (Discord,
// Telegram, Slack) and the group queue: adapters publish InboundMessage,
// the consumer in cmd/groupd submits it as a chat turn and publishes the
// reply back as an OutboundMessage for the originating adapter to deliver.
package bus

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// InboundMessage is one message a channel adapter received from its
// platform, normalized to the shape the group queue consumes.
type InboundMessage struct {
	Channel  string // "discord", "telegram", "slack"
	ChatID   string // platform-native chat/channel/peer id
	SenderID string
	Content  string
	Metadata map[string]string // e.g. message_id, reply-to, thread id
}

// OutboundMessage is a reply routed back to the channel adapter that owns
// Channel, addressed at ChatID.
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	Metadata map[string]string
}

// MessageBus is a small buffered pub/sub: one inbound stream consumed by a
// single loop, and one outbound stream fanned out per channel name so each
// adapter only sees the replies addressed to it.
type MessageBus struct {
	inbound chan InboundMessage

	mu        sync.Mutex
	outbound  map[string]chan OutboundMessage // channel name -> subscriber
	outboxCap int
}

// New constructs a MessageBus with the given inbound buffer depth.
func New(inboundBuffer int) *MessageBus {
	if inboundBuffer <= 0 {
		inboundBuffer = 256
	}
	return &MessageBus{
		inbound:   make(chan InboundMessage, inboundBuffer),
		outbound:  make(map[string]chan OutboundMessage),
		outboxCap: 64,
	}
}

// PublishInbound enqueues msg for the consumer loop. While the inbound
// buffer is full it blocks until there is room or ctx is cancelled: a full
// buffer means the host is falling behind, and the adapter should see that
// back-pressure rather than spawn unbounded goroutines.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound blocks for the next inbound message, returning ok=false
// once ctx is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// SubscribeOutbound registers channelName as a recipient of outbound
// replies; only one subscriber per channel name is meaningful since each
// channel adapter runs once.
func (b *MessageBus) SubscribeOutbound(channelName string) <-chan OutboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan OutboundMessage, b.outboxCap)
	b.outbound[channelName] = ch
	return ch
}

// PublishOutbound delivers msg to whichever adapter subscribed under
// msg.Channel. A reply addressed to an unregistered or disconnected
// channel is dropped — there is nowhere to deliver it.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.mu.Lock()
	ch, ok := b.outbound[msg.Channel]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
		// Subscriber's outbox is saturated; drop rather than block the
		// whole bus on one slow channel adapter.
	}
}

// DedupeCache suppresses inbound messages already seen within ttl, guarding
// against webhook retries double-submitting the same chat turn. Entries
// are evicted both by age and by a hard cap on total size.
type DedupeCache struct {
	ttl time.Duration
	max int

	mu    sync.Mutex
	seen  map[string]*list.Element
	order *list.List // front = newest
}

type dedupeEntry struct {
	key string
	at  time.Time
}

// NewDedupeCache constructs a DedupeCache holding at most max keys, each
// valid for ttl.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	return &DedupeCache{
		ttl:   ttl,
		max:   max,
		seen:  make(map[string]*list.Element),
		order: list.New(),
	}
}

// IsDuplicate reports whether key was already seen within ttl, recording
// it as seen either way.
func (d *DedupeCache) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if el, ok := d.seen[key]; ok {
		entry := el.Value.(*dedupeEntry)
		if now.Sub(entry.at) < d.ttl {
			return true
		}
		d.order.Remove(el)
		delete(d.seen, key)
	}

	d.order.PushFront(&dedupeEntry{key: key, at: now})
	d.seen[key] = d.order.Front()

	for d.order.Len() > d.max {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(*dedupeEntry).key)
	}
	return false
}

// InboundDebouncer merges rapid-fire messages from the same sender into a
// single flush, so a user sending three quick lines produces one chat
// turn instead of three.
type InboundDebouncer struct {
	window time.Duration
	flush  func(InboundMessage)

	mu      sync.Mutex
	pending map[string]*pendingGroup
}

type pendingGroup struct {
	msg   InboundMessage
	timer *time.Timer
}

// NewInboundDebouncer constructs a debouncer that calls flush at most once
// per window per (channel, chatID, senderID) group.
func NewInboundDebouncer(window time.Duration, flush func(InboundMessage)) *InboundDebouncer {
	return &InboundDebouncer{
		window:  window,
		flush:   flush,
		pending: make(map[string]*pendingGroup),
	}
}

func (d *InboundDebouncer) key(msg InboundMessage) string {
	return msg.Channel + "|" + msg.ChatID + "|" + msg.SenderID
}

// Push adds msg to its group, merging its content onto any message already
// waiting and resetting that group's flush timer.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := d.key(msg)
	if g, ok := d.pending[k]; ok {
		g.msg.Content = g.msg.Content + "\n" + msg.Content
		g.msg.Metadata = msg.Metadata // most recent metadata (e.g. latest message_id) wins
		g.timer.Reset(d.window)
		return
	}

	merged := msg
	g := &pendingGroup{msg: merged}
	g.timer = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		out := g.msg
		delete(d.pending, k)
		d.mu.Unlock()
		d.flush(out)
	})
	d.pending[k] = g
}

// Stop cancels every pending timer without flushing; queued merges are
// lost, which is acceptable only at process shutdown.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, g := range d.pending {
		g.timer.Stop()
	}
	d.pending = make(map[string]*pendingGroup)
}
