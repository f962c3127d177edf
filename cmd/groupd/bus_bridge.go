package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/groupd/internal/bus"
	"github.com/nextlevelbuilder/groupd/internal/channels"
	"github.com/nextlevelbuilder/groupd/internal/outputrouter"
	"github.com/nextlevelbuilder/groupd/internal/turn"
)

// inboundDebounceWindow bounds how long a burst of quick messages from the
// same sender is merged into a single chat turn.
const inboundDebounceWindow = 2 * time.Second

// dedupeTTL/dedupeMaxKeys bound the window in which a replayed webhook
// delivery (same message_id) is suppressed rather than submitted twice.
const dedupeTTL = 10 * time.Minute
const dedupeMaxKeys = 4096

// channelGroupID builds the raw group id for a platform chat, which
// EnsureGroup normalizes into the group folder/id: one group per
// (channel, chatID) pair, auto-registered on first contact the same way
// an unknown HTTP chat group is.
func channelGroupID(channelName, chatID string) string {
	return fmt.Sprintf("%s-%s", channelName, chatID)
}

// consumeInbound drains msgBus's inbound queue, submits each message as a
// chat turn against its (channel, chatID) group, collects the turn's
// output-router events into one reply, and publishes it back onto msgBus
// for the owning adapter to deliver.
func consumeInbound(ctx context.Context, msgBus *bus.MessageBus, orch *turn.Orchestrator, router *outputrouter.Router, log *slog.Logger) {
	dedupe := bus.NewDedupeCache(dedupeTTL, dedupeMaxKeys)
	debouncer := bus.NewInboundDebouncer(inboundDebounceWindow, func(msg bus.InboundMessage) {
		go handleInbound(ctx, msg, msgBus, orch, router, log)
	})
	defer debouncer.Stop()

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if id := msg.Metadata["message_id"]; id != "" && dedupe.IsDuplicate(msg.Channel+"|"+id) {
			log.Debug("bus bridge: dropped duplicate inbound message", "channel", msg.Channel, "message_id", id)
			continue
		}
		debouncer.Push(msg)
	}
}

func handleInbound(ctx context.Context, msg bus.InboundMessage, msgBus *bus.MessageBus, orch *turn.Orchestrator, router *outputrouter.Router, log *slog.Logger) {
	rawID := channelGroupID(msg.Channel, msg.ChatID)
	g, err := orch.EnsureGroup(ctx, rawID, rawID)
	if err != nil {
		log.Error("bus bridge: ensure group", "group_id", rawID, "error", err)
		return
	}
	groupID := g.GroupID

	ch, drained, ok := router.Subscribe(groupID)
	if !ok {
		log.Warn("bus bridge: another listener already owns this group's output", "group_id", groupID)
		return
	}
	defer router.Unsubscribe(groupID, ch)

	if _, err := orch.SubmitChat(ctx, groupID, msg.Content); err != nil {
		log.Error("bus bridge: submit chat", "group_id", groupID, "error", err)
		return
	}

	var reply strings.Builder
	for _, ev := range drained {
		appendEvent(&reply, ev)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			appendEvent(&reply, ev)
			if ev.Kind == outputrouter.EventDone {
				deliver(ctx, msgBus, msg, reply.String(), log)
				return
			}
		}
	}
}

func appendEvent(b *strings.Builder, ev outputrouter.Event) {
	switch ev.Kind {
	case outputrouter.EventMessage:
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(ev.Text)
	case outputrouter.EventError:
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("error: " + ev.Error)
	}
}

func deliver(ctx context.Context, msgBus *bus.MessageBus, msg bus.InboundMessage, content string, log *slog.Logger) {
	if content == "" {
		return
	}
	msgBus.PublishOutbound(bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  content,
		Metadata: msg.Metadata,
	})
	_ = ctx
	log.Debug("bus bridge: delivered reply", "channel", msg.Channel, "chat_id", msg.ChatID)
}

// forwardOutbound subscribes to msgBus's outbound mailbox for channelName
// and hands every message to mgr, which owns the adapter that can actually
// deliver it.
func forwardOutbound(ctx context.Context, msgBus *bus.MessageBus, mgr *channels.Manager, channelName string, log *slog.Logger) {
	out := msgBus.SubscribeOutbound(channelName)
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-out:
			if !ok {
				return
			}
			if err := mgr.Send(ctx, channelName, m.ChatID, m.Content, m.Metadata); err != nil {
				log.Error("bus bridge: deliver outbound", "channel", channelName, "error", err)
			}
		}
	}
}
