package session

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	channelmodel "github.com/motus-dao/psychat-backend/internal/model/channel"
	"github.com/motus-dao/psychat-backend/internal/model/chat"
)

// Event kinds published to session subscribers.
const (
	EventMessage      = "message"
	EventSyncStatus   = "syncStatus"
	EventSessionEnded = "sessionEnded"
)

// Event is one item on a session's live stream.
type Event struct {
	Kind      string        `json:"event"`
	SessionID string        `json:"sessionId,omitempty"`
	Message   *chat.Message `json:"message,omitempty"`
	Status    string        `json:"status,omitempty"`
}

// Subscribe registers a live-event consumer for a session. The returned
// cancel func must be called on teardown; registration and teardown are
// symmetric so session rotation leaks no listeners.
func (o *Orchestrator) Subscribe(account, sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	key := transcriptKey(account, sessionID)

	o.subsMu.Lock()
	if o.subs[key] == nil {
		o.subs[key] = make(map[chan Event]struct{})
	}
	o.subs[key][ch] = struct{}{}
	o.subsMu.Unlock()

	cancel := func() {
		o.subsMu.Lock()
		if set, ok := o.subs[key]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(o.subs, key)
			}
		}
		o.subsMu.Unlock()
	}
	return ch, cancel
}

// publish fans an event out to the session's subscribers. With an empty
// sessionID the event goes to every subscriber of the account.
func (o *Orchestrator) publish(account, sessionID string, ev Event) {
	prefix := account + "|"
	o.subsMu.Lock()
	defer o.subsMu.Unlock()

	for key, set := range o.subs {
		if sessionID != "" {
			if key != transcriptKey(account, sessionID) {
				continue
			}
		} else if !strings.HasPrefix(key, prefix) {
			continue
		}
		for ch := range set {
			select {
			case ch <- ev:
			default:
				// Slow consumer: drop rather than stall the orchestrator.
			}
		}
	}
}

// ConsumeInbound drains the channel transport's receive queue until the
// context ends. Enveloped payloads are routed to the account owning the
// channel, deduplicated against the displayed transcript by (role, text)
// and appended; foreign traffic is skipped.
func (o *Orchestrator) ConsumeInbound(ctx context.Context) {
	inbound := o.channels.Inbound()
	if inbound == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-inbound:
			if !ok {
				return
			}
			o.handleInbound(ctx, payload)
		}
	}
}

func (o *Orchestrator) handleInbound(ctx context.Context, payload string) {
	msg, err := channelmodel.UnwrapEnvelope(payload)
	if err != nil {
		if !errors.Is(err, channelmodel.ErrNotEnveloped) {
			o.log.Warn("inbound payload rejected", zap.Error(err))
		}
		return
	}

	sessionID := strings.TrimPrefix(msg.ChannelID, channelmodel.IDPrefix)
	if sessionID == msg.ChannelID {
		// Not a therapy channel; other traffic shares the transport.
		return
	}

	account, ok, err := o.store.ChannelOwner(ctx, msg.ChannelID)
	if err != nil {
		o.log.Warn("channel owner lookup failed", zap.Error(err))
		return
	}
	if !ok {
		// Nobody on this device owns the channel.
		return
	}

	candidate := chat.Message{
		SessionID: sessionID,
		Role:      msg.Role,
		Text:      msg.Text,
		CreatedAt: msg.Timestamp,
	}
	if o.containsTurn(account, sessionID, candidate) {
		return
	}

	if err := o.channels.RecordInbound(ctx, account, msg); err != nil {
		o.log.Warn("inbound echo not cached", zap.Error(err))
	}

	o.appendTranscript(account, candidate)
	o.publish(account, sessionID, Event{Kind: EventMessage, SessionID: sessionID, Message: &candidate})
}
