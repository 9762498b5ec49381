package channel

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/motus-dao/psychat-backend/internal/model/chat"
)

// IDPrefix namespaces therapy channels on the shared transport.
const IDPrefix = "therapy_"

// Channel is the per-session conduit over the encrypted pairwise transport.
// Exactly one channel exists per session, created lazily on first need.
type Channel struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	CreatedAt    time.Time `json:"createdAt"`
	MessageCount int       `json:"messageCount"`
}

// IDForSession derives the channel id for a session.
func IDForSession(sessionID string) string {
	return IDPrefix + sessionID
}

// Message is one enveloped turn carried over a channel.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	Role      chat.Role `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	envelopeOpen  = "[CHANNEL:"
	envelopeClose = "]"
)

// ErrNotEnveloped marks transport payloads that do not carry the channel
// routing envelope. Other traffic shares the pairwise transport and is
// silently skipped by receivers.
var ErrNotEnveloped = errors.New("payload has no channel envelope")

type envelopeHeader struct {
	ChannelID string    `json:"channelId"`
	Role      chat.Role `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

// WrapEnvelope prepends the routing header the receive side keys on:
// "[CHANNEL:<json>]<text>".
func WrapEnvelope(channelID string, role chat.Role, timestamp time.Time, text string) string {
	header, _ := json.Marshal(envelopeHeader{ChannelID: channelID, Role: role, Timestamp: timestamp})
	return envelopeOpen + string(header) + envelopeClose + text
}

// UnwrapEnvelope parses an enveloped payload back into a channel message.
// Returns ErrNotEnveloped for foreign traffic so callers can skip it
// without treating it as a failure.
func UnwrapEnvelope(payload string) (Message, error) {
	if !strings.HasPrefix(payload, envelopeOpen) {
		return Message{}, ErrNotEnveloped
	}
	rest := payload[len(envelopeOpen):]

	// The header is a flat JSON object, so the first '}' closes it.
	end := strings.Index(rest, "}"+envelopeClose)
	if end < 0 {
		return Message{}, ErrNotEnveloped
	}

	var header envelopeHeader
	if err := json.Unmarshal([]byte(rest[:end+1]), &header); err != nil {
		return Message{}, ErrNotEnveloped
	}
	if header.ChannelID == "" || !header.Role.Valid() {
		return Message{}, ErrNotEnveloped
	}

	return Message{
		ChannelID: header.ChannelID,
		Role:      header.Role,
		Text:      rest[end+1+len(envelopeClose):],
		Timestamp: header.Timestamp,
	}, nil
}
