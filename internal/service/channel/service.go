// Package channel implements the per-session encrypted channel client:
// channel lifecycle, enveloped sends over the pairwise transport, and the
// durable per-account message cache.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	channelmodel "github.com/motus-dao/psychat-backend/internal/model/channel"
	"github.com/motus-dao/psychat-backend/internal/model/chat"
	"github.com/motus-dao/psychat-backend/internal/store/local"
)

var (
	// ErrChannelNotFound is returned for sends on an unknown channel.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrSendFailed marks a transmit failure on a known channel over a
	// ready transport.
	ErrSendFailed = errors.New("channel send failed")
)

// Service manages channels and their message logs for every account.
// Channel records are cached in memory and written through to the local
// store on every mutation.
type Service struct {
	transport *Transport
	store     *local.Store
	log       *zap.Logger

	mu       sync.Mutex
	channels map[string]map[string]channelmodel.Channel // account -> channelID -> channel
}

// NewService builds the channel client. transport may be nil when no
// gateway is configured; sends then fail with ErrTransportUnavailable.
func NewService(transport *Transport, store *local.Store, log *zap.Logger) *Service {
	return &Service{
		transport: transport,
		store:     store,
		log:       log,
		channels:  make(map[string]map[string]channelmodel.Channel),
	}
}

// Ready reports whether the underlying transport can carry sends.
func (s *Service) Ready() bool {
	return s.transport != nil && s.transport.Ready()
}

// Inbound exposes the transport receive queue, or nil when no transport is
// configured.
func (s *Service) Inbound() <-chan string {
	if s.transport == nil {
		return nil
	}
	return s.transport.Inbound()
}

// CreateChannel returns the channel for a session, creating and persisting
// it on first use. Idempotent: calling twice for one session yields the
// same channel id.
func (s *Service) CreateChannel(ctx context.Context, account, sessionID string) (channelmodel.Channel, error) {
	s.mu.Lock()
	for _, ch := range s.channels[account] {
		if ch.SessionID == sessionID {
			s.mu.Unlock()
			return ch, nil
		}
	}
	s.mu.Unlock()

	// Not cached: check the durable store before minting a new record.
	if existing, ok, err := s.store.ChannelBySession(ctx, account, sessionID); err != nil {
		return channelmodel.Channel{}, fmt.Errorf("create channel: %w", err)
	} else if ok {
		s.cache(account, existing)
		return existing, nil
	}

	ch := channelmodel.Channel{
		ID:        channelmodel.IDForSession(sessionID),
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveChannel(ctx, account, ch); err != nil {
		return channelmodel.Channel{}, fmt.Errorf("create channel: %w", err)
	}
	s.cache(account, ch)

	s.log.Info("channel created",
		zap.String("account", account),
		zap.String("channelId", ch.ID))
	return ch, nil
}

// SendMessage appends a message to the channel log and transmits it over
// the transport with the routing envelope. Failure reasons are typed:
// ErrChannelNotFound, ErrTransportUnavailable or ErrSendFailed.
func (s *Service) SendMessage(ctx context.Context, account, channelID string, role chat.Role, text string) (channelmodel.Message, error) {
	ch, ok, err := s.lookup(ctx, account, channelID)
	if err != nil {
		return channelmodel.Message{}, err
	}
	if !ok {
		return channelmodel.Message{}, ErrChannelNotFound
	}

	if s.transport == nil || !s.transport.Ready() {
		return channelmodel.Message{}, ErrTransportUnavailable
	}

	msg := channelmodel.Message{
		ID:        uuid.NewString(),
		ChannelID: ch.ID,
		Role:      role,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}

	enveloped := channelmodel.WrapEnvelope(msg.ChannelID, msg.Role, msg.Timestamp, msg.Text)
	if err := s.transport.SendText(ctx, enveloped); err != nil {
		return channelmodel.Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	if err := s.store.AppendChannelMessage(ctx, account, msg); err != nil {
		// The wire send already happened; keep going but surface the
		// persistence gap in logs.
		s.log.Error("channel message persisted send but not cache", zap.Error(err))
	}
	s.bumpCount(account, ch.ID)

	return msg, nil
}

// GetMessages returns the locally cached log for a channel in send order.
// It never consults the transport: messages from other devices arrive only
// through the receive queue.
func (s *Service) GetMessages(ctx context.Context, account, channelID string) ([]channelmodel.Message, error) {
	msgs, err := s.store.ChannelMessages(ctx, account, channelID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return msgs, nil
}

// RecordInbound appends a message received from the transport to the local
// log, so reloads on this device see remote echoes too.
func (s *Service) RecordInbound(ctx context.Context, account string, msg channelmodel.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := s.store.AppendChannelMessage(ctx, account, msg); err != nil {
		return fmt.Errorf("record inbound: %w", err)
	}
	s.bumpCount(account, msg.ChannelID)
	return nil
}

func (s *Service) lookup(ctx context.Context, account, channelID string) (channelmodel.Channel, bool, error) {
	s.mu.Lock()
	if ch, ok := s.channels[account][channelID]; ok {
		s.mu.Unlock()
		return ch, true, nil
	}
	s.mu.Unlock()

	ch, ok, err := s.store.ChannelByID(ctx, account, channelID)
	if err != nil {
		return channelmodel.Channel{}, false, fmt.Errorf("lookup channel: %w", err)
	}
	if ok {
		s.cache(account, ch)
	}
	return ch, ok, nil
}

func (s *Service) cache(account string, ch channelmodel.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[account] == nil {
		s.channels[account] = make(map[string]channelmodel.Channel)
	}
	s.channels[account][ch.ID] = ch
}

func (s *Service) bumpCount(account, channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[account][channelID]; ok {
		ch.MessageCount++
		s.channels[account][channelID] = ch
	}
}
