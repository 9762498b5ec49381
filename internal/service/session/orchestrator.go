// Package session ties the entity store, the channel client and the
// assistant together: every turn is written to both persistence channels,
// history is reconciled on load, and ending a session snapshots the
// transcript and requests cross-chain verification.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/motus-dao/psychat-backend/internal/model/channel"
	"github.com/motus-dao/psychat-backend/internal/model/chat"
	entitymodel "github.com/motus-dao/psychat-backend/internal/model/entity"
	"github.com/motus-dao/psychat-backend/internal/model/therapist"
	verifymodel "github.com/motus-dao/psychat-backend/internal/model/verify"
	"github.com/motus-dao/psychat-backend/internal/service/ai"
	entityservice "github.com/motus-dao/psychat-backend/internal/service/entity"
	"github.com/motus-dao/psychat-backend/internal/store/local"
)

var (
	// ErrIdentityMissing blocks message writes until the account has a
	// registered identity record. A hard precondition, not a warning.
	ErrIdentityMissing = errors.New("identity required before chatting")
	// ErrEmptySession rejects ending a session with no messages.
	ErrEmptySession = errors.New("session has no messages")
	// ErrAlreadyEnding is the no-op result of a reentrant end request.
	ErrAlreadyEnding = errors.New("session end already in progress")
)

// EntityStore is the slice of the entity client the orchestrator needs.
type EntityStore interface {
	Connected() bool
	CreateEntity(ctx context.Context, in entityservice.CreateInput) (entityservice.Receipt, error)
	QueryEntities(ctx context.Context, predicates []entityservice.Predicate) ([]entitymodel.Record, error)
	EnsureBase(ctx context.Context, account string) (string, error)
}

// Channels is the slice of the channel client the orchestrator needs.
type Channels interface {
	Ready() bool
	Inbound() <-chan string
	CreateChannel(ctx context.Context, account, sessionID string) (channel.Channel, error)
	SendMessage(ctx context.Context, account, channelID string, role chat.Role, text string) (channel.Message, error)
	GetMessages(ctx context.Context, account, channelID string) ([]channel.Message, error)
	RecordInbound(ctx context.Context, account string, msg channel.Message) error
}

// Verifier requests and resolves cross-chain commitments.
type Verifier interface {
	RequestVerification(ctx context.Context, account, entityKey, sessionID string) (verifymodel.Commitment, error)
	Await(ctx context.Context, account string, c verifymodel.Commitment) (verifymodel.Commitment, error)
}

// Assistant generates replies; nil disables assistant turns.
type Assistant interface {
	Generate(ctx context.Context, profile therapist.Profile, history []chat.Message, userMessage string) (ai.Reply, error)
}

// SyncStatus is the channel-write indicator surfaced to clients. It resets
// to idle on a timer regardless of true completion; it is UX, not a
// correctness mechanism.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncError   SyncStatus = "error"
)

const syncStatusResetDelay = 2 * time.Second

// Orchestrator drives the session state machine for every account.
type Orchestrator struct {
	entities  EntityStore
	channels  Channels
	verifier  Verifier
	assistant Assistant
	store     *local.Store
	profiles  therapist.Store
	log       *zap.Logger

	mu          sync.Mutex
	transcripts map[string][]chat.Message // transcriptKey -> displayed turns
	ending      map[string]bool           // transcriptKey -> end in flight
	syncStatus  map[string]SyncStatus     // account -> channel indicator

	subsMu sync.Mutex
	subs   map[string]map[chan Event]struct{} // transcriptKey -> subscribers
}

// New wires the orchestrator. assistant may be nil.
func New(entities EntityStore, channels Channels, verifier Verifier, assistant Assistant,
	store *local.Store, profiles therapist.Store, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		entities:    entities,
		channels:    channels,
		verifier:    verifier,
		assistant:   assistant,
		store:       store,
		profiles:    profiles,
		log:         log,
		transcripts: make(map[string][]chat.Message),
		ending:      make(map[string]bool),
		syncStatus:  make(map[string]SyncStatus),
		subs:        make(map[string]map[chan Event]struct{}),
	}
}

func transcriptKey(account, sessionID string) string {
	return account + "|" + sessionID
}

// State names the orchestrator states per session.
type State string

const (
	StateNoIdentity State = "noIdentity"
	StateIdle       State = "idle"
	StateEnding     State = "ending"
)

// State reports the current state for an account's session.
func (o *Orchestrator) State(ctx context.Context, account, sessionID string) (State, error) {
	if _, ok, err := o.store.Identity(ctx, account); err != nil {
		return "", err
	} else if !ok {
		return StateNoIdentity, nil
	}

	o.mu.Lock()
	ending := o.ending[transcriptKey(account, sessionID)]
	o.mu.Unlock()
	if ending {
		return StateEnding, nil
	}
	return StateIdle, nil
}

// EnsureSession returns the account's active session, minting and
// persisting a fresh one when none exists. The account's chat base record
// is ensured best-effort on the way.
func (o *Orchestrator) EnsureSession(ctx context.Context, account string) (chat.Session, error) {
	if session, ok, err := o.store.ActiveSession(ctx, account); err != nil {
		return chat.Session{}, err
	} else if ok {
		return session, nil
	}

	now := time.Now().UTC()
	session := chat.Session{
		ID:             chat.NewSessionID(now),
		AccountAddress: account,
		StartedAt:      now,
	}
	if err := o.store.SetActiveSession(ctx, account, session); err != nil {
		return chat.Session{}, err
	}

	if _, err := o.entities.EnsureBase(ctx, account); err != nil {
		// Base records are bookkeeping; a failed write never blocks the chat.
		o.log.Warn("chat base not ensured", zap.String("account", account), zap.Error(err))
	}

	return session, nil
}

// HasIdentity reports whether the account registered an identity record.
func (o *Orchestrator) HasIdentity(ctx context.Context, account string) (bool, error) {
	_, ok, err := o.store.Identity(ctx, account)
	return ok, err
}

// RegisterIdentity writes the xxIdentity entity for an account and records
// it locally. Idempotent: an existing identity is returned unchanged.
func (o *Orchestrator) RegisterIdentity(ctx context.Context, account string) (local.IdentityRecord, error) {
	if existing, ok, err := o.store.Identity(ctx, account); err != nil {
		return local.IdentityRecord{}, err
	} else if ok {
		return existing, nil
	}

	baseKey := entitymodel.DeriveBaseKey(account)
	receipt, err := o.entities.CreateEntity(ctx, entityservice.CreateInput{
		Payload:     []byte(account),
		ContentType: "text/plain",
		Attributes: []entitymodel.Attribute{
			{Key: entitymodel.AttrType, Value: entitymodel.TypeXXIdentity},
			{Key: entitymodel.AttrAccount, Value: account},
			{Key: entitymodel.AttrBaseKey, Value: baseKey},
		},
		ExpiresIn: entitymodel.TTLIdentity,
	})
	if err != nil {
		return local.IdentityRecord{}, fmt.Errorf("register identity: %w", err)
	}

	rec := local.IdentityRecord{
		Account:   account,
		EntityKey: receipt.EntityKey,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.SaveIdentity(ctx, rec); err != nil {
		return local.IdentityRecord{}, err
	}

	o.appendReceipt(ctx, account, "identity", receipt, "")
	return rec, nil
}

// LoadHistory reconciles the displayed transcript for a session. The
// entity store is authoritative; channel history fills in only when the
// store returns zero messages. A fallback, not a merge.
func (o *Orchestrator) LoadHistory(ctx context.Context, account, sessionID string) ([]chat.Message, error) {
	records, err := o.entities.QueryEntities(ctx, []entityservice.Predicate{
		{Key: entitymodel.AttrType, Value: entitymodel.TypeChatMessage},
		{Key: entitymodel.AttrAccount, Value: account},
		{Key: entitymodel.AttrSessionID, Value: sessionID},
	})
	if err != nil {
		// Best-known state beats a blocked chat surface; an outage is
		// logged, not shown as an empty history silently.
		o.log.Warn("entity history unavailable",
			zap.String("account", account),
			zap.String("sessionId", sessionID),
			zap.Error(err))
		records = nil
	}

	var history []chat.Message
	for _, rec := range records {
		role := chat.Role(rec.Attr(entitymodel.AttrRole))
		if !role.Valid() {
			continue
		}
		msg := chat.Message{
			ID:        rec.Key,
			SessionID: sessionID,
			Role:      role,
			Text:      entitymodel.DecodePayload(rec.Payload),
		}
		if ts := rec.Attr(entitymodel.AttrTimestamp); ts != "" {
			if parsed, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
				msg.CreatedAt = parsed
			}
		}
		history = append(history, msg)
	}
	sortByCreatedAt(history)

	if len(history) == 0 && o.channels.Ready() {
		if ch, cerr := o.channels.CreateChannel(ctx, account, sessionID); cerr == nil {
			if cached, merr := o.channels.GetMessages(ctx, account, ch.ID); merr == nil {
				for _, cm := range cached {
					history = append(history, chat.Message{
						ID:        cm.ID,
						SessionID: sessionID,
						Role:      cm.Role,
						Text:      cm.Text,
						CreatedAt: cm.Timestamp,
					})
				}
			}
		}
	}

	o.mu.Lock()
	o.transcripts[transcriptKey(account, sessionID)] = append([]chat.Message(nil), history...)
	o.mu.Unlock()

	return history, nil
}

// Transcript returns the in-memory displayed transcript for a session.
func (o *Orchestrator) Transcript(account, sessionID string) []chat.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]chat.Message(nil), o.transcripts[transcriptKey(account, sessionID)]...)
}

// ChannelStatus returns the current channel-write indicator for an account.
func (o *Orchestrator) ChannelStatus(account string) SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.syncStatus[account]; ok {
		return s
	}
	return SyncIdle
}

// SendResult carries the outcome of one user turn.
type SendResult struct {
	UserMessage      chat.Message
	AssistantMessage *chat.Message
	Sentiment        string
}

// Send records a user turn through both persistence channels, then invokes
// the assistant and records its reply the same way. The entity-store write
// is fire-and-forget; the channel write drives the status indicator.
func (o *Orchestrator) Send(ctx context.Context, account, sessionID, text, profileID string) (SendResult, error) {
	if ok, err := o.HasIdentity(ctx, account); err != nil {
		return SendResult{}, err
	} else if !ok {
		return SendResult{}, ErrIdentityMissing
	}

	o.mu.Lock()
	if o.ending[transcriptKey(account, sessionID)] {
		o.mu.Unlock()
		return SendResult{}, ErrAlreadyEnding
	}
	o.mu.Unlock()

	userMsg := chat.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      chat.RoleUser,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}

	// Optimistic append: the turn is visible before any backend confirms.
	o.appendTranscript(account, userMsg)
	o.publish(account, sessionID, Event{Kind: EventMessage, SessionID: sessionID, Message: &userMsg})

	o.persistTurn(ctx, account, sessionID, userMsg)

	result := SendResult{UserMessage: userMsg}

	if o.assistant != nil {
		profile := o.resolveProfile(profileID)
		history := o.Transcript(account, sessionID)

		reply, err := o.assistant.Generate(ctx, profile, history[:len(history)-1], text)
		if err != nil {
			// The user turn is already durable; surface the assistant
			// failure without unwinding it.
			return result, fmt.Errorf("assistant turn failed: %w", err)
		}

		assistantMsg := chat.Message{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Role:      chat.RoleAssistant,
			Text:      reply.Text,
			Sentiment: string(reply.Sentiment.Sentiment),
			CreatedAt: time.Now().UTC(),
		}
		o.appendTranscript(account, assistantMsg)
		o.publish(account, sessionID, Event{Kind: EventMessage, SessionID: sessionID, Message: &assistantMsg})

		o.persistTurn(ctx, account, sessionID, assistantMsg)

		result.AssistantMessage = &assistantMsg
		result.Sentiment = string(reply.Sentiment.Sentiment)
	}

	return result, nil
}

// persistTurn issues the entity-store and channel writes for one message.
// The two writes race independently; neither is awaited against the other
// and neither failure blocks the turn.
func (o *Orchestrator) persistTurn(ctx context.Context, account, sessionID string, msg chat.Message) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		receipt, err := o.writeMessageEntity(gctx, account, sessionID, msg)
		if err != nil {
			o.log.Warn("entity write skipped",
				zap.String("sessionId", sessionID),
				zap.String("role", string(msg.Role)),
				zap.Error(err))
			return nil
		}
		o.appendReceipt(gctx, account, "message", receipt, sessionID)
		return nil
	})

	g.Go(func() error {
		o.setSyncStatus(account, SyncSyncing)
		ch, err := o.channels.CreateChannel(gctx, account, sessionID)
		if err == nil {
			_, err = o.channels.SendMessage(gctx, account, ch.ID, msg.Role, msg.Text)
		}
		if err != nil {
			o.log.Warn("channel write skipped",
				zap.String("sessionId", sessionID),
				zap.Error(err))
			o.setSyncStatus(account, SyncError)
		} else {
			o.setSyncStatus(account, SyncSynced)
		}
		o.resetSyncStatusLater(account)
		return nil
	})

	_ = g.Wait()
}

func (o *Orchestrator) writeMessageEntity(ctx context.Context, account, sessionID string, msg chat.Message) (entityservice.Receipt, error) {
	return o.entities.CreateEntity(ctx, entityservice.CreateInput{
		Payload:     []byte(msg.Text),
		ContentType: "text/plain",
		Attributes: []entitymodel.Attribute{
			{Key: entitymodel.AttrType, Value: entitymodel.TypeChatMessage},
			{Key: entitymodel.AttrAccount, Value: account},
			{Key: entitymodel.AttrBaseKey, Value: entitymodel.DeriveBaseKey(account)},
			{Key: entitymodel.AttrSessionID, Value: sessionID},
			{Key: entitymodel.AttrRole, Value: string(msg.Role)},
			{Key: entitymodel.AttrTimestamp, Value: msg.CreatedAt.Format(time.RFC3339Nano)},
		},
		ExpiresIn: entitymodel.TTLMessage,
	})
}

func (o *Orchestrator) appendReceipt(ctx context.Context, account, kind string, receipt entityservice.Receipt, sessionID string) {
	err := o.store.AppendTx(ctx, account, local.TxReceipt{
		Kind:      kind,
		EntityKey: receipt.EntityKey,
		TxHash:    receipt.TxHash,
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		o.log.Warn("tx receipt not recorded", zap.String("kind", kind), zap.Error(err))
	}
}

func (o *Orchestrator) appendTranscript(account string, msg chat.Message) {
	key := transcriptKey(account, msg.SessionID)
	o.mu.Lock()
	o.transcripts[key] = append(o.transcripts[key], msg)
	o.mu.Unlock()
}

// containsTurn reports whether the displayed transcript already holds the
// same (role, text) pair. The dedup is an approximation: identical
// consecutive turns collapse, a known trade-off inherited from the
// original reconciliation model.
func (o *Orchestrator) containsTurn(account, sessionID string, candidate chat.Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, msg := range o.transcripts[transcriptKey(account, sessionID)] {
		if msg.SameTurn(candidate) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) resolveProfile(profileID string) therapist.Profile {
	if profileID != "" {
		if p, ok := o.profiles.FindByID(profileID); ok {
			return p
		}
	}
	all := o.profiles.List()
	if len(all) > 0 {
		return all[0]
	}
	return therapist.Profile{ID: "default", Name: "Companion", Approach: "supportive listening"}
}

func (o *Orchestrator) setSyncStatus(account string, s SyncStatus) {
	o.mu.Lock()
	o.syncStatus[account] = s
	o.mu.Unlock()
	o.publish(account, "", Event{Kind: EventSyncStatus, Status: string(s)})
}

func (o *Orchestrator) resetSyncStatusLater(account string) {
	time.AfterFunc(syncStatusResetDelay, func() {
		o.setSyncStatus(account, SyncIdle)
	})
}

func sortByCreatedAt(msgs []chat.Message) {
	// Insertion sort: histories are short and mostly ordered already.
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].CreatedAt.Before(msgs[j-1].CreatedAt); j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}
