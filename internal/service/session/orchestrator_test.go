package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/motus-dao/psychat-backend/internal/analysis/sentiment"
	channelmodel "github.com/motus-dao/psychat-backend/internal/model/channel"
	"github.com/motus-dao/psychat-backend/internal/model/chat"
	entitymodel "github.com/motus-dao/psychat-backend/internal/model/entity"
	"github.com/motus-dao/psychat-backend/internal/model/therapist"
	verifymodel "github.com/motus-dao/psychat-backend/internal/model/verify"
	"github.com/motus-dao/psychat-backend/internal/service/ai"
	entityservice "github.com/motus-dao/psychat-backend/internal/service/entity"
	"github.com/motus-dao/psychat-backend/internal/store/local"
)

const testAccount = "0xAbCdEf"

type fakeEntities struct {
	mu        sync.Mutex
	created   []entityservice.CreateInput
	records   []entitymodel.Record
	queryErr  error
	createErr error
}

func (f *fakeEntities) Connected() bool { return true }

func (f *fakeEntities) CreateEntity(ctx context.Context, in entityservice.CreateInput) (entityservice.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return entityservice.Receipt{}, f.createErr
	}
	f.created = append(f.created, in)
	return entityservice.Receipt{
		EntityKey: fmt.Sprintf("entity-%d", len(f.created)),
		TxHash:    fmt.Sprintf("0x%d", len(f.created)),
	}, nil
}

func (f *fakeEntities) QueryEntities(ctx context.Context, predicates []entityservice.Predicate) ([]entitymodel.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.records, nil
}

func (f *fakeEntities) EnsureBase(ctx context.Context, account string) (string, error) {
	return entitymodel.DeriveBaseKey(account), nil
}

func (f *fakeEntities) createdOfType(entityType string) []entityservice.CreateInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []entityservice.CreateInput
	for _, in := range f.created {
		for _, a := range in.Attributes {
			if a.Key == entitymodel.AttrType && a.Value == entityType {
				out = append(out, in)
			}
		}
	}
	return out
}

type fakeChannels struct {
	mu       sync.Mutex
	ready    bool
	sent     []channelmodel.Message
	cached   map[string][]channelmodel.Message // channelID -> log
	channels map[string]channelmodel.Channel   // sessionID -> channel
	inbound  chan string
}

func newFakeChannels(ready bool) *fakeChannels {
	return &fakeChannels{
		ready:    ready,
		cached:   make(map[string][]channelmodel.Message),
		channels: make(map[string]channelmodel.Channel),
		inbound:  make(chan string, 8),
	}
}

func (f *fakeChannels) Ready() bool            { return f.ready }
func (f *fakeChannels) Inbound() <-chan string { return f.inbound }

func (f *fakeChannels) CreateChannel(ctx context.Context, account, sessionID string) (channelmodel.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[sessionID]; ok {
		return ch, nil
	}
	ch := channelmodel.Channel{ID: channelmodel.IDForSession(sessionID), SessionID: sessionID}
	f.channels[sessionID] = ch
	return ch, nil
}

func (f *fakeChannels) SendMessage(ctx context.Context, account, channelID string, role chat.Role, text string) (channelmodel.Message, error) {
	if !f.ready {
		return channelmodel.Message{}, ErrTransportDown
	}
	msg := channelmodel.Message{ChannelID: channelID, Role: role, Text: text, Timestamp: time.Now().UTC()}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.cached[channelID] = append(f.cached[channelID], msg)
	f.mu.Unlock()
	return msg, nil
}

func (f *fakeChannels) GetMessages(ctx context.Context, account, channelID string) ([]channelmodel.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channelmodel.Message(nil), f.cached[channelID]...), nil
}

func (f *fakeChannels) RecordInbound(ctx context.Context, account string, msg channelmodel.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached[msg.ChannelID] = append(f.cached[msg.ChannelID], msg)
	return nil
}

// ErrTransportDown stands in for a transport outage in fakes.
var ErrTransportDown = fmt.Errorf("transport down")

type fakeVerifier struct {
	mu        sync.Mutex
	requested int
	status    verifymodel.Status
	entered   chan struct{} // closed-ish signal: one token per Await entry
	release   chan struct{} // nil means resolve immediately
}

func (f *fakeVerifier) RequestVerification(ctx context.Context, account, entityKey, sessionID string) (verifymodel.Commitment, error) {
	f.mu.Lock()
	f.requested++
	f.mu.Unlock()
	return verifymodel.Commitment{
		Hash:      "0xcommit",
		EntityKey: entityKey,
		SessionID: sessionID,
		Status:    verifymodel.StatusPending,
	}, nil
}

func (f *fakeVerifier) Await(ctx context.Context, account string, c verifymodel.Commitment) (verifymodel.Commitment, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	status := f.status
	if status == "" {
		status = verifymodel.StatusDelivered
	}
	c.Status = status
	return c, nil
}

type fakeAssistant struct {
	reply string
	err   error
}

func (f *fakeAssistant) Generate(ctx context.Context, profile therapist.Profile, history []chat.Message, userMessage string) (ai.Reply, error) {
	if f.err != nil {
		return ai.Reply{}, f.err
	}
	return ai.Reply{
		Text:      f.reply,
		Sentiment: sentiment.Decision{Sentiment: sentiment.Calm},
	}, nil
}

type orchestratorFixture struct {
	orch     *Orchestrator
	entities *fakeEntities
	channels *fakeChannels
	verifier *fakeVerifier
	store    *local.Store
}

func newFixture(t *testing.T, assistant Assistant) *orchestratorFixture {
	t.Helper()
	store, err := local.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	entities := &fakeEntities{}
	channels := newFakeChannels(true)
	verifier := &fakeVerifier{}
	profiles := therapist.NewMemoryStore(therapist.Seed())

	orch := New(entities, channels, verifier, assistant, store, profiles, zap.NewNop())
	return &orchestratorFixture{orch: orch, entities: entities, channels: channels, verifier: verifier, store: store}
}

func (fx *orchestratorFixture) registerIdentity(t *testing.T) {
	t.Helper()
	_, err := fx.orch.RegisterIdentity(context.Background(), testAccount)
	require.NoError(t, err)
}

func TestSendRequiresIdentity(t *testing.T) {
	fx := newFixture(t, nil)

	_, err := fx.orch.Send(context.Background(), testAccount, "1700000000000", "hello", "")
	require.ErrorIs(t, err, ErrIdentityMissing)
}

func TestRegisterIdentityIdempotent(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	first, err := fx.orch.RegisterIdentity(ctx, testAccount)
	require.NoError(t, err)
	require.NotEmpty(t, first.EntityKey)

	second, err := fx.orch.RegisterIdentity(ctx, testAccount)
	require.NoError(t, err)
	require.Equal(t, first.EntityKey, second.EntityKey)

	require.Len(t, fx.entities.createdOfType(entitymodel.TypeXXIdentity), 1)
}

func TestSendPersistsBothChannels(t *testing.T) {
	fx := newFixture(t, &fakeAssistant{reply: "tell me more"})
	fx.registerIdentity(t)
	ctx := context.Background()

	session, err := fx.orch.EnsureSession(ctx, testAccount)
	require.NoError(t, err)

	result, err := fx.orch.Send(ctx, testAccount, session.ID, "I had a rough day", "sage")
	require.NoError(t, err)
	require.Equal(t, chat.RoleUser, result.UserMessage.Role)
	require.NotNil(t, result.AssistantMessage)
	require.Equal(t, "tell me more", result.AssistantMessage.Text)
	require.Equal(t, string(sentiment.Calm), result.Sentiment)

	// Both turns reached the entity store with the full attribute schema.
	writes := fx.entities.createdOfType(entitymodel.TypeChatMessage)
	require.Len(t, writes, 2)
	for _, w := range writes {
		require.Equal(t, entitymodel.TTLMessage, w.ExpiresIn)
		attrs := map[string]string{}
		for _, a := range w.Attributes {
			attrs[a.Key] = a.Value
		}
		require.Equal(t, testAccount, attrs[entitymodel.AttrAccount])
		require.Equal(t, session.ID, attrs[entitymodel.AttrSessionID])
		require.Equal(t, entitymodel.DeriveBaseKey(testAccount), attrs[entitymodel.AttrBaseKey])
		require.NotEmpty(t, attrs[entitymodel.AttrRole])
		require.NotEmpty(t, attrs[entitymodel.AttrTimestamp])
	}

	// Both turns also went out over the channel.
	require.Len(t, fx.channels.sent, 2)
	require.Equal(t, chat.RoleUser, fx.channels.sent[0].Role)
	require.Equal(t, chat.RoleAssistant, fx.channels.sent[1].Role)

	// The displayed transcript holds both turns in order.
	transcript := fx.orch.Transcript(testAccount, session.ID)
	require.Len(t, transcript, 2)
	require.Equal(t, "I had a rough day", transcript[0].Text)

	require.Equal(t, SyncSynced, fx.orch.ChannelStatus(testAccount))
}

func TestSendSurvivesEntityOutage(t *testing.T) {
	fx := newFixture(t, nil)
	fx.registerIdentity(t)
	fx.entities.createErr = fmt.Errorf("store down")
	ctx := context.Background()

	session, err := fx.orch.EnsureSession(ctx, testAccount)
	require.NoError(t, err)

	result, err := fx.orch.Send(ctx, testAccount, session.ID, "still here", "")
	require.NoError(t, err)
	require.Equal(t, "still here", result.UserMessage.Text)

	// The turn is still displayed and still went over the channel.
	require.Len(t, fx.orch.Transcript(testAccount, session.ID), 1)
	require.Len(t, fx.channels.sent, 1)
}

func TestSendChannelOutageSetsErrorStatus(t *testing.T) {
	fx := newFixture(t, nil)
	fx.registerIdentity(t)
	fx.channels.ready = false
	ctx := context.Background()

	session, err := fx.orch.EnsureSession(ctx, testAccount)
	require.NoError(t, err)

	_, err = fx.orch.Send(ctx, testAccount, session.ID, "hello", "")
	require.NoError(t, err)

	require.Equal(t, SyncError, fx.orch.ChannelStatus(testAccount))
	// The entity write still happened.
	require.Len(t, fx.entities.createdOfType(entitymodel.TypeChatMessage), 1)
}

func TestLoadHistoryEntityStoreAuthoritative(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	sessionID := "1700000000000"

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx.entities.records = []entitymodel.Record{
		{
			Key:     "e2",
			Payload: []byte("second"),
			Attributes: []entitymodel.Attribute{
				{Key: entitymodel.AttrRole, Value: string(chat.RoleAssistant)},
				{Key: entitymodel.AttrTimestamp, Value: base.Add(time.Second).Format(time.RFC3339Nano)},
			},
		},
		{
			Key:     "e1",
			Payload: []byte("first"),
			Attributes: []entitymodel.Attribute{
				{Key: entitymodel.AttrRole, Value: string(chat.RoleUser)},
				{Key: entitymodel.AttrTimestamp, Value: base.Format(time.RFC3339Nano)},
			},
		},
	}

	// Channel cache holds different content; it must be ignored when the
	// store has messages.
	ch, err := fx.channels.CreateChannel(ctx, testAccount, sessionID)
	require.NoError(t, err)
	fx.channels.cached[ch.ID] = []channelmodel.Message{
		{ChannelID: ch.ID, Role: chat.RoleUser, Text: "stale channel copy"},
	}

	history, err := fx.orch.LoadHistory(ctx, testAccount, sessionID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "first", history[0].Text)
	require.Equal(t, "second", history[1].Text)
}

func TestLoadHistoryChannelFallback(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	sessionID := "1700000000000"

	ch, err := fx.channels.CreateChannel(ctx, testAccount, sessionID)
	require.NoError(t, err)
	fx.channels.cached[ch.ID] = []channelmodel.Message{
		{ID: "c1", ChannelID: ch.ID, Role: chat.RoleUser, Text: "from channel", Timestamp: time.Now().UTC()},
	}

	history, err := fx.orch.LoadHistory(ctx, testAccount, sessionID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "from channel", history[0].Text)
}

func TestLoadHistoryQueryFailureFallsBack(t *testing.T) {
	fx := newFixture(t, nil)
	fx.entities.queryErr = fmt.Errorf("%w: boom", entityservice.ErrQueryFailed)
	ctx := context.Background()
	sessionID := "1700000000000"

	ch, err := fx.channels.CreateChannel(ctx, testAccount, sessionID)
	require.NoError(t, err)
	fx.channels.cached[ch.ID] = []channelmodel.Message{
		{ID: "c1", ChannelID: ch.ID, Role: chat.RoleAssistant, Text: "cached reply", Timestamp: time.Now().UTC()},
	}

	history, err := fx.orch.LoadHistory(ctx, testAccount, sessionID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "cached reply", history[0].Text)
}

func TestEndSessionEmpty(t *testing.T) {
	fx := newFixture(t, nil)
	fx.registerIdentity(t)
	ctx := context.Background()

	session, err := fx.orch.EnsureSession(ctx, testAccount)
	require.NoError(t, err)

	_, err = fx.orch.EndSession(ctx, testAccount, session.ID)
	require.ErrorIs(t, err, ErrEmptySession)
}

func TestEndSessionFlow(t *testing.T) {
	fx := newFixture(t, nil)
	fx.registerIdentity(t)
	ctx := context.Background()

	session, err := fx.orch.EnsureSession(ctx, testAccount)
	require.NoError(t, err)
	_, err = fx.orch.Send(ctx, testAccount, session.ID, "one last thing", "")
	require.NoError(t, err)

	result, err := fx.orch.EndSession(ctx, testAccount, session.ID)
	require.NoError(t, err)
	require.Equal(t, session.ID, result.EndedSessionID)
	require.NotEqual(t, session.ID, result.NewSessionID)
	require.Equal(t, 1, result.MessageCount)
	require.True(t, result.Encrypted)
	require.True(t, result.Verified)
	require.NotNil(t, result.Commitment)
	require.Equal(t, verifymodel.StatusDelivered, result.Commitment.Status)

	// Exactly one summary entity with the session schema and short TTL.
	summaries := fx.entities.createdOfType(entitymodel.TypeChatSession)
	require.Len(t, summaries, 1)
	require.Equal(t, entitymodel.TTLSession, summaries[0].ExpiresIn)
	attrs := map[string]string{}
	for _, a := range summaries[0].Attributes {
		attrs[a.Key] = a.Value
	}
	require.Equal(t, "1", attrs[entitymodel.AttrMessageNum])
	require.Equal(t, "true", attrs[entitymodel.AttrEncrypted])
	require.NotEmpty(t, attrs[entitymodel.AttrStorageBlob])

	// The transcript snapshot is stored locally.
	blob, found, err := fx.store.Blob(ctx, testAccount, session.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, blob.Encrypted)

	// The active session rotated.
	active, ok, err := fx.store.ActiveSession(ctx, testAccount)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, result.NewSessionID, active.ID)
}

func TestEndSessionRecoversDurableHistory(t *testing.T) {
	fx := newFixture(t, nil)
	fx.registerIdentity(t)
	ctx := context.Background()
	sessionID := "1700000000000"

	// Nothing was sent through this orchestrator: the in-memory transcript
	// is cold, as after a restart, but the entity store holds the session.
	fx.entities.records = []entitymodel.Record{
		{
			Key:     "e1",
			Payload: []byte("I wanted to pick this back up"),
			Attributes: []entitymodel.Attribute{
				{Key: entitymodel.AttrRole, Value: string(chat.RoleUser)},
				{Key: entitymodel.AttrTimestamp, Value: time.Now().UTC().Format(time.RFC3339Nano)},
			},
		},
	}

	result, err := fx.orch.EndSession(ctx, testAccount, sessionID)
	require.NoError(t, err)
	require.Equal(t, 1, result.MessageCount)
	require.Len(t, fx.entities.createdOfType(entitymodel.TypeChatSession), 1)
}

func TestEndSessionReentrant(t *testing.T) {
	fx := newFixture(t, nil)
	fx.registerIdentity(t)
	fx.verifier.entered = make(chan struct{}, 1)
	fx.verifier.release = make(chan struct{})
	ctx := context.Background()

	session, err := fx.orch.EnsureSession(ctx, testAccount)
	require.NoError(t, err)
	_, err = fx.orch.Send(ctx, testAccount, session.ID, "hold on", "")
	require.NoError(t, err)

	type endOutcome struct {
		result EndResult
		err    error
	}
	done := make(chan endOutcome, 1)
	go func() {
		result, gerr := fx.orch.EndSession(ctx, testAccount, session.ID)
		done <- endOutcome{result: result, err: gerr}
	}()

	// Wait for the first end to reach the verification await, then try again.
	<-fx.verifier.entered
	_, err = fx.orch.EndSession(ctx, testAccount, session.ID)
	require.ErrorIs(t, err, ErrAlreadyEnding)

	close(fx.verifier.release)
	outcome := <-done
	require.NoError(t, outcome.err)
	require.NotEqual(t, session.ID, outcome.result.NewSessionID)

	// Only the first attempt produced a summary.
	require.Len(t, fx.entities.createdOfType(entitymodel.TypeChatSession), 1)
	require.Equal(t, 1, fx.verifier.requested)
}

func TestHandleInboundRoutesAndDedupes(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	sessionID := "1700000000000"
	channelID := channelmodel.IDForSession(sessionID)

	// The local store knows who owns the channel.
	require.NoError(t, fx.store.SaveChannel(ctx, testAccount, channelmodel.Channel{
		ID:        channelID,
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}))

	payload := channelmodel.WrapEnvelope(channelID, chat.RoleUser, time.Now().UTC(), "hello from my phone")
	fx.orch.handleInbound(ctx, payload)

	transcript := fx.orch.Transcript(testAccount, sessionID)
	require.Len(t, transcript, 1)
	require.Equal(t, "hello from my phone", transcript[0].Text)

	// The same (role, text) pair arriving again is dropped.
	fx.orch.handleInbound(ctx, payload)
	require.Len(t, fx.orch.Transcript(testAccount, sessionID), 1)

	// Foreign traffic on the shared transport is skipped silently.
	fx.orch.handleInbound(ctx, "some unrelated payload")
	fx.orch.handleInbound(ctx, channelmodel.WrapEnvelope("other_channel", chat.RoleUser, time.Now().UTC(), "not ours"))
	require.Len(t, fx.orch.Transcript(testAccount, sessionID), 1)
}

func TestSubscribePublishesTurns(t *testing.T) {
	fx := newFixture(t, nil)
	fx.registerIdentity(t)
	ctx := context.Background()

	session, err := fx.orch.EnsureSession(ctx, testAccount)
	require.NoError(t, err)

	events, cancel := fx.orch.Subscribe(testAccount, session.ID)
	defer cancel()

	_, err = fx.orch.Send(ctx, testAccount, session.ID, "are you there", "")
	require.NoError(t, err)

	var sawMessage bool
	timeout := time.After(2 * time.Second)
	for !sawMessage {
		select {
		case ev := <-events:
			if ev.Kind == EventMessage && ev.Message != nil && ev.Message.Text == "are you there" {
				sawMessage = true
			}
		case <-timeout:
			t.Fatal("no message event published")
		}
	}
}
