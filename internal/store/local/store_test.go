package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/motus-dao/psychat-backend/internal/model/channel"
	"github.com/motus-dao/psychat-backend/internal/model/chat"
	"github.com/motus-dao/psychat-backend/internal/model/verify"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestActiveSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.ActiveSession(ctx, "0xabc")
	require.NoError(t, err)
	require.False(t, ok)

	now := time.Now().UTC().Truncate(time.Millisecond)
	sess := chat.Session{ID: "1700000000000", AccountAddress: "0xabc", StartedAt: now}
	require.NoError(t, store.SetActiveSession(ctx, "0xabc", sess))

	got, ok, err := store.ActiveSession(ctx, "0xabc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1700000000000", got.ID)
	require.Equal(t, now.UnixNano(), got.StartedAt.UnixNano())

	// Rotation replaces, never duplicates.
	next := chat.Session{ID: "1700000000999", AccountAddress: "0xabc", StartedAt: now.Add(time.Minute)}
	require.NoError(t, store.SetActiveSession(ctx, "0xabc", next))
	got, ok, err = store.ActiveSession(ctx, "0xabc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1700000000999", got.ID)
}

func TestActiveSessionsAreAccountScoped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.SetActiveSession(ctx, "0xaaa", chat.Session{ID: "1", StartedAt: now}))
	require.NoError(t, store.SetActiveSession(ctx, "0xbbb", chat.Session{ID: "2", StartedAt: now}))

	got, ok, err := store.ActiveSession(ctx, "0xaaa")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", got.ID)
}

func TestIdentityRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Identity(ctx, "0xabc")
	require.NoError(t, err)
	require.False(t, ok)

	rec := IdentityRecord{Account: "0xabc", EntityKey: "entity-1", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.SaveIdentity(ctx, rec))

	got, ok, err := store.Identity(ctx, "0xabc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "entity-1", got.EntityKey)
}

func TestChannelMessagesKeepSendOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ch := channel.Channel{ID: "therapy_1", SessionID: "1", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.SaveChannel(ctx, "0xabc", ch))

	base := time.Now().UTC()
	for i, text := range []string{"first", "second", "third"} {
		msg := channel.Message{
			ID:        text,
			ChannelID: "therapy_1",
			Role:      chat.RoleUser,
			Text:      text,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.AppendChannelMessage(ctx, "0xabc", msg))
	}

	msgs, err := store.ChannelMessages(ctx, "0xabc", "therapy_1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "first", msgs[0].Text)
	require.Equal(t, "second", msgs[1].Text)
	require.Equal(t, "third", msgs[2].Text)

	got, ok, err := store.ChannelByID(ctx, "0xabc", "therapy_1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, got.MessageCount)
}

func TestChannelOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveChannel(ctx, "0xabc", channel.Channel{ID: "therapy_7", SessionID: "7", CreatedAt: time.Now().UTC()}))

	owner, ok, err := store.ChannelOwner(ctx, "therapy_7")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "0xabc", owner)

	_, ok, err = store.ChannelOwner(ctx, "therapy_unknown")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTxLogAppendsInOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, kind := range []string{"identity", "message", "sessionSummary"} {
		require.NoError(t, store.AppendTx(ctx, "0xabc", TxReceipt{
			Kind:      kind,
			EntityKey: "key-" + kind,
			TxHash:    "0xhash",
			CreatedAt: time.Now().UTC(),
		}))
	}

	log, err := store.TxLog(ctx, "0xabc")
	require.NoError(t, err)
	require.Len(t, log, 3)
	require.Equal(t, "identity", log[0].Kind)
	require.Equal(t, "sessionSummary", log[2].Kind)
}

func TestBlobRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	blob := ConversationBlob{
		SessionID: "1",
		Locator:   "local://conversations/1",
		Blob:      []byte("ciphertext"),
		Encrypted: true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveBlob(ctx, "0xabc", blob))

	got, ok, err := store.Blob(ctx, "0xabc", "1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Encrypted)
	require.Equal(t, []byte("ciphertext"), got.Blob)

	_, ok, err = store.Blob(ctx, "0xother", "1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerificationRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := verify.Commitment{
		Hash:        "0xcommit",
		EntityKey:   "entity-1",
		SessionID:   "1",
		Status:      verify.StatusDelivered,
		RequestedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveVerification(ctx, "0xabc", c, true))

	rec, ok, err := store.Verification(ctx, "0xabc", "1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, rec.Verified)
	require.Equal(t, verify.StatusDelivered, rec.Commitment.Status)

	_, ok, err = store.Verification(ctx, "0xabc", "2")
	require.NoError(t, err)
	require.False(t, ok)
}
