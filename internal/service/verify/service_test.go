package verify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/motus-dao/psychat-backend/internal/config"
	verifymodel "github.com/motus-dao/psychat-backend/internal/model/verify"
	"github.com/motus-dao/psychat-backend/internal/store/local"
)

func newTestService(t *testing.T, indexerURL string) *Service {
	t.Helper()
	store, err := local.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewService(config.VerifyConfig{
		IndexerURL:   indexerURL,
		PollInterval: 10 * time.Millisecond,
		PollBudget:   200 * time.Millisecond,
	}, store, zap.NewNop())
}

func TestRequestVerificationMintsCommitment(t *testing.T) {
	svc := newTestService(t, "")
	ctx := context.Background()

	c, err := svc.RequestVerification(ctx, "0xabc", "entity-1", "1700000000000")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(c.Hash, "0x"))
	require.Equal(t, verifymodel.StatusPending, c.Status)

	// Same inputs mint distinct commitments: each end-session attempt is
	// its own verification request.
	again, err := svc.RequestVerification(ctx, "0xabc", "entity-1", "1700000000000")
	require.NoError(t, err)
	require.NotEqual(t, c.Hash, again.Hash)
}

func TestAwaitDelivered(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("commitment") == "" {
			t.Error("poll sent no commitment")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"statuses": []map[string]string{
				{"status": "pending"},
				{"status": "DELIVERED"},
			},
		})
	}))
	defer server.Close()

	svc := newTestService(t, server.URL)
	ctx := context.Background()

	c, err := svc.RequestVerification(ctx, "0xabc", "entity-1", "1700000000000")
	require.NoError(t, err)

	resolved, err := svc.Await(ctx, "0xabc", c)
	require.NoError(t, err)
	require.Equal(t, verifymodel.StatusDelivered, resolved.Status)

	rec, found, err := svc.Verified(ctx, "0xabc", "1700000000000")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, rec.Verified)
}

func TestAwaitIndexerDownIsLenient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "indexer down", http.StatusBadGateway)
	}))
	defer server.Close()

	svc := newTestService(t, server.URL)
	ctx := context.Background()

	c, err := svc.RequestVerification(ctx, "0xabc", "entity-1", "1700000000000")
	require.NoError(t, err)

	resolved, err := svc.Await(ctx, "0xabc", c)
	require.ErrorIs(t, err, ErrUnresolved)
	require.Equal(t, verifymodel.StatusUnknown, resolved.Status)

	// Unknown still counts as verified so outages never block users.
	rec, found, err := svc.Verified(ctx, "0xabc", "1700000000000")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, rec.Verified)
}

func TestAwaitTimeoutStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"statuses": []map[string]string{{"status": "TIMED_OUT"}},
		})
	}))
	defer server.Close()

	svc := newTestService(t, server.URL)
	ctx := context.Background()

	c, err := svc.RequestVerification(ctx, "0xabc", "entity-1", "1700000000000")
	require.NoError(t, err)

	resolved, err := svc.Await(ctx, "0xabc", c)
	require.NoError(t, err)
	require.Equal(t, verifymodel.StatusTimeout, resolved.Status)

	rec, found, err := svc.Verified(ctx, "0xabc", "1700000000000")
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, rec.Verified)
}

func TestAwaitNoIndexerReturnsImmediately(t *testing.T) {
	svc := newTestService(t, "")
	ctx := context.Background()

	c, err := svc.RequestVerification(ctx, "0xabc", "entity-1", "1700000000000")
	require.NoError(t, err)

	// The poll budget is deliberately much larger than the test's patience:
	// with no indexer configured Await must not sit out the budget.
	svc.cfg.PollBudget = time.Minute
	start := time.Now()
	resolved, err := svc.Await(ctx, "0xabc", c)
	require.ErrorIs(t, err, ErrUnresolved)
	require.Equal(t, verifymodel.StatusUnknown, resolved.Status)
	require.Less(t, time.Since(start), 5*time.Second)

	// The lenient outcome is still cached.
	rec, found, err := svc.Verified(ctx, "0xabc", "1700000000000")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, rec.Verified)
}

func TestPollStatusNoIndexer(t *testing.T) {
	svc := newTestService(t, "")
	require.Equal(t, verifymodel.StatusUnknown, svc.PollStatus(context.Background(), "0xfeed"))
}
