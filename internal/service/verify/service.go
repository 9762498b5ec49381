// Package verify implements the cross-chain verification bridge: it mints
// commitment identifiers for stored session entities and polls an external
// indexer for their delivery status.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/motus-dao/psychat-backend/internal/config"
	verifymodel "github.com/motus-dao/psychat-backend/internal/model/verify"
	"github.com/motus-dao/psychat-backend/internal/store/local"
)

// ErrUnresolved is returned when the poll budget runs out without the
// indexer reporting a terminal status.
var ErrUnresolved = errors.New("verification unresolved")

// Service is the verification bridge.
type Service struct {
	cfg   config.VerifyConfig
	store *local.Store
	http  *http.Client
	log   *zap.Logger
}

// NewService builds the bridge. With no indexer configured polls resolve
// to the unknown status.
func NewService(cfg config.VerifyConfig, store *local.Store, log *zap.Logger) *Service {
	return &Service{
		cfg:   cfg,
		store: store,
		http:  &http.Client{Timeout: 10 * time.Second},
		log:   log,
	}
}

// RequestVerification synthesizes a commitment for the entity and records
// it locally as pending. Actual on-chain submission is the indexer's job;
// this side only tracks the request.
func (s *Service) RequestVerification(ctx context.Context, account, entityKey, sessionID string) (verifymodel.Commitment, error) {
	hash := commitmentHash(entityKey, sessionID)
	c := verifymodel.Commitment{
		Hash:        hash,
		EntityKey:   entityKey,
		SessionID:   sessionID,
		Status:      verifymodel.StatusPending,
		RequestedAt: time.Now().UTC(),
	}

	if err := s.store.SaveVerification(ctx, account, c, false); err != nil {
		return verifymodel.Commitment{}, fmt.Errorf("request verification: %w", err)
	}

	s.log.Info("verification requested",
		zap.String("account", account),
		zap.String("commitment", hash))
	return c, nil
}

// PollStatus performs a single status query against the indexer. Any
// indexer failure maps to StatusUnknown, never to an error: the lenient
// policy treats unknown the same as delivered downstream.
func (s *Service) PollStatus(ctx context.Context, commitmentHash string) verifymodel.Status {
	if !s.cfg.Enabled() {
		return verifymodel.StatusUnknown
	}

	endpoint := s.cfg.IndexerURL + "/requests?commitment=" + url.QueryEscape(commitmentHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return verifymodel.StatusUnknown
	}

	resp, err := s.http.Do(req)
	if err != nil {
		s.log.Warn("indexer unreachable", zap.Error(err))
		return verifymodel.StatusUnknown
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.log.Warn("indexer returned error", zap.Int("status", resp.StatusCode))
		return verifymodel.StatusUnknown
	}

	var result struct {
		Statuses []struct {
			Status string `json:"status"`
		} `json:"statuses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return verifymodel.StatusUnknown
	}

	// The indexer reports a status history; the latest entry wins.
	for i := len(result.Statuses) - 1; i >= 0; i-- {
		switch result.Statuses[i].Status {
		case "delivered", "DELIVERED":
			return verifymodel.StatusDelivered
		case "timeout", "TIMED_OUT":
			return verifymodel.StatusTimeout
		}
	}
	return verifymodel.StatusUnknown
}

// Await polls until the commitment resolves or the budget elapses, then
// caches the outcome. Unknown counts as verified: the chat surface must
// not punish users for indexer outages.
func (s *Service) Await(ctx context.Context, account string, c verifymodel.Commitment) (verifymodel.Commitment, error) {
	// No indexer means no poll can ever resolve; record the lenient
	// unknown-but-verified outcome immediately instead of burning the
	// whole budget on ticks.
	if !s.cfg.Enabled() {
		c.Status = verifymodel.StatusUnknown
		if err := s.store.SaveVerification(ctx, account, c, true); err != nil {
			s.log.Error("verification outcome not cached", zap.Error(err))
		}
		return c, ErrUnresolved
	}

	deadline := time.Now().Add(s.cfg.PollBudget)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status := s.PollStatus(ctx, c.Hash)
		if status.Resolved() || time.Now().After(deadline) {
			c.Status = status
			verified := status == verifymodel.StatusDelivered || status == verifymodel.StatusUnknown
			if err := s.store.SaveVerification(ctx, account, c, verified); err != nil {
				s.log.Error("verification outcome not cached", zap.Error(err))
			}
			if !status.Resolved() {
				return c, ErrUnresolved
			}
			return c, nil
		}

		select {
		case <-ctx.Done():
			c.Status = verifymodel.StatusUnknown
			if err := s.store.SaveVerification(ctx, account, c, true); err != nil {
				s.log.Error("verification outcome not cached", zap.Error(err))
			}
			return c, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Verified reports the cached verification state for a session.
func (s *Service) Verified(ctx context.Context, account, sessionID string) (local.VerificationRecord, bool, error) {
	return s.store.Verification(ctx, account, sessionID)
}

func commitmentHash(entityKey, sessionID string) string {
	sum := sha256.Sum256([]byte(entityKey + ":" + sessionID + ":" + uuid.NewString()))
	return "0x" + hex.EncodeToString(sum[:])
}
