package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/motus-dao/psychat-backend/internal/model/chat"
	entitymodel "github.com/motus-dao/psychat-backend/internal/model/entity"
	verifymodel "github.com/motus-dao/psychat-backend/internal/model/verify"
	entityservice "github.com/motus-dao/psychat-backend/internal/service/entity"
	"github.com/motus-dao/psychat-backend/internal/store/local"
)

// EndResult summarizes a completed end-session flow.
type EndResult struct {
	EndedSessionID string                  `json:"endedSessionId"`
	NewSessionID   string                  `json:"newSessionId"`
	MessageCount   int                     `json:"messageCount"`
	SummaryKey     string                  `json:"summaryEntityKey,omitempty"`
	Encrypted      bool                    `json:"encrypted"`
	Commitment     *verifymodel.Commitment `json:"commitment,omitempty"`
	Verified       bool                    `json:"verified"`
}

// EndSession snapshots the transcript, writes the chatSession summary
// entity, requests cross-chain verification and rotates the active session
// id. Every step is best-effort: a failure in one never blocks the next.
// Reentrant calls while an end is in flight are no-ops.
func (o *Orchestrator) EndSession(ctx context.Context, account, sessionID string) (EndResult, error) {
	if ok, err := o.HasIdentity(ctx, account); err != nil {
		return EndResult{}, err
	} else if !ok {
		return EndResult{}, ErrIdentityMissing
	}

	key := transcriptKey(account, sessionID)
	o.mu.Lock()
	if o.ending[key] {
		o.mu.Unlock()
		return EndResult{}, ErrAlreadyEnding
	}
	o.ending[key] = true
	transcript := append([]chat.Message(nil), o.transcripts[key]...)
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.ending, key)
		o.mu.Unlock()
	}()

	if len(transcript) == 0 {
		// A restart clears the in-memory cache; the durable stores may
		// still hold the session's turns.
		if loaded, lerr := o.LoadHistory(ctx, account, sessionID); lerr == nil {
			transcript = loaded
		}
	}
	if len(transcript) == 0 {
		return EndResult{}, ErrEmptySession
	}

	result := EndResult{
		EndedSessionID: sessionID,
		MessageCount:   len(transcript),
	}

	// Step 1+2: serialize, placeholder-encrypt, store the blob locally.
	blob, encrypted := o.snapshotTranscript(sessionID, transcript)
	if err := o.store.SaveBlob(ctx, account, blob); err != nil {
		o.log.Warn("transcript blob not stored", zap.Error(err))
	}
	result.Encrypted = encrypted

	// Step 3: write the session summary entity.
	receipt, err := o.writeSummaryEntity(ctx, account, sessionID, len(transcript), blob.Locator, encrypted)
	if err != nil {
		o.log.Warn("session summary not written",
			zap.String("sessionId", sessionID),
			zap.Error(err))
	} else {
		result.SummaryKey = receipt.EntityKey
		o.appendReceipt(ctx, account, "sessionSummary", receipt, sessionID)

		// Step 4: verification, only meaningful with a summary on chain.
		if commitment, verr := o.verifier.RequestVerification(ctx, account, receipt.EntityKey, sessionID); verr != nil {
			o.log.Warn("verification not requested", zap.Error(verr))
		} else {
			resolved, werr := o.verifier.Await(ctx, account, commitment)
			if werr != nil {
				// Left unverified, no automatic retry.
				o.log.Warn("verification unresolved", zap.Error(werr))
			}
			result.Commitment = &resolved
			result.Verified = resolved.Status == verifymodel.StatusDelivered ||
				resolved.Status == verifymodel.StatusUnknown
		}
	}

	// Step 5: receipt and rotation. The old transcript stays cached under
	// the old key; sessions are superseded, never deleted.
	now := time.Now().UTC()
	next := chat.Session{
		ID:             chat.NewSessionID(now),
		AccountAddress: account,
		StartedAt:      now,
	}
	if next.ID == sessionID {
		// Millisecond ids can collide when a session ends within 1ms of
		// its creation; nudge forward.
		next.ID = chat.NewSessionID(now.Add(time.Millisecond))
	}
	if err := o.store.SetActiveSession(ctx, account, next); err != nil {
		return result, fmt.Errorf("rotate session: %w", err)
	}
	result.NewSessionID = next.ID

	o.publish(account, sessionID, Event{Kind: EventSessionEnded, SessionID: sessionID})
	o.log.Info("session ended",
		zap.String("account", account),
		zap.String("sessionId", sessionID),
		zap.Int("messages", len(transcript)),
		zap.String("next", next.ID))

	return result, nil
}

// snapshotTranscript serializes the transcript and applies the placeholder
// encryption. True end-to-end encryption belongs to the messaging layer;
// here a failure only downgrades the blob to plaintext, flagged as such.
func (o *Orchestrator) snapshotTranscript(sessionID string, transcript []chat.Message) (local.ConversationBlob, bool) {
	now := time.Now().UTC()
	blob := local.ConversationBlob{
		SessionID: sessionID,
		Locator:   "local://conversations/" + sessionID,
		CreatedAt: now,
	}

	serialized, err := json.Marshal(transcript)
	if err != nil {
		o.log.Warn("transcript serialization failed", zap.Error(err))
		blob.Blob = []byte("{}")
		return blob, false
	}

	blob.Blob = []byte(base64.StdEncoding.EncodeToString(serialized))
	blob.Encrypted = true
	return blob, true
}

func (o *Orchestrator) writeSummaryEntity(ctx context.Context, account, sessionID string, messageCount int, locator string, encrypted bool) (entityservice.Receipt, error) {
	return o.entities.CreateEntity(ctx, entityservice.CreateInput{
		Payload:     []byte(fmt.Sprintf("session %s: %d messages", sessionID, messageCount)),
		ContentType: "text/plain",
		Attributes: []entitymodel.Attribute{
			{Key: entitymodel.AttrType, Value: entitymodel.TypeChatSession},
			{Key: entitymodel.AttrAccount, Value: account},
			{Key: entitymodel.AttrBaseKey, Value: entitymodel.DeriveBaseKey(account)},
			{Key: entitymodel.AttrSessionID, Value: sessionID},
			{Key: entitymodel.AttrMessageNum, Value: strconv.Itoa(messageCount)},
			{Key: entitymodel.AttrEncrypted, Value: strconv.FormatBool(encrypted)},
			{Key: entitymodel.AttrStorageBlob, Value: locator},
			{Key: entitymodel.AttrTimestamp, Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
		ExpiresIn: entitymodel.TTLSession,
	})
}
