// Package local persists per-account client state: the active session id,
// identity records, channel caches, transaction receipts, conversation
// blobs and verification outcomes. Everything is namespaced by account
// address so several wallets can share one database file.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/motus-dao/psychat-backend/internal/model/channel"
	"github.com/motus-dao/psychat-backend/internal/model/chat"
	"github.com/motus-dao/psychat-backend/internal/model/verify"
)

// Store is the sqlite-backed local state store.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS active_sessions (
	account       TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	started_at_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS identities (
	account       TEXT PRIMARY KEY,
	entity_key    TEXT NOT NULL,
	created_at_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS channels (
	id            TEXT NOT NULL,
	account       TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	created_at_ns INTEGER NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account, id)
);
CREATE INDEX IF NOT EXISTS idx_channels_session ON channels(account, session_id);

CREATE TABLE IF NOT EXISTS channel_messages (
	id         TEXT NOT NULL,
	account    TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	text       TEXT NOT NULL,
	ts_ns      INTEGER NOT NULL,
	PRIMARY KEY (account, id)
);
CREATE INDEX IF NOT EXISTS idx_channel_messages_channel ON channel_messages(account, channel_id, ts_ns);

CREATE TABLE IF NOT EXISTS tx_log (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	account       TEXT NOT NULL,
	kind          TEXT NOT NULL,
	entity_key    TEXT NOT NULL,
	tx_hash       TEXT NOT NULL,
	session_id    TEXT NOT NULL DEFAULT '',
	created_at_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tx_log_account ON tx_log(account, seq);

CREATE TABLE IF NOT EXISTS conversation_blobs (
	account       TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	locator       TEXT NOT NULL,
	blob          BLOB NOT NULL,
	encrypted     INTEGER NOT NULL,
	created_at_ns INTEGER NOT NULL,
	PRIMARY KEY (account, session_id)
);

CREATE TABLE IF NOT EXISTS verifications (
	account         TEXT NOT NULL,
	session_id      TEXT NOT NULL,
	commitment_hash TEXT NOT NULL,
	entity_key      TEXT NOT NULL,
	status          TEXT NOT NULL,
	verified        INTEGER NOT NULL,
	requested_at_ns INTEGER NOT NULL,
	PRIMARY KEY (account, session_id)
);
`

// Open initialises (and migrates) the store at path. ":memory:" is accepted
// for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	// Keep sqlite responsive under write contention.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		return nil, fmt.Errorf("configure local store: %w", err)
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL;")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL;")

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate local store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ActiveSession returns the persisted session for an account, if any.
func (s *Store) ActiveSession(ctx context.Context, account string) (chat.Session, bool, error) {
	var (
		session chat.Session
		started int64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, started_at_ns FROM active_sessions WHERE account = ?`, account)
	if err := row.Scan(&session.ID, &started); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Session{}, false, nil
		}
		return chat.Session{}, false, fmt.Errorf("load active session: %w", err)
	}
	session.AccountAddress = account
	session.StartedAt = time.Unix(0, started).UTC()
	return session, true, nil
}

// SetActiveSession records the session id an account should resume with.
func (s *Store) SetActiveSession(ctx context.Context, account string, session chat.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO active_sessions (account, session_id, started_at_ns) VALUES (?, ?, ?)
		 ON CONFLICT(account) DO UPDATE SET session_id = excluded.session_id, started_at_ns = excluded.started_at_ns`,
		account, session.ID, session.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("persist active session: %w", err)
	}
	return nil
}

// IdentityRecord links an account to its registered identity entity.
type IdentityRecord struct {
	Account   string
	EntityKey string
	CreatedAt time.Time
}

// Identity returns the registered identity for an account, if any.
func (s *Store) Identity(ctx context.Context, account string) (IdentityRecord, bool, error) {
	var (
		rec     IdentityRecord
		created int64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_key, created_at_ns FROM identities WHERE account = ?`, account)
	if err := row.Scan(&rec.EntityKey, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IdentityRecord{}, false, nil
		}
		return IdentityRecord{}, false, fmt.Errorf("load identity: %w", err)
	}
	rec.Account = account
	rec.CreatedAt = time.Unix(0, created).UTC()
	return rec, true, nil
}

// SaveIdentity registers (or replaces) the identity entity for an account.
func (s *Store) SaveIdentity(ctx context.Context, rec IdentityRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (account, entity_key, created_at_ns) VALUES (?, ?, ?)
		 ON CONFLICT(account) DO UPDATE SET entity_key = excluded.entity_key, created_at_ns = excluded.created_at_ns`,
		rec.Account, rec.EntityKey, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	return nil
}

// ChannelBySession finds an account's channel for a session, if one exists.
func (s *Store) ChannelBySession(ctx context.Context, account, sessionID string) (channel.Channel, bool, error) {
	var (
		ch      channel.Channel
		created int64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, created_at_ns, message_count FROM channels WHERE account = ? AND session_id = ?`,
		account, sessionID)
	if err := row.Scan(&ch.ID, &ch.SessionID, &created, &ch.MessageCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return channel.Channel{}, false, nil
		}
		return channel.Channel{}, false, fmt.Errorf("load channel: %w", err)
	}
	ch.CreatedAt = time.Unix(0, created).UTC()
	return ch, true, nil
}

// ChannelByID loads a channel by its identifier.
func (s *Store) ChannelByID(ctx context.Context, account, channelID string) (channel.Channel, bool, error) {
	var (
		ch      channel.Channel
		created int64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, created_at_ns, message_count FROM channels WHERE account = ? AND id = ?`,
		account, channelID)
	if err := row.Scan(&ch.ID, &ch.SessionID, &created, &ch.MessageCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return channel.Channel{}, false, nil
		}
		return channel.Channel{}, false, fmt.Errorf("load channel: %w", err)
	}
	ch.CreatedAt = time.Unix(0, created).UTC()
	return ch, true, nil
}

// ChannelOwner resolves which account a channel belongs to. Used to route
// inbound transport traffic; unknown channels are foreign traffic.
func (s *Store) ChannelOwner(ctx context.Context, channelID string) (string, bool, error) {
	var account string
	row := s.db.QueryRowContext(ctx, `SELECT account FROM channels WHERE id = ? LIMIT 1`, channelID)
	if err := row.Scan(&account); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("resolve channel owner: %w", err)
	}
	return account, true, nil
}

// SaveChannel persists a channel record.
func (s *Store) SaveChannel(ctx context.Context, account string, ch channel.Channel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (id, account, session_id, created_at_ns, message_count) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(account, id) DO UPDATE SET message_count = excluded.message_count`,
		ch.ID, account, ch.SessionID, ch.CreatedAt.UnixNano(), ch.MessageCount)
	if err != nil {
		return fmt.Errorf("persist channel: %w", err)
	}
	return nil
}

// AppendChannelMessage writes one message through to the durable log and
// bumps the channel counter in the same transaction.
func (s *Store) AppendChannelMessage(ctx context.Context, account string, msg channel.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append channel message: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO channel_messages (id, account, channel_id, role, text, ts_ns) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, account, msg.ChannelID, string(msg.Role), msg.Text, msg.Timestamp.UnixNano()); err != nil {
		return fmt.Errorf("append channel message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE channels SET message_count = message_count + 1 WHERE account = ? AND id = ?`,
		account, msg.ChannelID); err != nil {
		return fmt.Errorf("append channel message: %w", err)
	}

	return tx.Commit()
}

// ChannelMessages returns the durable message log for a channel in send order.
func (s *Store) ChannelMessages(ctx context.Context, account, channelID string) ([]channel.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, role, text, ts_ns FROM channel_messages
		 WHERE account = ? AND channel_id = ? ORDER BY ts_ns ASC, rowid ASC`,
		account, channelID)
	if err != nil {
		return nil, fmt.Errorf("load channel messages: %w", err)
	}
	defer rows.Close()

	var out []channel.Message
	for rows.Next() {
		var (
			msg  channel.Message
			role string
			ts   int64
		)
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &role, &msg.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan channel message: %w", err)
		}
		msg.Role = chat.Role(role)
		msg.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, msg)
	}
	return out, rows.Err()
}

// TxReceipt records one entity-store write for the account's audit trail.
type TxReceipt struct {
	Kind      string
	EntityKey string
	TxHash    string
	SessionID string
	CreatedAt time.Time
}

// AppendTx appends a receipt to the per-account transaction log.
func (s *Store) AppendTx(ctx context.Context, account string, rec TxReceipt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tx_log (account, kind, entity_key, tx_hash, session_id, created_at_ns) VALUES (?, ?, ?, ?, ?, ?)`,
		account, rec.Kind, rec.EntityKey, rec.TxHash, rec.SessionID, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append tx receipt: %w", err)
	}
	return nil
}

// TxLog returns the account's receipts, oldest first.
func (s *Store) TxLog(ctx context.Context, account string) ([]TxReceipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, entity_key, tx_hash, session_id, created_at_ns FROM tx_log WHERE account = ? ORDER BY seq ASC`,
		account)
	if err != nil {
		return nil, fmt.Errorf("load tx log: %w", err)
	}
	defer rows.Close()

	var out []TxReceipt
	for rows.Next() {
		var (
			rec TxReceipt
			ts  int64
		)
		if err := rows.Scan(&rec.Kind, &rec.EntityKey, &rec.TxHash, &rec.SessionID, &ts); err != nil {
			return nil, fmt.Errorf("scan tx receipt: %w", err)
		}
		rec.CreatedAt = time.Unix(0, ts).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ConversationBlob is the serialized (and possibly placeholder-encrypted)
// transcript snapshot taken at session end.
type ConversationBlob struct {
	SessionID string
	Locator   string
	Blob      []byte
	Encrypted bool
	CreatedAt time.Time
}

// SaveBlob stores the end-of-session transcript snapshot.
func (s *Store) SaveBlob(ctx context.Context, account string, blob ConversationBlob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_blobs (account, session_id, locator, blob, encrypted, created_at_ns) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account, session_id) DO UPDATE SET locator = excluded.locator, blob = excluded.blob,
		 encrypted = excluded.encrypted, created_at_ns = excluded.created_at_ns`,
		account, blob.SessionID, blob.Locator, blob.Blob, boolToInt(blob.Encrypted), blob.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("persist conversation blob: %w", err)
	}
	return nil
}

// Blob returns the stored transcript snapshot for a session, if any.
func (s *Store) Blob(ctx context.Context, account, sessionID string) (ConversationBlob, bool, error) {
	var (
		blob      ConversationBlob
		encrypted int
		created   int64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, locator, blob, encrypted, created_at_ns FROM conversation_blobs WHERE account = ? AND session_id = ?`,
		account, sessionID)
	if err := row.Scan(&blob.SessionID, &blob.Locator, &blob.Blob, &encrypted, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConversationBlob{}, false, nil
		}
		return ConversationBlob{}, false, fmt.Errorf("load conversation blob: %w", err)
	}
	blob.Encrypted = encrypted != 0
	blob.CreatedAt = time.Unix(0, created).UTC()
	return blob, true, nil
}

// SaveVerification caches the verification outcome for a session.
func (s *Store) SaveVerification(ctx context.Context, account string, c verify.Commitment, verified bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verifications (account, session_id, commitment_hash, entity_key, status, verified, requested_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account, session_id) DO UPDATE SET commitment_hash = excluded.commitment_hash,
		 entity_key = excluded.entity_key, status = excluded.status, verified = excluded.verified,
		 requested_at_ns = excluded.requested_at_ns`,
		account, c.SessionID, c.Hash, c.EntityKey, string(c.Status), boolToInt(verified), c.RequestedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("persist verification: %w", err)
	}
	return nil
}

// VerificationRecord pairs a commitment with its locally cached outcome.
type VerificationRecord struct {
	Commitment verify.Commitment
	Verified   bool
}

// Verification returns the cached verification state for a session, if any.
func (s *Store) Verification(ctx context.Context, account, sessionID string) (VerificationRecord, bool, error) {
	var (
		rec       VerificationRecord
		status    string
		verified  int
		requested int64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT commitment_hash, entity_key, session_id, status, verified, requested_at_ns
		 FROM verifications WHERE account = ? AND session_id = ?`,
		account, sessionID)
	if err := row.Scan(&rec.Commitment.Hash, &rec.Commitment.EntityKey, &rec.Commitment.SessionID,
		&status, &verified, &requested); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VerificationRecord{}, false, nil
		}
		return VerificationRecord{}, false, fmt.Errorf("load verification: %w", err)
	}
	rec.Commitment.Status = verify.Status(status)
	rec.Commitment.RequestedAt = time.Unix(0, requested).UTC()
	rec.Verified = verified != 0
	return rec, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
