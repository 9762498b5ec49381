// Package entity implements the Arkiv entity-store client: an append-only,
// attribute-tagged key/value backend reached over an HTTP RPC endpoint.
package entity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/motus-dao/psychat-backend/internal/config"
	entitymodel "github.com/motus-dao/psychat-backend/internal/model/entity"
)

var (
	// ErrNotConnected is returned when no entity-store endpoint is configured.
	ErrNotConnected = errors.New("entity store not connected")
	// ErrQueryFailed distinguishes a failed query from an empty result set.
	ErrQueryFailed = errors.New("entity store query failed")
	// ErrMissingAttributes rejects writes without the required schema tags.
	ErrMissingAttributes = errors.New("entity record missing required attributes")
)

// Receipt is the store's acknowledgement of a successful write.
type Receipt struct {
	EntityKey string `json:"entityKey"`
	TxHash    string `json:"txHash"`
}

// CreateInput describes a record to append.
type CreateInput struct {
	Payload     []byte
	ContentType string
	Attributes  []entitymodel.Attribute
	ExpiresIn   time.Duration
}

// Predicate is one equality constraint; queries AND all predicates.
type Predicate struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Client talks to the store RPC endpoint.
type Client struct {
	cfg  config.ArkivConfig
	http *http.Client
	log  *zap.Logger
}

// NewClient builds a client from configuration. A client with no endpoint
// is still usable: every call reports ErrNotConnected so callers can apply
// their best-effort policies.
func NewClient(cfg config.ArkivConfig, log *zap.Logger) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

// Connected reports whether the client can reach a store at all.
func (c *Client) Connected() bool {
	return c.cfg.Enabled()
}

// CreateEntity appends one immutable record. Unlike the original web
// client, the required schema tags are validated before the write so
// malformed records never reach the chain.
func (c *Client) CreateEntity(ctx context.Context, in CreateInput) (Receipt, error) {
	if !c.Connected() {
		return Receipt{}, ErrNotConnected
	}
	if err := validateAttributes(in.Attributes); err != nil {
		return Receipt{}, err
	}

	body := struct {
		Payload     []byte                  `json:"payload"`
		ContentType string                  `json:"contentType"`
		Attributes  []entitymodel.Attribute `json:"attributes"`
		ExpiresIn   int64                   `json:"expiresIn"`
	}{
		Payload:     in.Payload,
		ContentType: in.ContentType,
		Attributes:  in.Attributes,
		ExpiresIn:   int64(in.ExpiresIn.Seconds()),
	}

	var receipt Receipt
	if err := c.post(ctx, "/entities", body, &receipt); err != nil {
		return Receipt{}, fmt.Errorf("create entity: %w", err)
	}
	if receipt.EntityKey == "" {
		return Receipt{}, fmt.Errorf("create entity: store returned no entity key")
	}
	return receipt, nil
}

// QueryEntities returns all records matching every predicate. A transport
// or store failure surfaces as ErrQueryFailed; an empty slice with nil
// error genuinely means "no records".
func (c *Client) QueryEntities(ctx context.Context, predicates []Predicate) ([]entitymodel.Record, error) {
	if !c.Connected() {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, ErrNotConnected)
	}

	body := struct {
		Predicates []Predicate `json:"predicates"`
	}{Predicates: predicates}

	var result struct {
		Entities []wireRecord `json:"entities"`
	}
	if err := c.post(ctx, "/entities/query", body, &result); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	records := make([]entitymodel.Record, 0, len(result.Entities))
	for _, e := range result.Entities {
		records = append(records, e.toRecord())
	}
	return records, nil
}

// EnsureBase makes sure the account has a chatBase namespace record and
// returns its entity key. Idempotent by query-then-create; a duplicate
// created by two racing first-time callers is tolerated because base
// records are bookkeeping only.
func (c *Client) EnsureBase(ctx context.Context, account string) (string, error) {
	baseKey := entitymodel.DeriveBaseKey(account)

	existing, err := c.QueryEntities(ctx, []Predicate{
		{Key: entitymodel.AttrType, Value: entitymodel.TypeChatBase},
		{Key: entitymodel.AttrAccount, Value: account},
	})
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return existing[0].Key, nil
	}

	receipt, err := c.CreateEntity(ctx, CreateInput{
		Payload:     []byte(baseKey),
		ContentType: "text/plain",
		Attributes: []entitymodel.Attribute{
			{Key: entitymodel.AttrType, Value: entitymodel.TypeChatBase},
			{Key: entitymodel.AttrAccount, Value: account},
			{Key: entitymodel.AttrBaseKey, Value: baseKey},
		},
		ExpiresIn: entitymodel.TTLBase,
	})
	if err != nil {
		return "", err
	}

	c.log.Info("created chat base record",
		zap.String("account", account),
		zap.String("entityKey", receipt.EntityKey))
	return receipt.EntityKey, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RPCURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("store returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func validateAttributes(attrs []entitymodel.Attribute) error {
	var hasType, hasOwner bool
	for _, a := range attrs {
		switch a.Key {
		case entitymodel.AttrType:
			hasType = a.Value != ""
		case entitymodel.AttrAccount:
			hasOwner = a.Value != ""
		}
	}
	if !hasType || !hasOwner {
		return ErrMissingAttributes
	}
	return nil
}

// wireRecord mirrors the store's JSON shape; expiresIn arrives in seconds.
type wireRecord struct {
	EntityKey   string                  `json:"entityKey"`
	Payload     []byte                  `json:"payload"`
	ContentType string                  `json:"contentType"`
	Attributes  []entitymodel.Attribute `json:"attributes"`
	ExpiresIn   int64                   `json:"expiresIn"`
}

func (w wireRecord) toRecord() entitymodel.Record {
	return entitymodel.Record{
		Key:         w.EntityKey,
		Payload:     w.Payload,
		ContentType: w.ContentType,
		Attributes:  w.Attributes,
		ExpiresIn:   time.Duration(w.ExpiresIn) * time.Second,
	}
}
