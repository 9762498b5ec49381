package entity

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"
	"unicode/utf8"
)

// Record type attribute values understood by the chat core.
const (
	TypeChatBase    = "chatBase"
	TypeChatMessage = "chatMessage"
	TypeChatSession = "chatSession"
	TypeXXIdentity  = "xxIdentity"
)

// Attribute keys the chat core always stamps on its records.
const (
	AttrType        = "type"
	AttrAccount     = "polkadotAddress"
	AttrBaseKey     = "chatBaseKey"
	AttrSessionID   = "sessionId"
	AttrRole        = "role"
	AttrTimestamp   = "timestamp"
	AttrMessageNum  = "messageCount"
	AttrEncrypted   = "encrypted"
	AttrStorageBlob = "storageLocator"
)

// Retention periods per record type. The short session-summary TTL is
// carried over unchanged from the web client; see DESIGN.md.
const (
	TTLMessage  = 600 * time.Second
	TTLBase     = 24 * time.Hour
	TTLSession  = 200 * time.Second
	TTLIdentity = 365 * 24 * time.Hour
)

// Attribute is one key/value pair on a record. Keys may repeat across the
// set; the (type, account, sessionId) triple is the effective identity.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Record is a typed, immutable entry in the append-only entity store.
type Record struct {
	Key         string        `json:"entityKey"`
	Payload     []byte        `json:"payload"`
	ContentType string        `json:"contentType"`
	Attributes  []Attribute   `json:"attributes"`
	ExpiresIn   time.Duration `json:"expiresIn"`
}

// Attr returns the first value for key, or "" when absent.
func (r Record) Attr(key string) string {
	for _, a := range r.Attributes {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}

// DeriveBaseKey maps an account address to its deterministic namespace key.
// Addresses are case-folded first, so checksummed and lowercased forms of
// the same account land in the same namespace.
func DeriveBaseKey(accountAddress string) string {
	sum := sha256.Sum256([]byte("polkadot:" + strings.ToLower(accountAddress)))
	return hex.EncodeToString(sum[:])
}

// DecodePayload recovers the stored text from a record payload. Producers
// were never consistent about encoding: some wrote base64, some raw UTF-8
// bytes. Try base64 first and fall back to the raw bytes when the result
// is not valid text.
func DecodePayload(payload []byte) string {
	if decoded, err := base64.StdEncoding.DecodeString(string(payload)); err == nil && utf8.Valid(decoded) {
		return string(decoded)
	}
	return string(payload)
}
