package entity

import (
	"encoding/base64"
	"testing"
)

func TestDeriveBaseKeyDeterministic(t *testing.T) {
	a := DeriveBaseKey("0xABCdef")
	b := DeriveBaseKey("0xABCdef")
	if a != b {
		t.Fatalf("same input produced different keys: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestDeriveBaseKeyCaseFolds(t *testing.T) {
	if DeriveBaseKey("0xABC") != DeriveBaseKey("0xabc") {
		t.Fatal("case variants of one address must share a namespace")
	}
	if DeriveBaseKey("0xabc") == DeriveBaseKey("0xdef") {
		t.Fatal("different accounts must not collide")
	}
}

func TestDecodePayloadBase64(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("Hello there"))
	if got := DecodePayload([]byte(encoded)); got != "Hello there" {
		t.Fatalf("base64 payload decoded to %q", got)
	}
}

func TestDecodePayloadRawUTF8(t *testing.T) {
	// Not valid base64: must fall through to the raw bytes.
	raw := "plain text, no encoding!"
	if got := DecodePayload([]byte(raw)); got != raw {
		t.Fatalf("raw payload decoded to %q", got)
	}
}

func TestRecordAttr(t *testing.T) {
	rec := Record{Attributes: []Attribute{
		{Key: AttrType, Value: TypeChatMessage},
		{Key: AttrRole, Value: "user"},
		{Key: AttrRole, Value: "assistant"}, // duplicate keys are legal
	}}

	if got := rec.Attr(AttrType); got != TypeChatMessage {
		t.Fatalf("Attr(type) = %q", got)
	}
	if got := rec.Attr(AttrRole); got != "user" {
		t.Fatalf("Attr(role) should return the first value, got %q", got)
	}
	if got := rec.Attr("missing"); got != "" {
		t.Fatalf("Attr(missing) = %q", got)
	}
}
