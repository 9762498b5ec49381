package verify

import "time"

// Status of a cross-system commitment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusTimeout   Status = "timeout"
	StatusUnknown   Status = "unknown"
)

// Resolved reports whether polling can stop for this status.
func (s Status) Resolved() bool {
	return s == StatusDelivered || s == StatusTimeout
}

// Commitment attests that a stored session entity exists and has propagated
// to the counterpart chain. Created on session end, polled until resolved.
type Commitment struct {
	Hash        string    `json:"commitmentHash"`
	EntityKey   string    `json:"entityKey"`
	SessionID   string    `json:"sessionId"`
	Status      Status    `json:"status"`
	RequestedAt time.Time `json:"requestedAt"`
}
