package chat

import (
	"strconv"
	"time"
)

// Session captures one continuous therapy conversation owned by an account.
// A session is never deleted, only superseded by a freshly minted id.
type Session struct {
	ID             string     `json:"id"`
	AccountAddress string     `json:"accountAddress"`
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	MessageCount   int        `json:"messageCount"`
}

// NewSessionID mints a timestamp-based session identifier. Millisecond
// precision matches the ids the web client historically generated, so
// records written by either side stay queryable under one convention.
func NewSessionID(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}
