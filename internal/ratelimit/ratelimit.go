// Package ratelimit is the admission-control layer: sliding windows of
// attempt timestamps per key, independent of any per-session attempt
// counting. The engine runs two governors over one store type: one scoped to
// identities (gates session creation) and one scoped to booths (gates
// verification attempts).
package ratelimit

import (
	"context"
	"time"
)

// Result reports an admission decision along with enough context for callers
// to build Retry-After style responses.
type Result struct {
	Allowed   bool
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// WindowStore records timestamps per key in a sliding window. Allow must
// evict, check, and record atomically per key; two racing callers may never
// both consume the final slot.
type WindowStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)
	Count(ctx context.Context, key string) (int, error)
	Reset(ctx context.Context, key string) error
}
