package ratelimit

import (
	"context"
	"time"

	id "veriflow/pkg/domain"
)

// Governor applies one limit/window policy over a WindowStore, namespacing
// keys by scope so identity and booth windows never collide even when they
// share a store.
type Governor struct {
	store  WindowStore
	scope  string
	limit  int
	window time.Duration
}

func NewGovernor(store WindowStore, scope string, limit int, window time.Duration) *Governor {
	return &Governor{store: store, scope: scope, limit: limit, window: window}
}

func (g *Governor) allow(ctx context.Context, key string) (*Result, error) {
	return g.store.Allow(ctx, g.scope+":"+key, g.limit, g.window)
}

// IdentityGovernor bounds how often one claimed identity may be put through
// verification, across sessions and booths. It gates session creation, not
// individual attempts.
type IdentityGovernor struct {
	*Governor
}

func NewIdentityGovernor(store WindowStore, limit int, window time.Duration) *IdentityGovernor {
	return &IdentityGovernor{Governor: NewGovernor(store, "identity", limit, window)}
}

func (g *IdentityGovernor) Allow(ctx context.Context, identityRef id.IdentityID) (*Result, error) {
	return g.allow(ctx, identityRef.String())
}

// BoothGovernor bounds verification attempts per booth, protecting upstream
// verifiers from a flooding or misbehaving booth client.
type BoothGovernor struct {
	*Governor
}

func NewBoothGovernor(store WindowStore, limit int, window time.Duration) *BoothGovernor {
	return &BoothGovernor{Governor: NewGovernor(store, "booth", limit, window)}
}

func (g *BoothGovernor) Allow(ctx context.Context, boothRef id.BoothID) (*Result, error) {
	return g.allow(ctx, boothRef.String())
}
