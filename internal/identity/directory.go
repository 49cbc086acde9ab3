// Package identity exposes the engine's view of the identity roster. The
// roster itself (enrollment, CRUD, retention) is another service; the engine
// only asks one question at session creation: does this identity exist, is
// it blocked, and is it pinned to a booth.
package identity

import (
	"context"

	id "veriflow/pkg/domain"
)

// Record is the eligibility answer for one claimed identity.
type Record struct {
	ID id.IdentityID

	// Blocked identities exist but may not be verified (flagged for fraud
	// review, deceased, withdrawn consent).
	Blocked bool

	// AssignedBooth pins the identity to one booth when set. The zero
	// value means any booth may verify it.
	AssignedBooth id.BoothID
}

// Directory looks up identity eligibility. Implementations return
// sentinel.ErrNotFound for unknown identities.
type Directory interface {
	FindActiveIdentity(ctx context.Context, identityRef id.IdentityID) (Record, error)
}
