// Package store persists session records. All implementations share one
// contract: Put is a compare-and-swap on the record's sync version and is the
// engine's sole concurrency-control point. The service never mutates a
// record without re-reading it and passing the version it observed.
package store

import (
	"context"
	"time"

	"veriflow/internal/verification/models"
	id "veriflow/pkg/domain"
)

// SessionStore is the persistence contract for session records.
//
// Implementations return sentinel.ErrNotFound for missing records and
// sentinel.ErrConflict when a version check fails. Returned records are
// always private copies; callers mutate them freely before committing.
type SessionStore interface {
	// Create inserts a new record and stamps it with sync version 1.
	// Fails with sentinel.ErrConflict when the ID already exists.
	Create(ctx context.Context, session *models.Session) error

	// Get loads a session by ID.
	Get(ctx context.Context, sessionID id.SessionID) (*models.Session, error)

	// Put commits a mutated record if and only if the stored version still
	// equals expectedVersion, then stamps the record with
	// expectedVersion+1. Two writers observing the same version can never
	// both succeed.
	Put(ctx context.Context, session *models.Session, expectedVersion int64) (*models.Session, error)

	// FindActive returns the active session (INITIATED or IN_PROGRESS) for
	// an (identity, booth) pair, backing the one-active-session invariant
	// enforced by the service.
	FindActive(ctx context.Context, identityRef id.IdentityID, boothRef id.BoothID) (*models.Session, error)

	// ListExpired returns active sessions whose deadline is at or before
	// now. The expiry sweeper is the only caller.
	ListExpired(ctx context.Context, now time.Time) ([]*models.Session, error)
}
