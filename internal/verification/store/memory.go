package store

import (
	"context"
	"sync"
	"time"

	"veriflow/internal/verification/models"
	id "veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
)

// activeKey indexes the one-active-session lookup.
type activeKey struct {
	identity id.IdentityID
	booth    id.BoothID
}

// Memory is the in-memory session store. It is the reference implementation
// for the versioning contract and what unit tests and development booths run
// against. Records are deep-copied on the way in and out so callers can
// never alias store state.
type Memory struct {
	mu       sync.RWMutex
	sessions map[id.SessionID]*models.Session
	active   map[activeKey]id.SessionID
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[id.SessionID]*models.Session),
		active:   make(map[activeKey]id.SessionID),
	}
}

func (s *Memory) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return sentinel.ErrConflict
	}
	// The active index backs the one-session-per-pair rule, same as the
	// redis pair claim and the postgres partial index. Two racing creates
	// for one pair see exactly one winner.
	if _, taken := s.active[activeKey{identity: session.IdentityRef, booth: session.BoothRef}]; taken {
		return sentinel.ErrConflict
	}

	stored := session.Clone()
	stored.SyncVersion = 1
	s.sessions[session.ID] = stored
	s.reindex(stored)

	session.SyncVersion = stored.SyncVersion
	return nil
}

func (s *Memory) Get(_ context.Context, sessionID id.SessionID) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.sessions[sessionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return stored.Clone(), nil
}

func (s *Memory) Put(_ context.Context, session *models.Session, expectedVersion int64) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[session.ID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if stored.SyncVersion != expectedVersion {
		return nil, sentinel.ErrConflict
	}

	committed := session.Clone()
	committed.SyncVersion = expectedVersion + 1
	s.sessions[session.ID] = committed
	s.reindex(committed)

	return committed.Clone(), nil
}

func (s *Memory) FindActive(_ context.Context, identityRef id.IdentityID, boothRef id.BoothID) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, ok := s.active[activeKey{identity: identityRef, booth: boothRef}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.sessions[sessionID].Clone(), nil
}

func (s *Memory) ListExpired(_ context.Context, now time.Time) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []*models.Session
	for _, sess := range s.sessions {
		if sess.Active() && !sess.TimeoutAt.After(now) {
			expired = append(expired, sess.Clone())
		}
	}
	return expired, nil
}

// reindex maintains the (identity, booth) -> active session index. Must be
// called with the write lock held.
func (s *Memory) reindex(sess *models.Session) {
	key := activeKey{identity: sess.IdentityRef, booth: sess.BoothRef}
	if sess.Active() {
		s.active[key] = sess.ID
		return
	}
	if current, ok := s.active[key]; ok && current == sess.ID {
		delete(s.active, key)
	}
}
