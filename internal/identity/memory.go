package identity

import (
	"context"
	"sync"

	id "veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
)

// Memory is an in-memory Directory for tests and single-node deployments.
type Memory struct {
	mu      sync.RWMutex
	records map[id.IdentityID]Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[id.IdentityID]Record)}
}

// Put registers or replaces an identity record.
func (m *Memory) Put(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
}

func (m *Memory) FindActiveIdentity(_ context.Context, identityRef id.IdentityID) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[identityRef]
	if !ok {
		return Record{}, sentinel.ErrNotFound
	}
	return rec, nil
}
