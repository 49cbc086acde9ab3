package audit

import (
	"context"
	"sync"

	id "veriflow/pkg/domain"
)

// Memory is an in-memory Store for tests and single-node deployments.
type Memory struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *Memory) ListBySession(_ context.Context, sessionID id.SessionID) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, event := range m.events {
		if event.SessionID == sessionID {
			out = append(out, event)
		}
	}
	return out, nil
}

// All returns every recorded event in append order.
func (m *Memory) All() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
