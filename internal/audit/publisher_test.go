package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "veriflow/pkg/domain"
)

func TestPublisher_SyncMode(t *testing.T) {
	store := NewMemory()
	pub := NewPublisher(store)
	defer pub.Close()

	sessionID := id.SessionID(uuid.New())
	err := pub.Emit(context.Background(), Event{
		SessionID: sessionID,
		Action:    string(EventSessionCreated),
	})
	require.NoError(t, err)

	events, err := pub.List(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(EventSessionCreated), events[0].Action)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestPublisher_AsyncMode(t *testing.T) {
	store := NewMemory()
	pub := NewPublisher(store, WithAsyncBuffer(10))

	sessionID := id.SessionID(uuid.New())
	err := pub.Emit(context.Background(), Event{
		SessionID: sessionID,
		Action:    string(EventSessionPassed),
		Decision:  "passed",
	})
	require.NoError(t, err)

	// Close flushes the buffer before returning.
	pub.Close()

	events, err := store.ListBySession(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "passed", events[0].Decision)
}

func TestPublisher_AsyncDropsWhenFull(t *testing.T) {
	store := NewMemory()
	pub := NewPublisher(store, WithAsyncBuffer(1))

	// Stall the drain goroutine long enough to overfill the buffer by
	// emitting more events than it can hold.
	sessionID := id.SessionID(uuid.New())
	for i := 0; i < 50; i++ {
		err := pub.Emit(context.Background(), Event{
			SessionID: sessionID,
			Action:    string(EventAttemptRecorded),
			Timestamp: time.Now(),
		})
		require.NoError(t, err, "emit must never block or fail")
	}
	pub.Close()

	events, err := store.ListBySession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(events), 50)
}

func TestEventCategories(t *testing.T) {
	assert.Equal(t, CategoryCompliance, EventSessionPassed.Category())
	assert.Equal(t, CategoryCompliance, EventSessionTimedOut.Category())
	assert.Equal(t, CategorySecurity, EventRateLimitExceeded.Category())
	assert.Equal(t, CategoryOperations, EventAttemptRecorded.Category())
	assert.Equal(t, CategoryOperations, AuditEvent("unknown").Category())
}
