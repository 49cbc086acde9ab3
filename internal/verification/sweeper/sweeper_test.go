package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"veriflow/internal/audit"
	"veriflow/internal/identity"
	"veriflow/internal/platform/clock"
	"veriflow/internal/ratelimit"
	"veriflow/internal/verification/models"
	"veriflow/internal/verification/service"
	"veriflow/internal/verification/store"
	"veriflow/internal/verifier"
	id "veriflow/pkg/domain"
)

type fixture struct {
	clk      *clock.Fake
	sessions *store.Memory
	dir      *identity.Memory
	svc      *service.Service
	sweeper  *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	sessions := store.NewMemory()
	dir := identity.NewMemory()

	registry, err := verifier.NewRegistry(map[id.Method]verifier.Provider{
		id.MethodManual: verifier.NewManualVerifier(),
	})
	require.NoError(t, err)

	windows := ratelimit.NewMemoryWindowStore(clk)
	svc := service.NewService(
		sessions,
		dir,
		ratelimit.NewIdentityGovernor(windows, 100, 24*time.Hour),
		ratelimit.NewBoothGovernor(windows, 100, time.Minute),
		registry,
		audit.NewPublisher(audit.NewMemory()),
		service.WithClock(clk),
	)

	return &fixture{
		clk:      clk,
		sessions: sessions,
		dir:      dir,
		svc:      svc,
		sweeper:  New(sessions, svc, time.Minute, WithClock(clk)),
	}
}

func (f *fixture) createSession(t *testing.T) *models.Session {
	t.Helper()
	identityRef := id.IdentityID(uuid.New())
	f.dir.Put(identity.Record{ID: identityRef})
	session, err := f.svc.Create(context.Background(), identityRef, id.OperatorID(uuid.New()), id.BoothID(uuid.New()))
	require.NoError(t, err)
	return session
}

func TestSweepTimesOutExpiredSessions(t *testing.T) {
	f := newFixture(t)
	expired := f.createSession(t)

	f.clk.Advance(11 * time.Minute)
	fresh := f.createSession(t)

	f.sweeper.Sweep(context.Background())

	got, err := f.sessions.Get(context.Background(), expired.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateTimeout, got.State)
	require.NotNil(t, got.Result)
	require.Equal(t, models.ResultTimedOut, got.Result.Status)

	got, err = f.sessions.Get(context.Background(), fresh.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateInitiated, got.State)
}

func TestSweepSkipsSettledSessions(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t)
	_, err := f.svc.Cancel(context.Background(), session.ID, "done")
	require.NoError(t, err)

	f.clk.Advance(11 * time.Minute)

	// A pass over a terminal session must not disturb it.
	f.sweeper.Sweep(context.Background())

	got, err := f.sessions.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateCancelled, got.State)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t)
	f.clk.Advance(11 * time.Minute)

	f.sweeper.Sweep(context.Background())
	f.sweeper.Sweep(context.Background())

	got, err := f.sessions.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateTimeout, got.State)

	// Exactly one timeout event despite two passes.
	var timeouts int
	for _, ev := range got.Events {
		if ev.Name == models.EventSessionTimedOut {
			timeouts++
		}
	}
	require.Equal(t, 1, timeouts)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sweeper.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
