// Package sweeper closes out sessions whose deadline passed without the
// operator touching them again. It is the backstop for the lazy expiry check
// in the service: a session nobody queries still reaches TIMEOUT within one
// sweep interval of its deadline.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"veriflow/internal/platform/clock"
	"veriflow/internal/platform/metrics"
	"veriflow/internal/verification/models"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
)

// Expirer lists candidates and applies the timeout transition. The service
// and its store satisfy this pair.
type Expirer interface {
	ForceTimeout(ctx context.Context, sessionID id.SessionID) (*models.Session, error)
}

// Lister finds active sessions whose deadline is at or before now.
type Lister interface {
	ListExpired(ctx context.Context, now time.Time) ([]*models.Session, error)
}

// Sweeper periodically times out expired sessions.
type Sweeper struct {
	lister   Lister
	expirer  Expirer
	interval time.Duration
	clk      clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Sweeper)

func WithClock(clk clock.Clock) Option {
	return func(s *Sweeper) { s.clk = clk }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

func New(lister Lister, expirer Expirer, interval time.Duration, opts ...Option) *Sweeper {
	s := &Sweeper{
		lister:   lister,
		expirer:  expirer,
		interval: interval,
		clk:      clock.NewSystem(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. Individual session failures never abort the pass;
// a session that cannot be timed out now is picked up again next tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.SweeperRuns.Inc()
	}
	now := s.clk.Now()
	expired, err := s.lister.ListExpired(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "list expired sessions", "error", err)
		return
	}

	for _, session := range expired {
		if _, err := s.expirer.ForceTimeout(ctx, session.ID); err != nil {
			// Lost the race: an operator request or a peer sweeper
			// already settled this session.
			if dErrors.HasCode(err, dErrors.CodeInvalidStateTransition) ||
				dErrors.HasCode(err, dErrors.CodeVersionConflict) ||
				dErrors.HasCode(err, dErrors.CodeNotFound) {
				continue
			}
			s.logger.ErrorContext(ctx, "force timeout failed",
				"session_id", session.ID,
				"error", err,
			)
			continue
		}
		if s.metrics != nil {
			s.metrics.SweeperTimeouts.Inc()
		}
	}
}
