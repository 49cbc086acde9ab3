package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"veriflow/internal/platform/metrics"
	id "veriflow/pkg/domain"
)

// Publisher captures structured audit events. By default Emit writes
// synchronously to the store; WithAsyncBuffer switches it to a buffered
// channel drained by a background goroutine, in which case Emit never
// blocks and drops events when the buffer is full. Audit is best-effort
// for session processing: callers log Emit errors and continue.
type Publisher struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	inbox chan Event
	done  chan struct{}
	once  sync.Once
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithLogger sets a logger for error reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithAsyncBuffer enables asynchronous emission with the given buffer size.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		p.inbox = make(chan Event, size)
	}
}

func NewPublisher(store Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.inbox != nil {
		go p.drain()
	}
	return p
}

// Emit records an audit event. In async mode a full buffer drops the event
// rather than blocking the caller.
func (p *Publisher) Emit(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if p.inbox == nil {
		return p.store.Append(ctx, event)
	}
	select {
	case p.inbox <- event:
	default:
		if p.metrics != nil {
			p.metrics.AuditDropped.Inc()
		}
		p.logger.WarnContext(ctx, "audit buffer full, event dropped",
			"action", event.Action,
			"session_id", event.SessionID,
		)
	}
	return nil
}

// List returns the audit trail for one session.
func (p *Publisher) List(ctx context.Context, sessionID id.SessionID) ([]Event, error) {
	return p.store.ListBySession(ctx, sessionID)
}

// Close stops the background goroutine after flushing buffered events.
func (p *Publisher) Close() {
	p.once.Do(func() {
		if p.inbox == nil {
			close(p.done)
			return
		}
		close(p.inbox)
		<-p.done
	})
}

func (p *Publisher) drain() {
	defer close(p.done)
	for event := range p.inbox {
		if err := p.store.Append(context.Background(), event); err != nil {
			p.logger.Error("append audit event",
				"action", event.Action,
				"session_id", event.SessionID,
				"error", err,
			)
		}
	}
}
