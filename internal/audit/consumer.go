package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"veriflow/internal/platform/metrics"
	id "veriflow/pkg/domain"
)

// EventHandler processes one relayed audit event.
type EventHandler interface {
	Handle(ctx context.Context, eventID uuid.UUID, event Event) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, eventID uuid.UUID, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, eventID uuid.UUID, event Event) error {
	return f(ctx, eventID, event)
}

// Materializer persists relayed events into audit_events, making session
// history queryable no matter which engine instance produced the event.
// Inserts are idempotent, so redelivery after a rebalance is harmless.
type Materializer struct {
	store *Postgres
}

func NewMaterializer(store *Postgres) *Materializer {
	return &Materializer{store: store}
}

func (m *Materializer) Handle(ctx context.Context, eventID uuid.UUID, event Event) error {
	return m.store.AppendWithID(ctx, eventID, event)
}

// Consumer reads the audit topic and dispatches events to per-category
// handlers: compliance and security events are materialized for retention,
// routine operations events only pass through the log.
type Consumer struct {
	client   *kgo.Client
	handlers map[EventCategory]EventHandler
	fallback EventHandler
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// ConsumerOption configures the consumer.
type ConsumerOption func(*Consumer)

func ConsumerWithLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

func ConsumerWithMetrics(m *metrics.Metrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// ConsumerWithHandler overrides the handler for one category.
func ConsumerWithHandler(category EventCategory, h EventHandler) ConsumerOption {
	return func(c *Consumer) { c.handlers[category] = h }
}

// NewConsumer builds a consumer-group reader for the audit topic. Compliance
// and security events are routed to the materializer; everything else falls
// through to a log-only handler.
func NewConsumer(brokers []string, topic, group string, store *Postgres, opts ...ConsumerOption) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("build audit consumer: %w", err)
	}

	c := &Consumer{
		client:   client,
		handlers: make(map[EventCategory]EventHandler),
		logger:   slog.Default(),
	}
	materializer := NewMaterializer(store)
	c.handlers[CategoryCompliance] = materializer
	c.handlers[CategorySecurity] = materializer

	for _, opt := range opts {
		opt(c)
	}
	if c.fallback == nil {
		c.fallback = HandlerFunc(func(ctx context.Context, _ uuid.UUID, event Event) error {
			c.logger.DebugContext(ctx, "audit event observed",
				"action", event.Action,
				"session_id", event.SessionID.String(),
			)
			return nil
		})
	}
	return c, nil
}

// Run consumes until the context is cancelled. A record that cannot be
// handled is logged and skipped; the idempotent materializer makes retrying
// on the next delivery safe, blocking the partition on one bad record is not.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.client.Close()

	for {
		fetches := c.client.PollFetches(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.ErrorContext(ctx, "audit fetch error",
				"topic", topic, "partition", partition, "error", err)
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			if err := c.dispatch(ctx, rec); err != nil {
				c.logger.ErrorContext(ctx, "audit event dropped by consumer",
					"key", string(rec.Key), "error", err)
			}
		})
	}
}

func (c *Consumer) dispatch(ctx context.Context, rec *kgo.Record) error {
	eventID, category, event, err := decodeRelayed(rec.Value)
	if err != nil {
		return err
	}

	handler, ok := c.handlers[category]
	if !ok {
		handler = c.fallback
	}
	if err := handler.Handle(ctx, eventID, event); err != nil {
		return fmt.Errorf("handle %s event: %w", category, err)
	}
	if c.metrics != nil {
		c.metrics.AuditConsumed.WithLabelValues(string(category)).Inc()
	}
	return nil
}

// decodeRelayed reverses the outbox payload encoding. ID fields are parsed
// leniently: a relayed event with one malformed ref is still worth keeping.
func decodeRelayed(raw []byte) (uuid.UUID, EventCategory, Event, error) {
	var payload outboxPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return uuid.Nil, "", Event{}, fmt.Errorf("decode audit payload: %w", err)
	}

	eventID, err := uuid.Parse(payload.ID)
	if err != nil {
		return uuid.Nil, "", Event{}, fmt.Errorf("decode audit event id: %w", err)
	}

	event := Event{
		Action:       payload.Action,
		Method:       payload.Method,
		State:        payload.State,
		AttemptCount: payload.AttemptCount,
		Decision:     payload.Decision,
		Reason:       payload.Reason,
		RequestID:    payload.RequestID,
		ClientIP:     payload.ClientIP,
	}
	if ts, err := time.Parse(time.RFC3339Nano, payload.Timestamp); err == nil {
		event.Timestamp = ts
	}
	if v, err := id.ParseSessionID(payload.SessionID); err == nil {
		event.SessionID = v
	}
	if v, err := id.ParseIdentityID(payload.IdentityRef); err == nil {
		event.IdentityRef = v
	}
	if v, err := id.ParseOperatorID(payload.OperatorRef); err == nil {
		event.OperatorRef = v
	}
	if v, err := id.ParseBoothID(payload.BoothRef); err == nil {
		event.BoothRef = v
	}
	return eventID, EventCategory(payload.Category), event, nil
}
