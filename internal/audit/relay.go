package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"veriflow/internal/platform/metrics"
)

// Relay drains the outbox table into Kafka. It runs as a background loop
// alongside the HTTP server and the sweeper. Rows are marked published only
// after the produce succeeds, so a crash between the two replays the row;
// consumers must tolerate duplicates (audit_events inserts are idempotent).
type Relay struct {
	db       *sql.DB
	client   *kgo.Client
	topic    string
	interval time.Duration
	batch    int
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type RelayOption func(*Relay)

func RelayWithLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) { r.logger = logger }
}

func RelayWithMetrics(m *metrics.Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

func RelayWithInterval(d time.Duration) RelayOption {
	return func(r *Relay) { r.interval = d }
}

func NewRelay(db *sql.DB, brokers []string, topic string, opts ...RelayOption) (*Relay, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	r := &Relay{
		db:       db,
		client:   client,
		topic:    topic,
		interval: time.Second,
		batch:    100,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// EnsureTopic creates the audit topic if it does not exist.
func (r *Relay) EnsureTopic(ctx context.Context, partitions int32) error {
	adm := kadm.NewClient(r.client)
	resp, err := adm.CreateTopics(ctx, partitions, 1, nil, r.topic)
	if err != nil {
		return fmt.Errorf("create audit topic: %w", err)
	}
	for _, res := range resp {
		if res.Err != nil && !errors.Is(res.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create audit topic %s: %w", res.Topic, res.Err)
		}
	}
	return nil
}

// Run polls the outbox until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer r.client.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.drainOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "outbox relay pass failed", "error", err)
			}
		}
	}
}

type outboxRow struct {
	id        string
	eventType string
	key       string
	payload   []byte
}

func (r *Relay) drainOnce(ctx context.Context) error {
	const query = `
		SELECT id, aggregate_id, event_type, payload
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, r.batch)
	if err != nil {
		return fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var pending []outboxRow
	for rows.Next() {
		var row outboxRow
		if err := rows.Scan(&row.id, &row.key, &row.eventType, &row.payload); err != nil {
			return fmt.Errorf("scan outbox row: %w", err)
		}
		pending = append(pending, row)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, row := range pending {
		record := &kgo.Record{
			Topic: r.topic,
			// Key by aggregate so one session's events stay ordered
			// within a partition.
			Key:   []byte(row.key),
			Value: row.payload,
			Headers: []kgo.RecordHeader{
				{Key: "event_type", Value: []byte(row.eventType)},
			},
		}
		if err := r.client.ProduceSync(ctx, record).FirstErr(); err != nil {
			return fmt.Errorf("produce outbox row %s: %w", row.id, err)
		}
		const mark = `UPDATE outbox SET published_at = $1 WHERE id = $2`
		if _, err := r.db.ExecContext(ctx, mark, time.Now(), row.id); err != nil {
			return fmt.Errorf("mark outbox row %s published: %w", row.id, err)
		}
		if r.metrics != nil {
			r.metrics.AuditPublished.Inc()
		}
	}
	return nil
}
