package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	id "veriflow/pkg/domain"
	txcontext "veriflow/pkg/platform/tx"
)

// Schema creates the outbox and audit_events tables. The outbox feeds the
// Kafka relay; audit_events materializes relayed events for querying.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id             UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id   TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	published_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS outbox_unpublished
	ON outbox (created_at) WHERE published_at IS NULL;

CREATE TABLE IF NOT EXISTS audit_events (
	id            UUID PRIMARY KEY,
	category      TEXT NOT NULL,
	occurred_at   TIMESTAMPTZ NOT NULL,
	session_id    UUID,
	identity_ref  UUID,
	operator_ref  UUID,
	booth_ref     UUID,
	action        TEXT NOT NULL,
	method        TEXT,
	state         TEXT,
	attempt_count INT NOT NULL DEFAULT 0,
	decision      TEXT,
	reason        TEXT,
	request_id    TEXT,
	client_ip     TEXT
);

CREATE INDEX IF NOT EXISTS audit_events_session
	ON audit_events (session_id, occurred_at);
`

// Postgres implements Store using the transactional outbox pattern.
// Events are written to the outbox table and published to Kafka by the
// relay; Kafka is the source of truth for downstream consumers.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Postgres) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// outboxPayload is the JSON structure published to Kafka. Field names match
// Event so the consumer side can decode without a translation layer.
type outboxPayload struct {
	ID           string `json:"ID"`
	Category     string `json:"Category"`
	Timestamp    string `json:"Timestamp"`
	SessionID    string `json:"SessionID,omitempty"`
	IdentityRef  string `json:"IdentityRef,omitempty"`
	OperatorRef  string `json:"OperatorRef,omitempty"`
	BoothRef     string `json:"BoothRef,omitempty"`
	Action       string `json:"Action"`
	Method       string `json:"Method,omitempty"`
	State        string `json:"State,omitempty"`
	AttemptCount int    `json:"AttemptCount,omitempty"`
	Decision     string `json:"Decision,omitempty"`
	Reason       string `json:"Reason,omitempty"`
	RequestID    string `json:"RequestID,omitempty"`
	ClientIP     string `json:"ClientIP,omitempty"`
}

// Append writes an audit event to the outbox table for Kafka publishing.
func (s *Postgres) Append(ctx context.Context, event Event) error {
	eventID := uuid.New()
	category := AuditEvent(event.Action).Category()

	payload := outboxPayload{
		ID:           eventID.String(),
		Category:     string(category),
		Timestamp:    event.Timestamp.Format(time.RFC3339Nano),
		Action:       event.Action,
		Method:       event.Method,
		State:        event.State,
		AttemptCount: event.AttemptCount,
		Decision:     event.Decision,
		Reason:       event.Reason,
		RequestID:    event.RequestID,
		ClientIP:     event.ClientIP,
	}
	if !event.SessionID.IsNil() {
		payload.SessionID = event.SessionID.String()
	}
	if !event.IdentityRef.IsNil() {
		payload.IdentityRef = event.IdentityRef.String()
	}
	if !event.OperatorRef.IsNil() {
		payload.OperatorRef = event.OperatorRef.String()
	}
	if !event.BoothRef.IsNil() {
		payload.BoothRef = event.BoothRef.String()
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	aggregateType := "audit"
	aggregateID := eventID.String()
	if !event.SessionID.IsNil() {
		aggregateType = "session"
		aggregateID = event.SessionID.String()
	}

	const query = `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		uuid.New(),
		aggregateType,
		aggregateID,
		event.Action,
		payloadBytes,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// AppendWithID materializes a relayed event into audit_events. Used by the
// Kafka consumer side; idempotent via ON CONFLICT DO NOTHING.
func (s *Postgres) AppendWithID(ctx context.Context, eventID uuid.UUID, event Event) error {
	const query = `
		INSERT INTO audit_events (
			id, category, occurred_at, session_id, identity_ref, operator_ref,
			booth_ref, action, method, state, attempt_count, decision, reason,
			request_id, client_ip
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		eventID,
		string(AuditEvent(event.Action).Category()),
		event.Timestamp,
		nullUUID(uuid.UUID(event.SessionID)),
		nullUUID(uuid.UUID(event.IdentityRef)),
		nullUUID(uuid.UUID(event.OperatorRef)),
		nullUUID(uuid.UUID(event.BoothRef)),
		event.Action,
		event.Method,
		event.State,
		event.AttemptCount,
		event.Decision,
		event.Reason,
		event.RequestID,
		event.ClientIP,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListBySession reads materialized events for one session in time order.
func (s *Postgres) ListBySession(ctx context.Context, sessionID id.SessionID) ([]Event, error) {
	const query = `
		SELECT occurred_at, session_id, identity_ref, operator_ref, booth_ref,
		       action, method, state, attempt_count, decision, reason,
		       request_id, client_ip
		FROM audit_events
		WHERE session_id = $1
		ORDER BY occurred_at
	`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(sessionID))
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event    Event
			session  uuid.NullUUID
			identity uuid.NullUUID
			operator uuid.NullUUID
			booth    uuid.NullUUID
		)
		err := rows.Scan(
			&event.Timestamp, &session, &identity, &operator, &booth,
			&event.Action, &event.Method, &event.State, &event.AttemptCount,
			&event.Decision, &event.Reason, &event.RequestID, &event.ClientIP,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.SessionID = id.SessionID(session.UUID)
		event.IdentityRef = id.IdentityID(identity.UUID)
		event.OperatorRef = id.OperatorID(operator.UUID)
		event.BoothRef = id.BoothID(booth.UUID)
		events = append(events, event)
	}
	return events, rows.Err()
}

func nullUUID(u uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: u, Valid: u != uuid.Nil}
}
