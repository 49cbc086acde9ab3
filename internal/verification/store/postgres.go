package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"veriflow/internal/verification/models"
	id "veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
)

// Postgres persists sessions in a single table, one row per record. The
// version check is a conditional UPDATE on sync_version; the partial unique
// index on active (identity, booth) pairs backs FindActive without a table
// scan and doubles as a safety net under the service-level invariant.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Schema is applied by deployments and integration tests. Kept here so the
// store and its DDL evolve together.
const Schema = `
CREATE TABLE IF NOT EXISTS verification_sessions (
    id            UUID PRIMARY KEY,
    identity_ref  UUID        NOT NULL,
    operator_ref  UUID        NOT NULL,
    booth_ref     UUID        NOT NULL,
    method        TEXT        NOT NULL DEFAULT '',
    state         TEXT        NOT NULL,
    attempt_count INT         NOT NULL,
    max_attempts  INT         NOT NULL,
    started_at    TIMESTAMPTZ NOT NULL,
    timeout_at    TIMESTAMPTZ NOT NULL,
    completed_at  TIMESTAMPTZ,
    result        JSONB,
    sync_version  BIGINT      NOT NULL,
    events        JSONB       NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS verification_sessions_active_pair
    ON verification_sessions (identity_ref, booth_ref)
    WHERE state IN ('initiated', 'in_progress');

CREATE INDEX IF NOT EXISTS verification_sessions_deadline
    ON verification_sessions (timeout_at)
    WHERE state IN ('initiated', 'in_progress');
`

// EnsureSchema applies the schema. Idempotent.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *Postgres) Create(ctx context.Context, session *models.Session) error {
	stored := session.Clone()
	stored.SyncVersion = 1

	events, result, err := marshalDocs(stored)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO verification_sessions
			(id, identity_ref, operator_ref, booth_ref, method, state,
			 attempt_count, max_attempts, started_at, timeout_at, completed_at,
			 result, sync_version, events)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		stored.ID.String(), stored.IdentityRef.String(), stored.OperatorRef.String(),
		stored.BoothRef.String(), stored.Method.String(), string(stored.State),
		stored.AttemptCount, stored.MaxAttempts, stored.StartedAt, stored.TimeoutAt,
		stored.CompletedAt, result, stored.SyncVersion, events,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert session: %w", err)
	}

	session.SyncVersion = stored.SyncVersion
	return nil
}

func (s *Postgres) Get(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, identity_ref, operator_ref, booth_ref, method, state,
		       attempt_count, max_attempts, started_at, timeout_at, completed_at,
		       result, sync_version, events
		FROM verification_sessions WHERE id = $1`, sessionID.String())
	return scanSession(row)
}

func (s *Postgres) Put(ctx context.Context, session *models.Session, expectedVersion int64) (*models.Session, error) {
	committed := session.Clone()
	committed.SyncVersion = expectedVersion + 1

	events, result, err := marshalDocs(committed)
	if err != nil {
		return nil, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE verification_sessions
		SET method = $2, state = $3, attempt_count = $4, completed_at = $5,
		    result = $6, sync_version = $7, events = $8
		WHERE id = $1 AND sync_version = $9`,
		committed.ID.String(), committed.Method.String(), string(committed.State),
		committed.AttemptCount, committed.CompletedAt, result,
		committed.SyncVersion, events, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Zero rows means either the record is missing or another writer
		// bumped the version first; disambiguate for the caller.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM verification_sessions WHERE id = $1)`,
			committed.ID.String()).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check session existence: %w", err)
		}
		if !exists {
			return nil, sentinel.ErrNotFound
		}
		return nil, sentinel.ErrConflict
	}

	return committed, nil
}

func (s *Postgres) FindActive(ctx context.Context, identityRef id.IdentityID, boothRef id.BoothID) (*models.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, identity_ref, operator_ref, booth_ref, method, state,
		       attempt_count, max_attempts, started_at, timeout_at, completed_at,
		       result, sync_version, events
		FROM verification_sessions
		WHERE identity_ref = $1 AND booth_ref = $2
		  AND state IN ('initiated', 'in_progress')`,
		identityRef.String(), boothRef.String())
	return scanSession(row)
}

func (s *Postgres) ListExpired(ctx context.Context, now time.Time) ([]*models.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, identity_ref, operator_ref, booth_ref, method, state,
		       attempt_count, max_attempts, started_at, timeout_at, completed_at,
		       result, sync_version, events
		FROM verification_sessions
		WHERE state IN ('initiated', 'in_progress') AND timeout_at <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	var expired []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, session)
	}
	return expired, rows.Err()
}

func marshalDocs(session *models.Session) (events []byte, result []byte, err error) {
	events, err = json.Marshal(session.Events)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal events: %w", err)
	}
	if session.Result != nil {
		result, err = json.Marshal(session.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal result: %w", err)
		}
	}
	return events, result, nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var session models.Session
	var rawID, rawIdentity, rawOperator, rawBooth string
	var rawMethod, rawState string
	var rawResult, rawEvents []byte
	err := row.Scan(
		&rawID, &rawIdentity, &rawOperator, &rawBooth, &rawMethod, &rawState,
		&session.AttemptCount, &session.MaxAttempts, &session.StartedAt,
		&session.TimeoutAt, &session.CompletedAt, &rawResult,
		&session.SyncVersion, &rawEvents,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if session.ID, err = id.ParseSessionID(rawID); err != nil {
		return nil, err
	}
	if session.IdentityRef, err = id.ParseIdentityID(rawIdentity); err != nil {
		return nil, err
	}
	if session.OperatorRef, err = id.ParseOperatorID(rawOperator); err != nil {
		return nil, err
	}
	if session.BoothRef, err = id.ParseBoothID(rawBooth); err != nil {
		return nil, err
	}
	if rawMethod != "" {
		if session.Method, err = id.ParseMethod(rawMethod); err != nil {
			return nil, err
		}
	}
	session.State = models.State(rawState)
	if len(rawResult) > 0 {
		session.Result = &models.Result{}
		if err := json.Unmarshal(rawResult, session.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if err := json.Unmarshal(rawEvents, &session.Events); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}
	return &session, nil
}
