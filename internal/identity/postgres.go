package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	id "veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
)

// Schema creates the identities roster table.
const Schema = `
CREATE TABLE IF NOT EXISTS identities (
	id             UUID PRIMARY KEY,
	blocked        BOOLEAN NOT NULL DEFAULT FALSE,
	assigned_booth UUID,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Postgres reads identity eligibility from the roster table.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure identities schema: %w", err)
	}
	return nil
}

func (p *Postgres) FindActiveIdentity(ctx context.Context, identityRef id.IdentityID) (Record, error) {
	const q = `SELECT id, blocked, assigned_booth FROM identities WHERE id = $1`

	var (
		rec      Record
		rawID    string
		rawBooth *string
	)
	err := p.pool.QueryRow(ctx, q, identityRef.String()).Scan(&rawID, &rec.Blocked, &rawBooth)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("query identity: %w", err)
	}
	if rec.ID, err = id.ParseIdentityID(rawID); err != nil {
		return Record{}, err
	}
	if rawBooth != nil {
		if rec.AssignedBooth, err = id.ParseBoothID(*rawBooth); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}
