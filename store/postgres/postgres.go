// Package postgres is the store.Store on PostgreSQL via pgx. Entities live in
// one table keyed by (entity_type, entity_id) with a JSONB payload; Patch
// locks the row, checks the version and writes inside one transaction.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itellico/cachesync"
	"github.com/itellico/cachesync/store"
)

// Schema creates the entities table. Migrate runs it.
const Schema = `
CREATE TABLE IF NOT EXISTS cachesync_entities (
    entity_type TEXT        NOT NULL,
    entity_id   TEXT        NOT NULL,
    tenant_id   TEXT        NOT NULL DEFAULT '',
    version     BIGINT      NOT NULL,
    data        JSONB       NOT NULL DEFAULT '{}'::jsonb,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (entity_type, entity_id)
);
CREATE INDEX IF NOT EXISTS cachesync_entities_tenant_idx ON cachesync_entities (tenant_id, entity_type);
`

type Store struct{ pool *pgxpool.Pool }

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Open parses dsn, builds a pool and pings it.
func Open(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		pcfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}

func notFound(entityType, id string) error {
	return &cachesync.NotFoundError{Kind: "entity", Key: entityType + "/" + id}
}

const selectEntity = `
SELECT entity_type, entity_id, tenant_id, version, data, updated_at
FROM cachesync_entities
WHERE entity_type = $1 AND entity_id = $2`

func scanEntity(row pgx.Row) (*store.Entity, error) {
	var e store.Entity
	if err := row.Scan(&e.Type, &e.ID, &e.TenantID, &e.Version, &e.Data, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	return &e, nil
}

func (s *Store) FindByKey(ctx context.Context, entityType, id string) (*store.Entity, error) {
	e, err := scanEntity(s.pool.QueryRow(ctx, selectEntity, entityType, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(entityType, id)
	}
	return e, err
}

func (s *Store) Patch(ctx context.Context, entityType, id string, changes map[string]any, expectedVersion int64) (*store.PatchResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanEntity(tx.QueryRow(ctx, selectEntity+" FOR UPDATE", entityType, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(entityType, id)
	}
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, &cachesync.ConflictError{
			EntityType:      entityType,
			EntityID:        id,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  cur.Version,
			Current:         cur.Data,
		}
	}

	next, prev := store.ApplyPatch(cur.Data, changes)
	var updatedAt time.Time
	err = tx.QueryRow(ctx, `
UPDATE cachesync_entities
SET data = $3, version = version + 1, updated_at = now()
WHERE entity_type = $1 AND entity_id = $2 AND version = $4
RETURNING updated_at`, entityType, id, next, expectedVersion).Scan(&updatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	cur.Data = next
	cur.Version = expectedVersion + 1
	cur.UpdatedAt = updatedAt
	return &store.PatchResult{Entity: cur, Previous: prev}, nil
}

func (s *Store) Create(ctx context.Context, in store.Entity) (*store.Entity, error) {
	data := in.Data
	if data == nil {
		data = map[string]any{}
	}
	e, err := scanEntity(s.pool.QueryRow(ctx, `
INSERT INTO cachesync_entities (entity_type, entity_id, tenant_id, version, data)
VALUES ($1, $2, $3, 1, $4)
RETURNING entity_type, entity_id, tenant_id, version, data, updated_at`,
		in.Type, in.ID, in.TenantID, data))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		cur, ferr := s.FindByKey(ctx, in.Type, in.ID)
		if ferr != nil {
			return nil, ferr
		}
		return nil, &cachesync.ConflictError{
			EntityType:     in.Type,
			EntityID:       in.ID,
			CurrentVersion: cur.Version,
			Current:        cur.Data,
		}
	}
	return e, err
}
