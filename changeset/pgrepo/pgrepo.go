// Package pgrepo keeps change-set history in PostgreSQL via pgx.
//
// JSONB columns round-trip through encoding/json, so numbers in changes and
// metadata come back as float64.
package pgrepo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itellico/cachesync"
	"github.com/itellico/cachesync/changeset"
)

const Schema = `
CREATE TABLE IF NOT EXISTS cachesync_change_sets (
    id                TEXT        PRIMARY KEY,
    seq               BIGSERIAL,
    entity_type       TEXT        NOT NULL,
    entity_id         TEXT        NOT NULL,
    tenant_id         TEXT        NOT NULL DEFAULT '',
    operation         TEXT        NOT NULL,
    level             TEXT        NOT NULL,
    status            TEXT        NOT NULL,
    changes           JSONB       NOT NULL,
    old_values        JSONB,
    new_values        JSONB,
    metadata          JSONB,
    version           BIGINT      NOT NULL DEFAULT 0,
    committed_version BIGINT      NOT NULL DEFAULT 0,
    affected_routes   TEXT[],
    created_at        TIMESTAMPTZ NOT NULL,
    applied_at        TIMESTAMPTZ,
    parent_id         TEXT        NOT NULL DEFAULT '',
    rollback_of       TEXT        NOT NULL DEFAULT '',
    conflict          JSONB,
    reason            TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS cachesync_change_sets_history_idx
    ON cachesync_change_sets (entity_type, entity_id, created_at DESC, seq DESC);
CREATE INDEX IF NOT EXISTS cachesync_change_sets_processing_idx
    ON cachesync_change_sets (entity_type, entity_id) WHERE level = 'PROCESSING';
`

type Repository struct{ pool *pgxpool.Pool }

var _ changeset.Repository = (*Repository)(nil)

func New(pool *pgxpool.Pool) *Repository { return &Repository{pool: pool} }

func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}

// seq orders rows with equal created_at by insertion, newest first. It is
// assigned by the database and not part of the change set.
const columns = `id, entity_type, entity_id, tenant_id, operation, level, status,
changes, old_values, new_values, metadata, version, committed_version, affected_routes,
created_at, applied_at, parent_id, rollback_of, conflict, reason`

func (r *Repository) Insert(ctx context.Context, cs *changeset.ChangeSet) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO cachesync_change_sets (`+columns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		args(cs)...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return changeset.ErrDuplicateID
	}
	return err
}

func (r *Repository) Update(ctx context.Context, cs *changeset.ChangeSet) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE cachesync_change_sets SET
    entity_type = $2, entity_id = $3, tenant_id = $4, operation = $5, level = $6, status = $7,
    changes = $8, old_values = $9, new_values = $10, metadata = $11, version = $12,
    committed_version = $13, affected_routes = $14, created_at = $15, applied_at = $16,
    parent_id = $17, rollback_of = $18, conflict = $19, reason = $20
WHERE id = $1`, args(cs)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(cs.ID)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*changeset.ChangeSet, error) {
	cs, err := scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM cachesync_change_sets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	return cs, err
}

func (r *Repository) History(ctx context.Context, entityType, entityID string, opts changeset.HistoryOptions) ([]*changeset.ChangeSet, int, error) {
	opts = opts.Normalize()
	rows, err := r.pool.Query(ctx, `
SELECT `+columns+`, count(*) OVER ()
FROM cachesync_change_sets
WHERE entity_type = $1 AND entity_id = $2 AND ($3 OR rollback_of = '')
ORDER BY created_at DESC, seq DESC
LIMIT $4 OFFSET $5`, entityType, entityID, opts.IncludeRollbacks, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []*changeset.ChangeSet{}
	total := 0
	for rows.Next() {
		var (
			cs changeset.ChangeSet
			n  int64
		)
		if err := rows.Scan(append(dest(&cs), &n)...); err != nil {
			return nil, 0, err
		}
		total = int(n)
		out = append(out, &cs)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(out) == 0 && opts.Offset > 0 {
		// past the end: the window count never ran
		err := r.pool.QueryRow(ctx, `
SELECT count(*) FROM cachesync_change_sets
WHERE entity_type = $1 AND entity_id = $2 AND ($3 OR rollback_of = '')`,
			entityType, entityID, opts.IncludeRollbacks).Scan(&total)
		if err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

func notFound(id string) error { return &cachesync.NotFoundError{Kind: "changeset", Key: id} }

func args(cs *changeset.ChangeSet) []any {
	return []any{
		cs.ID, cs.EntityType, cs.EntityID, cs.TenantID, string(cs.Operation), string(cs.Level), string(cs.Status),
		nonNil(cs.Changes), cs.OldValues, cs.NewValues, cs.Metadata, cs.Version,
		cs.CommittedVersion, cs.AffectedRoutes, cs.CreatedAt.UTC(), utcPtr(cs.AppliedAt),
		cs.ParentID, cs.RollbackOf, cs.Conflict, cs.Reason,
	}
}

func dest(cs *changeset.ChangeSet) []any {
	return []any{
		&cs.ID, &cs.EntityType, &cs.EntityID, &cs.TenantID, &cs.Operation, &cs.Level, &cs.Status,
		&cs.Changes, &cs.OldValues, &cs.NewValues, &cs.Metadata, &cs.Version,
		&cs.CommittedVersion, &cs.AffectedRoutes, &cs.CreatedAt, &cs.AppliedAt,
		&cs.ParentID, &cs.RollbackOf, &cs.Conflict, &cs.Reason,
	}
}

func scan(row pgx.Row) (*changeset.ChangeSet, error) {
	var cs changeset.ChangeSet
	if err := row.Scan(dest(&cs)...); err != nil {
		return nil, err
	}
	return &cs, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
