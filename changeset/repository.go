package changeset

import (
	"context"
	"sort"
	"sync"

	"github.com/itellico/cachesync"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// HistoryOptions page through an entity's change sets, newest first.
// Compensating rollback records are hidden unless IncludeRollbacks is set.
type HistoryOptions struct {
	IncludeRollbacks bool
	Limit            int // 0 => 50, capped at 500
	Offset           int
}

// Normalize applies the default and maximum page size.
func (o HistoryOptions) Normalize() HistoryOptions {
	if o.Limit <= 0 {
		o.Limit = defaultHistoryLimit
	}
	if o.Limit > maxHistoryLimit {
		o.Limit = maxHistoryLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// Repository persists change sets. Get and Update return a
// *cachesync.NotFoundError for unknown ids.
type Repository interface {
	Insert(ctx context.Context, cs *ChangeSet) error
	Update(ctx context.Context, cs *ChangeSet) error
	Get(ctx context.Context, id string) (*ChangeSet, error)
	History(ctx context.Context, entityType, entityID string, opts HistoryOptions) ([]*ChangeSet, int, error)
}

func notFound(id string) error { return &cachesync.NotFoundError{Kind: "changeset", Key: id} }

type memRow struct {
	cs  *ChangeSet
	seq uint64 // insertion order breaks createdAt ties
}

// MemoryRepository keeps change sets in process.
type MemoryRepository struct {
	mu   sync.RWMutex
	rows map[string]*memRow
	seq  uint64
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]*memRow)}
}

func (r *MemoryRepository) Insert(_ context.Context, cs *ChangeSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[cs.ID]; ok {
		return ErrDuplicateID
	}
	r.seq++
	r.rows[cs.ID] = &memRow{cs: cs.Clone(), seq: r.seq}
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, cs *ChangeSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[cs.ID]
	if !ok {
		return notFound(cs.ID)
	}
	row.cs = cs.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*ChangeSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, notFound(id)
	}
	return row.cs.Clone(), nil
}

func (r *MemoryRepository) History(_ context.Context, entityType, entityID string, opts HistoryOptions) ([]*ChangeSet, int, error) {
	opts = opts.Normalize()
	r.mu.RLock()
	var rows []*memRow
	for _, row := range r.rows {
		cs := row.cs
		if cs.EntityType != entityType || cs.EntityID != entityID {
			continue
		}
		if !opts.IncludeRollbacks && cs.RollbackOf != "" {
			continue
		}
		rows = append(rows, row)
	}
	r.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].cs.CreatedAt, rows[j].cs.CreatedAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return rows[i].seq > rows[j].seq
	})
	total := len(rows)
	if opts.Offset >= total {
		return []*ChangeSet{}, total, nil
	}
	end := opts.Offset + opts.Limit
	if end > total {
		end = total
	}
	out := make([]*ChangeSet, 0, end-opts.Offset)
	for _, row := range rows[opts.Offset:end] {
		out = append(out, row.cs.Clone())
	}
	return out, total, nil
}

// processing counts change sets of one entity at level PROCESSING.
func (r *MemoryRepository) processing(entityType, entityID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, row := range r.rows {
		if row.cs.EntityType == entityType && row.cs.EntityID == entityID && row.cs.Level == LevelProcessing {
			n++
		}
	}
	return n
}
