package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archnetwork/arch-indexer/internal/model"
)

// Reader answers the read-only queries the hybrid controller needs to
// advance the checkpoint and detect gaps. It is bound to the read sub-pool
// so a burst of reconcile-tick queries can never starve the writer of
// connections.
type Reader struct {
	pool *pgxpool.Pool
}

// NewReader constructs a Reader bound to pool.
func NewReader(pool *pgxpool.Pool) *Reader {
	return &Reader{pool: pool}
}

// Ping checks the read pool is reachable; used by the /health predicate.
func (r *Reader) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return model.Wrap(model.ErrDBTransient, "ping read pool", err)
	}
	return nil
}

// MaxHeight returns the highest stored block height, or 0 if the table is
// empty.
func (r *Reader) MaxHeight(ctx context.Context) (uint64, error) {
	var max *uint64
	row := r.pool.QueryRow(ctx, `SELECT MAX(height) FROM blocks`)
	if err := row.Scan(&max); err != nil {
		return 0, model.Wrap(model.ErrDBTransient, "max height", err)
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// ContiguousUpperBound scans upward from start+1, returning the highest
// height h such that every height in (start, h] is stored and h <= ceiling.
// It stops at the first gap.
func (r *Reader) ContiguousUpperBound(ctx context.Context, start, ceiling uint64) (uint64, error) {
	if start >= ceiling {
		return start, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT height FROM blocks WHERE height > $1 AND height <= $2 ORDER BY height`,
		start, ceiling)
	if err != nil {
		return start, model.Wrap(model.ErrDBTransient, "scan contiguous range", err)
	}
	defer rows.Close()

	bound := start
	expected := start + 1
	for rows.Next() {
		var h uint64
		if err := rows.Scan(&h); err != nil {
			return start, model.Wrap(model.ErrDBTransient, "scan height row", err)
		}
		if h != expected {
			break // gap at `expected`
		}
		bound = h
		expected++
	}
	if err := rows.Err(); err != nil {
		return start, model.Wrap(model.ErrDBTransient, "iterate contiguous range", err)
	}
	return bound, nil
}

// MissingHeights returns every height in [lo, hi] not present in blocks,
// ordered ascending. Used by gap-healing to re-issue scheduling for a known
// gap, chunked by heal_chunk_size.
func (r *Reader) MissingHeights(ctx context.Context, lo, hi uint64) ([]uint64, error) {
	if lo > hi {
		return nil, nil
	}
	present := make(map[uint64]struct{}, hi-lo+1)
	rows, err := r.pool.Query(ctx,
		`SELECT height FROM blocks WHERE height >= $1 AND height <= $2`, lo, hi)
	if err != nil {
		return nil, model.Wrap(model.ErrDBTransient, "query present heights", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h uint64
		if err := rows.Scan(&h); err != nil {
			return nil, model.Wrap(model.ErrDBTransient, "scan present height", err)
		}
		present[h] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, model.Wrap(model.ErrDBTransient, "iterate present heights", err)
	}

	missing := make([]uint64, 0)
	for h := lo; h <= hi; h++ {
		if _, ok := present[h]; !ok {
			missing = append(missing, h)
		}
	}
	return missing, nil
}
