package checkpoint

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archnetwork/arch-indexer/internal/model"
)

// SQLStore persists the checkpoint as a single row in a relational table.
// The row is updated in place; Postgres's WAL provides the crash-safety
// guarantee the file backend gets from explicit fsync, so durability here
// reduces to "the UPDATE committed".
type SQLStore struct {
	pool *pgxpool.Pool
	mu   sync.Mutex // serializes read-modify-write of the single row
}

const checkpointTableDDL = `
CREATE TABLE IF NOT EXISTS indexer_checkpoint (
	id INTEGER PRIMARY KEY DEFAULT 1,
	highest_contiguous BIGINT NOT NULL DEFAULT 0,
	known_tip BIGINT NOT NULL DEFAULT 0,
	pending_gaps JSONB NOT NULL DEFAULT '[]',
	CONSTRAINT single_row CHECK (id = 1)
);`

// OpenSQLStore ensures the checkpoint table exists and returns a store bound
// to the given pool. The pool should be a dedicated write pool, distinct
// from the read sub-pool.
func OpenSQLStore(ctx context.Context, pool *pgxpool.Pool) (*SQLStore, error) {
	if _, err := pool.Exec(ctx, checkpointTableDDL); err != nil {
		return nil, model.Wrap(model.ErrConfigStartup, "create checkpoint table", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO indexer_checkpoint (id) VALUES (1) ON CONFLICT (id) DO NOTHING`); err != nil {
		return nil, model.Wrap(model.ErrConfigStartup, "seed checkpoint row", err)
	}
	return &SQLStore{pool: pool}, nil
}

func (s *SQLStore) Load(ctx context.Context) (model.Checkpoint, error) {
	var cp model.Checkpoint
	var gapsJSON []byte
	row := s.pool.QueryRow(ctx, `SELECT highest_contiguous, known_tip, pending_gaps FROM indexer_checkpoint WHERE id = 1`)
	if err := row.Scan(&cp.HighestContiguous, &cp.KnownTip, &gapsJSON); err != nil {
		return model.Checkpoint{}, model.Wrap(model.ErrDBTransient, "load checkpoint", err)
	}
	if len(gapsJSON) > 0 {
		if err := json.Unmarshal(gapsJSON, &cp.PendingGaps); err != nil {
			return model.Checkpoint{}, model.Wrap(model.ErrDBFatal, "decode pending_gaps", err)
		}
	}
	return cp, nil
}

func (s *SQLStore) Advance(ctx context.Context, highestContiguous uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if highestContiguous <= cp.HighestContiguous {
		return nil
	}
	gaps := pruneGapsBelow(cp.PendingGaps, highestContiguous)
	raw, err := json.Marshal(gaps)
	if err != nil {
		return model.Wrap(model.ErrInvariantBreach, "marshal pending_gaps", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE indexer_checkpoint SET highest_contiguous = $1, pending_gaps = $2 WHERE id = 1`,
		highestContiguous, raw)
	if err != nil {
		return model.Wrap(model.ErrDBTransient, "advance checkpoint", err)
	}
	return nil
}

func (s *SQLStore) KnownTipUpdate(ctx context.Context, height uint64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE indexer_checkpoint SET known_tip = GREATEST(known_tip, $1) WHERE id = 1`,
		height)
	if err != nil {
		return model.Wrap(model.ErrDBTransient, "update known tip", err)
	}
	return nil
}

// RecordGap and ResolveGap read-modify-write the pending_gaps column under a
// local mutex; the column is only ever touched by C7's single owner task, so
// the mutex exists to protect this process's two code paths, not for
// cross-process exclusion.
func (s *SQLStore) RecordGap(ctx context.Context, gap model.GapRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, err := s.Load(ctx)
	if err != nil {
		return err
	}
	clipped, ok := clipGapAboveCeiling(gap, cp.HighestContiguous)
	if !ok {
		return nil
	}
	gaps := mergeGaps(cp.PendingGaps, clipped)
	return s.writeGaps(ctx, gaps)
}

func (s *SQLStore) ResolveGap(ctx context.Context, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, err := s.Load(ctx)
	if err != nil {
		return err
	}
	gaps := resolveHeight(cp.PendingGaps, height)
	return s.writeGaps(ctx, gaps)
}

func (s *SQLStore) writeGaps(ctx context.Context, gaps []model.GapRange) error {
	raw, err := json.Marshal(gaps)
	if err != nil {
		return model.Wrap(model.ErrInvariantBreach, "marshal pending_gaps", err)
	}
	if _, err := s.pool.Exec(ctx, `UPDATE indexer_checkpoint SET pending_gaps = $1 WHERE id = 1`, raw); err != nil {
		return model.Wrap(model.ErrDBTransient, "write pending_gaps", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	s.pool.Close()
	return nil
}
