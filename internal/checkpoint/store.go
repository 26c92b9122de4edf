// Package checkpoint implements the durable "highest contiguous block
// indexed" record (C3). Two interchangeable backends sit behind the Store
// interface: a file-backed append-only log (file_store.go) and a relational
// single-row table (sql_store.go), selected by checkpoint.backend.
package checkpoint

import (
	"context"

	"github.com/archnetwork/arch-indexer/internal/model"
)

// Store is the durability boundary for indexing progress. Every mutation
// must be durable before the call returns; a crash mid-write must never
// leave a partial advance visible.
type Store interface {
	Load(ctx context.Context) (model.Checkpoint, error)
	Advance(ctx context.Context, highestContiguous uint64) error
	RecordGap(ctx context.Context, gap model.GapRange) error
	ResolveGap(ctx context.Context, height uint64) error
	KnownTipUpdate(ctx context.Context, height uint64) error
	Close() error
}

// mergeGaps inserts gap into gaps, keeping the slice sorted by Lo and
// merging overlapping/adjacent ranges. Shared by both backends so the
// in-memory representation behaves identically regardless of durability
// mechanism.
func mergeGaps(gaps []model.GapRange, gap model.GapRange) []model.GapRange {
	out := make([]model.GapRange, 0, len(gaps)+1)
	inserted := false
	for _, g := range gaps {
		if inserted || g.Hi+1 < gap.Lo {
			out = append(out, g)
			continue
		}
		if gap.Hi+1 < g.Lo {
			out = append(out, gap)
			inserted = true
			out = append(out, g)
			continue
		}
		// overlap or adjacency: merge
		if g.Lo < gap.Lo {
			gap.Lo = g.Lo
		}
		if g.Hi > gap.Hi {
			gap.Hi = g.Hi
		}
	}
	if !inserted {
		out = append(out, gap)
	}
	return out
}

// resolveHeight removes height from every gap it falls within, splitting a
// gap into two when height is strictly interior.
func resolveHeight(gaps []model.GapRange, height uint64) []model.GapRange {
	out := make([]model.GapRange, 0, len(gaps)+1)
	for _, g := range gaps {
		if !g.Contains(height) {
			out = append(out, g)
			continue
		}
		if g.Lo < height {
			out = append(out, model.GapRange{Lo: g.Lo, Hi: height - 1})
		}
		if g.Hi > height {
			out = append(out, model.GapRange{Lo: height + 1, Hi: g.Hi})
		}
	}
	return out
}

// clipGapAboveCeiling clips gap to the portion still above ceiling. ok is
// false when the whole range is already covered (gap.Hi <= ceiling), in
// which case the gap is resolved and must not be recorded at all.
func clipGapAboveCeiling(gap model.GapRange, ceiling uint64) (model.GapRange, bool) {
	if gap.Hi <= ceiling {
		return model.GapRange{}, false
	}
	if gap.Lo <= ceiling {
		gap.Lo = ceiling + 1
	}
	return gap, true
}

// pruneGapsBelow clips every gap in gaps against ceiling, dropping any that
// fall entirely at or below it. Called whenever highest_contiguous advances,
// so a gap already covered by the new ceiling can never linger unhealed.
func pruneGapsBelow(gaps []model.GapRange, ceiling uint64) []model.GapRange {
	out := make([]model.GapRange, 0, len(gaps))
	for _, g := range gaps {
		if clipped, ok := clipGapAboveCeiling(g, ceiling); ok {
			out = append(out, clipped)
		}
	}
	return out
}
