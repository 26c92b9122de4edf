package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/archnetwork/arch-indexer/internal/model"
)

func TestFileStoreAdvanceAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.wal")
	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Advance(ctx, 100); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := s.KnownTipUpdate(ctx, 150); err != nil {
		t.Fatalf("KnownTipUpdate: %v", err)
	}
	if err := s.RecordGap(ctx, model.GapRange{Lo: 101, Hi: 149}); err != nil {
		t.Fatalf("RecordGap: %v", err)
	}

	cp, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.HighestContiguous != 100 || cp.KnownTip != 150 {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
	if len(cp.PendingGaps) != 1 || cp.PendingGaps[0] != (model.GapRange{Lo: 101, Hi: 149}) {
		t.Fatalf("unexpected gaps: %+v", cp.PendingGaps)
	}
}

func TestFileStoreAdvanceNeverRegresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.wal")
	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	_ = s.Advance(ctx, 100)
	_ = s.Advance(ctx, 50) // must not regress

	cp, _ := s.Load(ctx)
	if cp.HighestContiguous != 100 {
		t.Fatalf("expected highest_contiguous to stay 100, got %d", cp.HighestContiguous)
	}
}

func TestFileStoreReplaysOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.wal")
	ctx := context.Background()

	s1, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	_ = s1.Advance(ctx, 200)
	_ = s1.RecordGap(ctx, model.GapRange{Lo: 201, Hi: 210})
	_ = s1.ResolveGap(ctx, 205)
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen OpenFileStore: %v", err)
	}
	defer s2.Close()

	cp, err := s2.Load(ctx)
	if err != nil {
		t.Fatalf("Load after reopen: %v", err)
	}
	if cp.HighestContiguous != 200 {
		t.Fatalf("expected replayed highest_contiguous 200, got %d", cp.HighestContiguous)
	}
	want := []model.GapRange{{Lo: 201, Hi: 204}, {Lo: 206, Hi: 210}}
	if len(cp.PendingGaps) != len(want) {
		t.Fatalf("expected gaps %+v, got %+v", want, cp.PendingGaps)
	}
	for i := range want {
		if cp.PendingGaps[i] != want[i] {
			t.Fatalf("expected gaps %+v, got %+v", want, cp.PendingGaps)
		}
	}
}

func TestFileStoreGapWithHiBelowHighestContiguousResolvesImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.wal")
	ctx := context.Background()

	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer s.Close()

	_ = s.Advance(ctx, 1000)
	_ = s.RecordGap(ctx, model.GapRange{Lo: 500, Hi: 600})
	cp, _ := s.Load(ctx)
	if len(cp.PendingGaps) != 0 {
		t.Fatalf("expected gap below highest_contiguous resolved on insertion, got %+v", cp.PendingGaps)
	}
	for h := uint64(500); h <= 600; h++ {
		_ = s.ResolveGap(ctx, h)
	}

	cp, _ = s.Load(ctx)
	if len(cp.PendingGaps) != 0 {
		t.Fatalf("expected gap fully resolved, got %+v", cp.PendingGaps)
	}
}
