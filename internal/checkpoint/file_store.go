package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/archnetwork/arch-indexer/internal/model"
)

// walOp tags the kind of mutation recorded in one WAL line.
type walOp string

const (
	opAdvance        walOp = "advance"
	opRecordGap      walOp = "record_gap"
	opResolveGap     walOp = "resolve_gap"
	opKnownTipUpdate walOp = "known_tip_update"
)

type walRecord struct {
	Op     walOp  `json:"op"`
	Height uint64 `json:"height,omitempty"`
	Lo     uint64 `json:"lo,omitempty"`
	Hi     uint64 `json:"hi,omitempty"`
}

// FileStore is a single-writer append-only log. Every mutation is appended
// as one JSON line and fsynced before the call returns; on open, the full
// log is replayed to reconstruct in-memory state. This mirrors the teacher
// ledger's WAL-replay pattern (core/ledger.go's NewLedger), generalized from
// block application to checkpoint mutations.
type FileStore struct {
	mu    sync.Mutex // the store's only contended lock; held for append+fsync
	file  *os.File
	state model.Checkpoint
}

// OpenFileStore opens (creating if absent) the WAL at path and replays it.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, model.Wrap(model.ErrConfigStartup, "open checkpoint wal", err)
	}

	s := &FileStore{file: f}
	if err := s.replay(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) replay() error {
	if _, err := s.file.Seek(0, 0); err != nil {
		return model.Wrap(model.ErrConfigStartup, "seek checkpoint wal", err)
	}
	scanner := bufio.NewScanner(s.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec walRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return model.Wrap(model.ErrConfigStartup, "replay checkpoint wal", err)
		}
		s.apply(rec)
	}
	if err := scanner.Err(); err != nil {
		return model.Wrap(model.ErrConfigStartup, "scan checkpoint wal", err)
	}
	if _, err := s.file.Seek(0, 2); err != nil {
		return model.Wrap(model.ErrConfigStartup, "seek checkpoint wal end", err)
	}
	return nil
}

func (s *FileStore) apply(rec walRecord) {
	switch rec.Op {
	case opAdvance:
		if rec.Height > s.state.HighestContiguous {
			s.state.HighestContiguous = rec.Height
			s.state.PendingGaps = pruneGapsBelow(s.state.PendingGaps, s.state.HighestContiguous)
		}
	case opRecordGap:
		gap, ok := clipGapAboveCeiling(model.GapRange{Lo: rec.Lo, Hi: rec.Hi}, s.state.HighestContiguous)
		if ok {
			s.state.PendingGaps = mergeGaps(s.state.PendingGaps, gap)
		}
	case opResolveGap:
		s.state.PendingGaps = resolveHeight(s.state.PendingGaps, rec.Height)
	case opKnownTipUpdate:
		if rec.Height > s.state.KnownTip {
			s.state.KnownTip = rec.Height
		}
	}
}

func (s *FileStore) append(rec walRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return model.Wrap(model.ErrInvariantBreach, "marshal checkpoint record", err)
	}
	line = append(line, '\n')
	if _, err := s.file.Write(line); err != nil {
		return model.Wrap(model.ErrDBFatal, "write checkpoint wal", err)
	}
	if err := s.file.Sync(); err != nil {
		return model.Wrap(model.ErrDBFatal, "fsync checkpoint wal", err)
	}
	s.apply(rec)
	return nil
}

func (s *FileStore) Load(_ context.Context) (model.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.state
	cp.PendingGaps = append([]model.GapRange(nil), s.state.PendingGaps...)
	return cp, nil
}

func (s *FileStore) Advance(_ context.Context, highestContiguous uint64) error {
	return s.append(walRecord{Op: opAdvance, Height: highestContiguous})
}

func (s *FileStore) RecordGap(_ context.Context, gap model.GapRange) error {
	return s.append(walRecord{Op: opRecordGap, Lo: gap.Lo, Hi: gap.Hi})
}

func (s *FileStore) ResolveGap(_ context.Context, height uint64) error {
	return s.append(walRecord{Op: opResolveGap, Height: height})
}

func (s *FileStore) KnownTipUpdate(_ context.Context, height uint64) error {
	return s.append(walRecord{Op: opKnownTipUpdate, Height: height})
}

func (s *FileStore) Close() error {
	return s.file.Close()
}
