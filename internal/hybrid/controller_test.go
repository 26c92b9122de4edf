package hybrid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/archnetwork/arch-indexer/internal/archrpc"
	"github.com/archnetwork/arch-indexer/internal/checkpoint"
	"github.com/archnetwork/arch-indexer/internal/fetch"
	"github.com/archnetwork/arch-indexer/internal/model"
	"github.com/archnetwork/arch-indexer/internal/store"
	"github.com/archnetwork/arch-indexer/internal/telemetry"
)

func newTestMetrics() *telemetry.Metrics {
	return telemetry.New(nil, testLogger())
}

type testRPCCall struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type fakeRPC struct {
	mu    sync.Mutex
	count uint64
}

func (f *fakeRPC) GetBlockCount(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, nil
}

type fakeReader struct {
	maxHeight  uint64
	contigBnd  uint64
	missing    map[[2]uint64][]uint64
}

func (f *fakeReader) Ping(ctx context.Context) error { return nil }
func (f *fakeReader) MaxHeight(ctx context.Context) (uint64, error) {
	return f.maxHeight, nil
}
func (f *fakeReader) ContiguousUpperBound(ctx context.Context, start, ceiling uint64) (uint64, error) {
	if f.contigBnd < start {
		return start, nil
	}
	if f.contigBnd > ceiling {
		return ceiling, nil
	}
	return f.contigBnd, nil
}
func (f *fakeReader) MissingHeights(ctx context.Context, lo, hi uint64) ([]uint64, error) {
	return f.missing[[2]uint64{lo, hi}], nil
}

type fakeWriter struct{}

func (fakeWriter) WriteBatch(ctx context.Context, records []store.Record) (store.WriteReport, error) {
	return store.WriteReport{}, nil
}

func (fakeWriter) UpsertTransactionStatus(ctx context.Context, txid string, status model.TransactionStatus) (bool, error) {
	return false, nil
}

func newTestCheckpoint(t *testing.T) checkpoint.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoint.wal")
	cp, err := checkpoint.OpenFileStore(path)
	if err != nil {
		t.Fatalf("open checkpoint: %v", err)
	}
	t.Cleanup(func() { _ = cp.Close() })
	return cp
}

func newTestPipeline(t *testing.T, handler http.HandlerFunc) *fetch.Pipeline {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	rpc := archrpc.New(archrpc.Config{URL: srv.URL, MaxConcurrency: 4, MaxRetries: 0, InitialBackoffMS: 1, MaxBackoffMS: 2}, testLogger())
	return fetch.New(rpc, fetch.Config{FetchWindowSize: 8, MaxConcurrency: 4, BulkBatchSize: 4}, nil, testLogger())
}

func newTestController(t *testing.T, rpc RPC, reader Reader, pipeline *fetch.Pipeline) *Controller {
	t.Helper()
	cp := newTestCheckpoint(t)
	return New(Config{
		ReconcileInterval: time.Hour, // driven manually via reconcileOnce/healOnce in tests
		HealInterval:      time.Hour,
		HealChunkSize:     10,
		BulkThreshold:     5,
	}, rpc, nil, cp, pipeline, fakeWriter{}, reader, nil, newTestMetrics(), testLogger())
}

func TestReconcileOnceAdvancesHighestContiguousAndStopsAtGap(t *testing.T) {
	rpc := &fakeRPC{count: 10}
	reader := &fakeReader{maxHeight: 10, contigBnd: 3}
	pipeline := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })
	ctrl := newTestController(t, rpc, reader, pipeline)

	ctx := context.Background()
	ctrl.reconcileOnce(ctx)

	cp, err := ctrl.checkpt.Load(ctx)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.HighestContiguous != 3 {
		t.Fatalf("expected highest_contiguous=3, got %d", cp.HighestContiguous)
	}
	if cp.KnownTip != 10 {
		t.Fatalf("expected known_tip=10, got %d", cp.KnownTip)
	}
	if len(cp.PendingGaps) != 1 || cp.PendingGaps[0] != (model.GapRange{Lo: 4, Hi: 10}) {
		t.Fatalf("expected gap [4,10], got %+v", cp.PendingGaps)
	}
}

func TestReconcileOnceSwitchesModeOnBacklog(t *testing.T) {
	rpc := &fakeRPC{count: 100}
	reader := &fakeReader{maxHeight: 100, contigBnd: 0}
	pipeline := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })
	ctrl := newTestController(t, rpc, reader, pipeline)

	ctrl.reconcileOnce(context.Background())
	if ctrl.currentMode() != ModeBulk {
		t.Fatalf("expected bulk mode with backlog 100 > threshold 5, got %s", ctrl.currentMode())
	}
}

func TestReconcileOnceStaysRealtimeWithinThreshold(t *testing.T) {
	rpc := &fakeRPC{count: 4}
	reader := &fakeReader{maxHeight: 4, contigBnd: 2}
	pipeline := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })
	ctrl := newTestController(t, rpc, reader, pipeline)

	ctrl.reconcileOnce(context.Background())
	if ctrl.currentMode() != ModeRealtime {
		t.Fatalf("expected realtime mode with backlog 2 <= threshold 5, got %s", ctrl.currentMode())
	}
}

func TestHealOnceSkipsDeadLetteredHeights(t *testing.T) {
	// Height 11 always 400s (permanent failure -> dead-lettered); 10 and 12
	// 404 (not-yet-available, never dead-lettered).
	var heightElevenCalls atomic.Int32
	pipeline := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		var call testRPCCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if len(call.Params) == 1 {
			if h, ok := call.Params[0].(float64); ok && uint64(h) == 11 {
				heightElevenCalls.Add(1)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	})
	rpc := &fakeRPC{count: 20}
	reader := &fakeReader{
		missing: map[[2]uint64][]uint64{{10, 19}: {10, 11, 12}},
	}
	ctrl := newTestController(t, rpc, reader, pipeline)

	ctx := context.Background()
	if err := ctrl.checkpt.RecordGap(ctx, model.GapRange{Lo: 10, Hi: 19}); err != nil {
		t.Fatalf("record gap: %v", err)
	}

	// Pre-populate the dead-letter set for height 11 via a real failed fetch.
	if err := pipeline.Admit(ctx, 11); err != nil {
		t.Fatalf("admit 11: %v", err)
	}
	pipeline.Wait()
	if !pipeline.DeadLetter.Contains(11) {
		t.Fatalf("expected height 11 to be dead-lettered")
	}
	callsBefore := heightElevenCalls.Load()

	ctrl.healOnce(ctx)
	pipeline.Wait()

	// Height 11 must not have been re-admitted: no further RPC call for it
	// reaches the server, and it stays dead-lettered.
	if got := heightElevenCalls.Load(); got != callsBefore {
		t.Fatalf("height 11 was re-fetched by healOnce: %d calls before, %d after", callsBefore, got)
	}
	if !pipeline.DeadLetter.Contains(11) {
		t.Fatalf("height 11 should remain dead-lettered")
	}
}
