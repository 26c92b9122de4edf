package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/archnetwork/arch-indexer/internal/archws"
	"github.com/archnetwork/arch-indexer/internal/model"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type fakeScheduler struct {
	admitted []uint64
}

func (f *fakeScheduler) Admit(ctx context.Context, height uint64) error {
	f.admitted = append(f.admitted, height)
	return nil
}

type fakeKnownTipUpdater struct {
	tips []uint64
}

func (f *fakeKnownTipUpdater) KnownTipUpdate(ctx context.Context, height uint64) error {
	f.tips = append(f.tips, height)
	return nil
}

type fakeStatusUpdater struct {
	known   map[string]bool
	applied map[string]model.TransactionStatus
}

func (f *fakeStatusUpdater) UpsertTransactionStatus(ctx context.Context, txid string, status model.TransactionStatus) (bool, error) {
	if !f.known[txid] {
		return false, nil
	}
	if f.applied == nil {
		f.applied = make(map[string]model.TransactionStatus)
	}
	f.applied[txid] = status
	return true, nil
}

func blockEventData(t *testing.T, height uint64, hash string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(BlockEvent{Height: height, Hash: hash})
	if err != nil {
		t.Fatalf("marshal block event: %v", err)
	}
	return raw
}

func TestHandleBlockAdmitsAndUpdatesTip(t *testing.T) {
	sched := &fakeScheduler{}
	tip := &fakeKnownTipUpdater{}
	p, err := New(Config{}, sched, tip, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	events := make(chan archws.Event, 1)
	events <- archws.Event{Topic: archws.TopicBlock, Data: blockEventData(t, 10, "aa")}
	close(events)

	if err := p.Run(context.Background(), events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sched.admitted) != 1 || sched.admitted[0] != 10 {
		t.Fatalf("expected height 10 admitted, got %v", sched.admitted)
	}
	if len(tip.tips) != 1 || tip.tips[0] != 10 {
		t.Fatalf("expected known_tip updated to 10, got %v", tip.tips)
	}
}

func TestHandleBlockDedupesRepeatedHeight(t *testing.T) {
	sched := &fakeScheduler{}
	tip := &fakeKnownTipUpdater{}
	p, err := New(Config{}, sched, tip, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	events := make(chan archws.Event, 2)
	events <- archws.Event{Topic: archws.TopicBlock, Data: blockEventData(t, 5, "bb")}
	events <- archws.Event{Topic: archws.TopicBlock, Data: blockEventData(t, 5, "bb")}
	close(events)

	if err := p.Run(context.Background(), events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sched.admitted) != 1 {
		t.Fatalf("expected exactly one admit for a duplicate block event, got %d", len(sched.admitted))
	}
}

func TestHandleTransactionBuffersUntilResolved(t *testing.T) {
	sched := &fakeScheduler{}
	p, err := New(Config{}, sched, nil, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	te := TransactionEvent{Hash: "tx1", ProgramIDs: []string{"spl-token"}}
	raw, err := json.Marshal(te)
	if err != nil {
		t.Fatalf("marshal tx event: %v", err)
	}

	events := make(chan archws.Event, 1)
	events <- archws.Event{Topic: archws.TopicTransaction, Data: raw}
	close(events)

	if err := p.Run(context.Background(), events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.BufferedCount() != 1 {
		t.Fatalf("expected one buffered transaction, got %d", p.BufferedCount())
	}

	resolved, ok := p.ResolveBuffered("tx1")
	if !ok {
		t.Fatalf("expected buffered transaction to resolve")
	}
	if resolved.Hash != "tx1" {
		t.Fatalf("expected resolved hash tx1, got %s", resolved.Hash)
	}
	if p.BufferedCount() != 0 {
		t.Fatalf("expected buffer drained after resolve, got %d", p.BufferedCount())
	}
}

func TestHandleTransactionUpsertsStatusForKnownBlock(t *testing.T) {
	sched := &fakeScheduler{}
	status := &fakeStatusUpdater{known: map[string]bool{"tx1": true}}
	p, err := New(Config{}, sched, nil, status, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	te := TransactionEvent{Hash: "tx1", Status: "processed"}
	raw, err := json.Marshal(te)
	if err != nil {
		t.Fatalf("marshal tx event: %v", err)
	}

	events := make(chan archws.Event, 1)
	events <- archws.Event{Topic: archws.TopicTransaction, Data: raw}
	close(events)

	if err := p.Run(context.Background(), events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.BufferedCount() != 0 {
		t.Fatalf("expected no buffering when containing block is already known, got %d", p.BufferedCount())
	}
	got, ok := status.applied["tx1"]
	if !ok {
		t.Fatalf("expected status upsert applied for tx1")
	}
	if got.Kind != model.StatusProcessed {
		t.Fatalf("expected processed status, got %v", got.Kind)
	}
}

func TestReapExpiredRemovesStaleBufferedTransactions(t *testing.T) {
	sched := &fakeScheduler{}
	p, err := New(Config{TxBufferTTL: time.Millisecond}, sched, nil, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw, err := json.Marshal(TransactionEvent{Hash: "tx-stale"})
	if err != nil {
		t.Fatalf("marshal tx event: %v", err)
	}
	p.handleTransaction(context.Background(), archws.Event{Topic: archws.TopicTransaction, Data: raw})

	time.Sleep(5 * time.Millisecond)
	p.reapExpired()

	if p.BufferedCount() != 0 {
		t.Fatalf("expected stale buffered transaction reaped, got %d remaining", p.BufferedCount())
	}
}

func TestUnhandledTopicForwardsToPush(t *testing.T) {
	sched := &fakeScheduler{}
	var pushed []archws.Topic
	push := func(topic archws.Topic, data json.RawMessage) {
		pushed = append(pushed, topic)
	}
	p, err := New(Config{}, sched, nil, nil, push, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	events := make(chan archws.Event, 1)
	events <- archws.Event{Topic: archws.TopicDKG, Data: json.RawMessage(`{}`)}
	close(events)

	if err := p.Run(context.Background(), events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pushed) != 1 || pushed[0] != archws.TopicDKG {
		t.Fatalf("expected dkg topic forwarded to push, got %v", pushed)
	}
}
