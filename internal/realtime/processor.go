// Package realtime implements the WS event processor (C6): consumes the
// archws event sequence, dedupes, buffers out-of-order transactions under a
// short TTL, and schedules single-height fetches through C4.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/archnetwork/arch-indexer/internal/archws"
	"github.com/archnetwork/arch-indexer/internal/model"
)

// BlockEvent is the decoded payload of a "block" topic message.
type BlockEvent struct {
	Height           uint64 `json:"height"`
	Hash             string `json:"hash"`
	TimestampNanos   int64  `json:"timestamp"`
	TransactionCount *int   `json:"transaction_count"`
	ProgramCounts    any    `json:"program_counts"`
}

// TransactionEvent is the decoded payload of a "transaction" topic message.
type TransactionEvent struct {
	Hash       string   `json:"hash"`
	Status     any      `json:"status"`
	ProgramIDs []string `json:"program_ids"`
}

// bufferedTx is a transaction event whose containing block is not yet known.
type bufferedTx struct {
	ev        TransactionEvent
	expiresAt time.Time
}

// Scheduler is the subset of the fetch pipeline the processor needs: admit a
// single height. Kept as an interface so tests don't need a real pipeline.
type Scheduler interface {
	Admit(ctx context.Context, height uint64) error
}

// KnownTipUpdater lets the processor push observed heights into the
// checkpoint without importing the checkpoint package directly.
type KnownTipUpdater interface {
	KnownTipUpdate(ctx context.Context, height uint64) error
}

// StatusUpdater is the subset of the bulk writer the processor uses to apply
// a status change to an already-persisted transaction in isolation. The
// bool return reports whether a row existed to update: true means the
// transaction's containing block was already known and the update applied,
// false means it wasn't and the event should be buffered instead.
type StatusUpdater interface {
	UpsertTransactionStatus(ctx context.Context, txid string, status model.TransactionStatus) (bool, error)
}

// PushFunc forwards an event verbatim to subscribers of the read API's push
// channel; the core does not interpret these payloads further.
type PushFunc func(topic archws.Topic, data json.RawMessage)

// Config holds C6's tunables.
type Config struct {
	DedupRingSize   int
	TxBufferTTL     time.Duration
	ReapInterval    time.Duration
}

// Processor owns all C6 in-memory state: the dedup ring and the
// out-of-order transaction buffer. No other component touches it directly.
type Processor struct {
	cfg       Config
	scheduler Scheduler
	checkpt   KnownTipUpdater
	status    StatusUpdater
	push      PushFunc
	log       *logrus.Entry

	dedup *lru.Cache[uint64, struct{}]

	mu     sync.Mutex
	buffer map[string]bufferedTx
}

// New constructs a Processor. status may be nil, in which case every
// transaction event is buffered until resolved by ResolveBuffered.
func New(cfg Config, scheduler Scheduler, checkpt KnownTipUpdater, status StatusUpdater, push PushFunc, log *logrus.Entry) (*Processor, error) {
	if cfg.DedupRingSize <= 0 {
		cfg.DedupRingSize = 8192
	}
	if cfg.TxBufferTTL <= 0 {
		cfg.TxBufferTTL = 30 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 10 * time.Second
	}
	dedup, err := lru.New[uint64, struct{}](cfg.DedupRingSize)
	if err != nil {
		return nil, err
	}
	return &Processor{
		cfg:       cfg,
		scheduler: scheduler,
		checkpt:   checkpt,
		status:    status,
		push:      push,
		log:       log,
		dedup:     dedup,
		buffer:    make(map[string]bufferedTx),
	}, nil
}

// Run consumes events until the channel closes or ctx is cancelled, and
// periodically reaps expired buffered transactions.
func (p *Processor) Run(ctx context.Context, events <-chan archws.Event) error {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handle(ctx, ev)
		case <-ticker.C:
			p.reapExpired()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Processor) handle(ctx context.Context, ev archws.Event) {
	switch ev.Topic {
	case archws.TopicBlock:
		p.handleBlock(ctx, ev)
	case archws.TopicTransaction:
		p.handleTransaction(ctx, ev)
	default:
		if p.push != nil {
			p.push(ev.Topic, ev.Data)
		}
	}
}

func (p *Processor) handleBlock(ctx context.Context, ev archws.Event) {
	var be BlockEvent
	if err := json.Unmarshal(ev.Data, &be); err != nil {
		p.log.WithError(err).Warn("block event decode failed")
		return
	}

	if _, seen := p.dedup.Get(be.Height); seen {
		return // already scheduled; duplicate delivery (I5's "flapping feed" case)
	}
	p.dedup.Add(be.Height, struct{}{})

	if p.checkpt != nil {
		if err := p.checkpt.KnownTipUpdate(ctx, be.Height); err != nil {
			p.log.WithError(err).Warn("known_tip update failed")
		}
	}
	if err := p.scheduler.Admit(ctx, be.Height); err != nil {
		p.log.WithError(err).WithField("height", be.Height).Warn("admit from ws block event failed")
	}
	if p.push != nil {
		p.push(ev.Topic, ev.Data)
	}
}

// handleTransaction applies a WS-delivered status change directly if the
// transaction's containing block was already fetched and persisted (its
// row already exists), otherwise buffers the event under a short TTL until
// the writer later resolves it via ResolveBuffered.
func (p *Processor) handleTransaction(ctx context.Context, ev archws.Event) {
	var te TransactionEvent
	if err := json.Unmarshal(ev.Data, &te); err != nil {
		p.log.WithError(err).Warn("transaction event decode failed")
		return
	}

	if p.status != nil {
		applied, err := p.status.UpsertTransactionStatus(ctx, te.Hash, StatusFromEvent(te))
		if err != nil {
			p.log.WithError(err).WithField("txid", te.Hash).Warn("transaction status upsert failed")
		} else if applied {
			return
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer[te.Hash] = bufferedTx{ev: te, expiresAt: time.Now().Add(p.cfg.TxBufferTTL)}
}

// StatusFromEvent maps a WS transaction event's status payload onto the
// shared transaction status taxonomy. Unrecognized or non-string payloads
// map to StatusOther rather than erroring, matching parseStatus's tolerance
// for upstream payload variance in internal/fetch.
func StatusFromEvent(te TransactionEvent) model.TransactionStatus {
	if s, ok := te.Status.(string); ok {
		switch model.StatusKind(s) {
		case model.StatusProcessed, model.StatusFailed, model.StatusPending:
			return model.TransactionStatus{Kind: model.StatusKind(s)}
		}
	}
	return model.TransactionStatus{Kind: model.StatusOther}
}

// ResolveBuffered removes and returns a buffered transaction event for txid,
// called by the writer's integration path once the transaction's block is
// confirmed persisted.
func (p *Processor) ResolveBuffered(txid string) (TransactionEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buffer[txid]
	if !ok {
		return TransactionEvent{}, false
	}
	delete(p.buffer, txid)
	return b.ev, true
}

func (p *Processor) reapExpired() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for txid, b := range p.buffer {
		if now.After(b.expiresAt) {
			delete(p.buffer, txid)
		}
	}
}

// BufferedCount reports the number of transactions currently buffered,
// awaiting their block.
func (p *Processor) BufferedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}
