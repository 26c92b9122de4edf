// Package fetch implements the windowed, bounded-concurrency block+tx
// fetcher (C4). The hybrid controller (C7) pushes heights to admit; the
// pipeline resolves each into a (Block, []Transaction) tuple and publishes
// it on Output for the bulk writer to consume in batches.
package fetch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/archnetwork/arch-indexer/internal/archrpc"
	"github.com/archnetwork/arch-indexer/internal/canon"
	"github.com/archnetwork/arch-indexer/internal/model"
)

// Config holds the pipeline's tunables.
type Config struct {
	FetchWindowSize int
	MaxConcurrency  int
	BulkBatchSize   int
}

// Metrics is the subset of telemetry.Metrics the pipeline reports to. Kept
// as an interface so the pipeline doesn't import the telemetry package.
type Metrics interface {
	SetInFlightFetches(n int)
}

// FetchedRecord is one completed (block, transactions) tuple.
type FetchedRecord struct {
	Block model.Block
	Txs   []model.Transaction
}

// Pipeline admits heights up to FetchWindowSize in flight at once, resolving
// each with up to MaxConcurrency RPC calls outstanding across the whole
// pipeline, not per height.
type Pipeline struct {
	rpc     *archrpc.Client
	cfg     Config
	metrics Metrics
	log     *logrus.Entry

	window *semaphore.Weighted // bounds in-flight admitted heights
	fanout *semaphore.Weighted // bounds concurrent RPC calls across the pipeline

	Output     chan FetchedRecord
	DeadLetter *DeadLetter

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// New constructs a Pipeline. The caller owns Output and must keep draining
// it; Admit blocks (backpressure) once FetchWindowSize heights are in
// flight and the output channel is full. metrics may be nil.
func New(rpc *archrpc.Client, cfg Config, metrics Metrics, log *logrus.Entry) *Pipeline {
	if cfg.FetchWindowSize <= 0 {
		cfg.FetchWindowSize = 1
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.BulkBatchSize <= 0 {
		cfg.BulkBatchSize = 1
	}
	return &Pipeline{
		rpc:        rpc,
		cfg:        cfg,
		metrics:    metrics,
		log:        log,
		window:     semaphore.NewWeighted(int64(cfg.FetchWindowSize)),
		fanout:     semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		Output:     make(chan FetchedRecord, cfg.BulkBatchSize*2),
		DeadLetter: newDeadLetter(),
	}
}

// Admit schedules height for fetching, blocking until a window slot is free.
// It returns only once the height has been accepted into the pipeline, not
// once it has completed; completion is observed via Output.
func (p *Pipeline) Admit(ctx context.Context, height uint64) error {
	if err := p.window.Acquire(ctx, 1); err != nil {
		return model.Wrap(model.ErrTransientNetwork, "admit height", err)
	}
	p.reportInFlight(p.inFlight.Add(1))
	p.wg.Add(1)
	go func() {
		defer func() { p.reportInFlight(p.inFlight.Add(-1)) }()
		defer p.window.Release(1)
		defer p.wg.Done()
		p.fetchOne(ctx, height)
	}()
	return nil
}

func (p *Pipeline) reportInFlight(n int64) {
	if p.metrics != nil {
		p.metrics.SetInFlightFetches(int(n))
	}
}

// Wait blocks until every admitted height has completed (successfully,
// dead-lettered, or context-cancelled). Used by graceful shutdown to drain
// in-flight work before the pipeline stops.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) fetchOne(ctx context.Context, height uint64) {
	if err := p.fanout.Acquire(ctx, 1); err != nil {
		return
	}

	hash, err := p.rpc.GetBlockHash(ctx, height)
	if err != nil {
		p.fanout.Release(1)
		p.handleFetchErr(height, "get_block_hash", err)
		return
	}
	if hash == "" {
		// Not yet available; the height is dropped here. The controller's
		// reconcile tick records it in pending_gaps once it falls below
		// known_tip, and the heal loop re-admits it from there.
		p.fanout.Release(1)
		return
	}

	block, err := p.rpc.GetBlock(ctx, hash)
	p.fanout.Release(1)
	if err != nil {
		p.handleFetchErr(height, "get_block", err)
		return
	}

	txs := make([]model.Transaction, 0, len(block.Transactions))
	for _, txid := range block.Transactions {
		if err := p.fanout.Acquire(ctx, 1); err != nil {
			return
		}
		tx, err := p.rpc.GetProcessedTransaction(ctx, txid)
		p.fanout.Release(1)
		if err != nil {
			p.handleFetchErr(height, "get_processed_transaction", err)
			return
		}
		txs = append(txs, toModelTransaction(height, tx))
	}

	rec := FetchedRecord{
		Block: model.Block{
			Height:             height,
			Hash:               mustCanonHex(block.Hash),
			Timestamp:          model.UnixNano(block.TimestampNanos),
			BitcoinBlockHeight: block.BitcoinBlockHeight,
			TxIDs:              block.Transactions,
		},
		Txs: txs,
	}

	p.DeadLetter.remove(height)
	select {
	case p.Output <- rec:
	case <-ctx.Done():
	}
}

func (p *Pipeline) handleFetchErr(height uint64, op string, err error) {
	switch model.KindOf(err) {
	case model.ErrDataUnavailable, model.ErrTransientNetwork:
		p.log.WithError(err).WithField("height", height).WithField("op", op).Warn("fetch will be retried")
	default:
		p.log.WithError(err).WithField("height", height).WithField("op", op).Error("fetch failed permanently")
		p.DeadLetter.add(height, err.Error())
	}
}

func toModelTransaction(blockHeight uint64, tx *archrpc.Transaction) model.Transaction {
	status := parseStatus(tx.Status)
	rollbackNote := ""
	if len(tx.RollbackStatus) > 0 {
		rollbackNote = string(tx.RollbackStatus)
	}
	return model.Transaction{
		TxID:         mustCanonHex(tx.TxID),
		BlockHeight:  blockHeight,
		Data:         tx.Data,
		Status:       status,
		BitcoinTxIDs: tx.BitcoinTxIDs,
		RollbackNote: rollbackNote,
	}
}

// mustCanonHex runs an on-chain identifier through the canonicalizer; if it
// is already a well-formed id, canonicalization is a no-op.
func mustCanonHex(raw string) string {
	id, ok := canon.Canonicalize(raw)
	if !ok {
		return raw
	}
	return id
}

// parseStatus accepts either a bare status string ("Processed") or a tagged
// object ({"Failed": {"reason": "..."}}); upstream is inconsistent about
// which shape it sends for a given status.
func parseStatus(raw json.RawMessage) model.TransactionStatus {
	if len(raw) == 0 {
		return model.TransactionStatus{Kind: model.StatusOther}
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return statusFromLabel(asString, "")
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asObject); err == nil {
		for label, detail := range asObject {
			var inner struct {
				Reason string `json:"reason"`
			}
			_ = json.Unmarshal(detail, &inner)
			return statusFromLabel(label, inner.Reason)
		}
	}
	return model.TransactionStatus{Kind: model.StatusOther}
}

func statusFromLabel(label, reason string) model.TransactionStatus {
	switch label {
	case "Processed", "processed":
		return model.TransactionStatus{Kind: model.StatusProcessed}
	case "Failed", "failed":
		return model.TransactionStatus{Kind: model.StatusFailed, Reason: reason}
	case "Pending", "pending":
		return model.TransactionStatus{Kind: model.StatusPending}
	default:
		return model.TransactionStatus{Kind: model.StatusOther}
	}
}
