package store

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archnetwork/arch-indexer/internal/model"
)

// Record pairs a block with the transactions the fetch pipeline resolved
// for it, the unit C4 hands to Write.
type Record struct {
	Block model.Block
	Txs   []model.Transaction
}

// WriteReport is returned by WriteBatch; HeightsPersisted holds the height of
// every block in the committed batch, including blocks that were already
// stored (conflict no-ops), since all of them are present once the commit
// succeeds. It drives the controller's checkpoint advance.
type WriteReport struct {
	HeightsPersisted []uint64
}

// Writer is the transactional bulk upsert writer (C5).
type Writer struct {
	pool          *pgxpool.Pool
	useCopyBulk   bool
	copyThreshold int
	maxRetries    int
}

// NewWriter constructs a Writer. copyThreshold is the batch size at or above
// which the COPY path is used when useCopyBulk is enabled.
func NewWriter(pool *pgxpool.Pool, useCopyBulk bool, copyThreshold, maxRetries int) *Writer {
	if copyThreshold <= 0 {
		copyThreshold = 500
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Writer{pool: pool, useCopyBulk: useCopyBulk, copyThreshold: copyThreshold, maxRetries: maxRetries}
}

// WriteBatch persists records atomically in one transaction, retrying
// transient DB errors with jitter. Both the COPY and the batched-INSERT
// paths must leave identical observable state: conflict on
// (height) or (txid) is a no-op, and created_at is set only on insert (I4).
func (w *Writer) WriteBatch(ctx context.Context, records []Record) (WriteReport, error) {
	var report WriteReport
	var lastErr error

	backoff := 50 * time.Millisecond
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		report, lastErr = w.writeOnce(ctx, records)
		if lastErr == nil {
			return report, nil
		}
		if model.KindOf(lastErr) != model.ErrDBTransient {
			return WriteReport{}, lastErr
		}
		if attempt == w.maxRetries {
			break
		}
		if !sleepWithJitter(ctx, backoff) {
			return WriteReport{}, model.Wrap(model.ErrDBTransient, "write batch", ctx.Err())
		}
		backoff *= 2
	}
	return WriteReport{}, lastErr
}

func sleepWithJitter(ctx context.Context, base time.Duration) bool {
	factor := 0.5 + rand.Float64()
	d := time.Duration(float64(base) * factor)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Writer) writeOnce(ctx context.Context, records []Record) (WriteReport, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return WriteReport{}, classifyDBErr(err, "begin write batch")
	}
	defer tx.Rollback(ctx)

	var persisted []uint64
	if w.useCopyBulk && len(records) >= w.copyThreshold {
		persisted, err = writeBatchCopy(ctx, tx, records)
	} else {
		persisted, err = writeBatchInsert(ctx, tx, records)
	}
	if err != nil {
		return WriteReport{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return WriteReport{}, classifyDBErr(err, "commit write batch")
	}
	return WriteReport{HeightsPersisted: persisted}, nil
}

// writeBatchInsert queues one parameterized single-row INSERT per block and
// per transaction into a pgx.Batch per table, with conflict-do-nothing
// semantics. It does not build multi-row INSERT statements.
func writeBatchInsert(ctx context.Context, tx pgx.Tx, records []Record) ([]uint64, error) {
	persisted := make([]uint64, 0, len(records))

	blockRows := &pgx.Batch{}
	for _, r := range records {
		blockRows.Queue(
			`INSERT INTO blocks (height, hash, timestamp, bitcoin_block_height)
			 VALUES ($1, $2, $3, $4) ON CONFLICT (height) DO NOTHING`,
			r.Block.Height, r.Block.Hash, r.Block.Timestamp, r.Block.BitcoinBlockHeight,
		)
	}
	if err := execBatch(ctx, tx, blockRows); err != nil {
		return nil, classifyDBErr(err, "insert blocks")
	}

	txRows := &pgx.Batch{}
	txCount := 0
	for _, r := range records {
		for _, tr := range r.Txs {
			if err := checkBlockExists(r.Block.Height, tr.BlockHeight); err != nil {
				return nil, err
			}
			txRows.Queue(
				`INSERT INTO transactions (txid, block_height, data, status, bitcoin_txids, created_at)
				 VALUES ($1, $2, $3, $4, $5, now()) ON CONFLICT (txid) DO NOTHING`,
				tr.TxID, tr.BlockHeight, tr.Data, string(tr.Status.Kind), tr.BitcoinTxIDs,
			)
			txCount++
		}
	}
	if txCount > 0 {
		if err := execBatch(ctx, tx, txRows); err != nil {
			return nil, classifyDBErr(err, "insert transactions")
		}
	}

	for _, r := range records {
		persisted = append(persisted, r.Block.Height)
	}
	return persisted, nil
}

// writeBatchCopy streams blocks and transactions through COPY for
// large batches. A staging approach (COPY into a temp table, then
// INSERT ... ON CONFLICT DO NOTHING from it) preserves the same
// conflict-do-nothing semantics COPY itself cannot express.
func writeBatchCopy(ctx context.Context, tx pgx.Tx, records []Record) ([]uint64, error) {
	if _, err := tx.Exec(ctx, `CREATE TEMP TABLE _blocks_stage (LIKE blocks INCLUDING DEFAULTS) ON COMMIT DROP`); err != nil {
		return nil, classifyDBErr(err, "create blocks staging table")
	}
	if _, err := tx.Exec(ctx, `CREATE TEMP TABLE _tx_stage (LIKE transactions INCLUDING DEFAULTS) ON COMMIT DROP`); err != nil {
		return nil, classifyDBErr(err, "create tx staging table")
	}

	blockSrc := make([][]any, 0, len(records))
	for _, r := range records {
		blockSrc = append(blockSrc, []any{r.Block.Height, r.Block.Hash, r.Block.Timestamp, r.Block.BitcoinBlockHeight})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"_blocks_stage"},
		[]string{"height", "hash", "timestamp", "bitcoin_block_height"},
		pgx.CopyFromRows(blockSrc)); err != nil {
		return nil, classifyDBErr(err, "copy blocks")
	}

	txSrc := make([][]any, 0)
	for _, r := range records {
		for _, tr := range r.Txs {
			if err := checkBlockExists(r.Block.Height, tr.BlockHeight); err != nil {
				return nil, err
			}
			txSrc = append(txSrc, []any{tr.TxID, tr.BlockHeight, tr.Data, string(tr.Status.Kind), tr.BitcoinTxIDs})
		}
	}
	if len(txSrc) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"_tx_stage"},
			[]string{"txid", "block_height", "data", "status", "bitcoin_txids"},
			pgx.CopyFromRows(txSrc)); err != nil {
			return nil, classifyDBErr(err, "copy transactions")
		}
	}

	if _, err := tx.Exec(ctx, `INSERT INTO blocks (height, hash, timestamp, bitcoin_block_height)
		SELECT height, hash, timestamp, bitcoin_block_height FROM _blocks_stage
		ON CONFLICT (height) DO NOTHING`); err != nil {
		return nil, classifyDBErr(err, "merge blocks staging")
	}
	if len(txSrc) > 0 {
		if _, err := tx.Exec(ctx, `INSERT INTO transactions (txid, block_height, data, status, bitcoin_txids, created_at)
			SELECT txid, block_height, data, status, bitcoin_txids, now() FROM _tx_stage
			ON CONFLICT (txid) DO NOTHING`); err != nil {
			return nil, classifyDBErr(err, "merge tx staging")
		}
	}

	persisted := make([]uint64, 0, len(records))
	for _, r := range records {
		persisted = append(persisted, r.Block.Height)
	}
	return persisted, nil
}

// UpsertTransactionStatus updates a single already-persisted transaction's
// status in isolation, without touching the rest of its row. The bool
// return reports whether a row existed to update; callers use this to tell
// "containing block already known" (row exists) from "not yet known".
func (w *Writer) UpsertTransactionStatus(ctx context.Context, txid string, status model.TransactionStatus) (bool, error) {
	tag, err := w.pool.Exec(ctx, `UPDATE transactions SET status = $1 WHERE txid = $2`, string(status.Kind), txid)
	if err != nil {
		return false, classifyDBErr(err, "upsert transaction status")
	}
	return tag.RowsAffected() > 0, nil
}

// checkBlockExists enforces I2 at the application layer before the INSERT
// hits the database: a transaction must never reference a block height
// outside the batch that contains it.
func checkBlockExists(batchHeight, txBlockHeight uint64) error {
	if batchHeight != txBlockHeight {
		return model.Wrap(model.ErrInvariantBreach, "check block exists", errors.New("transaction references a block height outside its batch"))
	}
	return nil
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// classifyDBErr converts a raw pgx/pgconn error into the error taxonomy,
// distinguishing transient conditions (deadlock, serialization failure,
// connection reset) from fatal ones (constraint violations other than the
// duplicate-primary-key case, which conflict-do-nothing already absorbs).
func classifyDBErr(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return model.Wrap(model.ErrDBTransient, op, err)
		case "08000", "08003", "08006": // connection exceptions
			return model.Wrap(model.ErrDBTransient, op, err)
		case "23503", "23514": // foreign_key_violation, check_violation
			return model.Wrap(model.ErrDBFatal, op, err)
		}
	}
	return model.Wrap(model.ErrDBFatal, op, err)
}
