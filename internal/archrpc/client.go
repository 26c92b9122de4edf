// Package archrpc implements a typed, retrying JSON-RPC client over HTTP to
// the Arch Network node (C1). Every call is idempotent and retryable; the
// caller never sees a raw transport error, only the taxonomy from
// internal/model.
package archrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/archnetwork/arch-indexer/internal/model"
)

// Config holds the client's tunables.
type Config struct {
	URL               string
	MaxConcurrency    int
	InitialBackoffMS  int
	MaxBackoffMS      int
	MaxRetries        int
	RequestTimeout    time.Duration
	RequestsPerSecond float64 // 0 disables rate limiting, relying on MaxConcurrency alone
	RequestBurst      int
}

// Client is a pooled JSON-RPC client. The embedded http.Client's Transport
// governs the connection pool; MaxConcurrency is enforced by a buffered
// semaphore channel so callers can fan out without exceeding it, and an
// optional token-bucket limiter paces request rate the way the teacher's VM
// gas meter paces opcode execution (core/virtual_machine.go's rate.Limiter).
type Client struct {
	cfg     Config
	http    *http.Client
	sem     chan struct{}
	limiter *rate.Limiter
	log     *logrus.Entry
	nextID  uint64
}

// New constructs a Client. The underlying transport's MaxIdleConnsPerHost is
// sized to MaxConcurrency so pooled connections aren't starved under load.
func New(cfg Config, log *logrus.Entry) *Client {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: cfg.MaxConcurrency,
		MaxConnsPerHost:     cfg.MaxConcurrency,
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.RequestBurst
		if burst <= 0 {
			burst = cfg.MaxConcurrency
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		sem:     make(chan struct{}, cfg.MaxConcurrency),
		limiter: limiter,
		log:     log,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Block mirrors the minimal upstream block payload: height, hash,
// nanosecond timestamp, optional bitcoin_block_height, ordered txids.
type Block struct {
	Height             uint64   `json:"height"`
	Hash               string   `json:"hash"`
	TimestampNanos     int64    `json:"timestamp"`
	BitcoinBlockHeight *uint64  `json:"bitcoin_block_height"`
	Transactions       []string `json:"transactions"`
}

// Transaction mirrors get_processed_transaction's payload.
type Transaction struct {
	TxID           string          `json:"txid"`
	Status         json.RawMessage `json:"status"`
	Data           json.RawMessage `json:"data"`
	BitcoinTxIDs   []string        `json:"bitcoin_txids"`
	RollbackStatus json.RawMessage `json:"rollback_status"`
}

// GetBlockCount returns the highest known height.
func (c *Client) GetBlockCount(ctx context.Context) (uint64, error) {
	var out uint64
	if err := c.call(ctx, "get_block_count", nil, &out); err != nil {
		return 0, err
	}
	return out, nil
}

// GetBlockHash resolves a height to its block hash. A nil error with an
// empty string means the height is not yet available (caller reschedules).
func (c *Client) GetBlockHash(ctx context.Context, height uint64) (string, error) {
	var out string
	if err := c.call(ctx, "get_block_hash", []any{height}, &out); err != nil {
		if model.KindOf(err) == model.ErrDataUnavailable {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// GetBlock fetches a block by hash or height.
func (c *Client) GetBlock(ctx context.Context, hashOrHeight any) (*Block, error) {
	var out Block
	if err := c.call(ctx, "get_block", []any{hashOrHeight}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProcessedTransaction fetches a single processed transaction by txid.
func (c *Client) GetProcessedTransaction(ctx context.Context, txid string) (*Transaction, error) {
	var out Transaction
	if err := c.call(ctx, "get_processed_transaction", []any{txid}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call performs one JSON-RPC round trip with retry/backoff. It acquires the
// concurrency semaphore for the duration of the call, including retries, so
// MaxConcurrency bounds total outstanding requests.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return model.Wrap(model.ErrTransientNetwork, method, ctx.Err())
	}
	defer func() { <-c.sem }()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return model.Wrap(model.ErrTransientNetwork, method, err)
		}
	}

	backoff := time.Duration(c.cfg.InitialBackoffMS) * time.Millisecond
	maxBackoff := time.Duration(c.cfg.MaxBackoffMS) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		err := c.doOnce(ctx, method, params, out)
		if err == nil {
			return nil
		}
		lastErr = err
		switch model.KindOf(err) {
		case model.ErrTransientNetwork:
			if attempt == c.cfg.MaxRetries {
				return err
			}
			c.log.WithError(err).WithField("method", method).WithField("attempt", attempt).Warn("rpc retry")
			if !c.sleep(ctx, backoff) {
				return model.Wrap(model.ErrTransientNetwork, method, ctx.Err())
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		default:
			return err
		}
	}
	return lastErr
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) doOnce(ctx context.Context, method string, params any, out any) error {
	req := rpcRequest{JSONRPC: "2.0", ID: atomic.AddUint64(&c.nextID, 1), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return model.Wrap(model.ErrPermanentUpstream, method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return model.Wrap(model.ErrPermanentUpstream, method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return model.Wrap(model.ErrTransientNetwork, method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Wrap(model.ErrTransientNetwork, method, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return model.Wrap(model.ErrDataUnavailable, method, fmt.Errorf("404 for %s", method))
	}
	if resp.StatusCode >= 500 {
		return model.Wrap(model.ErrTransientNetwork, method, fmt.Errorf("upstream %d: %s", resp.StatusCode, respBody))
	}
	if resp.StatusCode >= 400 {
		return model.Wrap(model.ErrPermanentUpstream, method, fmt.Errorf("upstream %d: %s", resp.StatusCode, respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return model.Wrap(model.ErrPermanentUpstream, method, err)
	}
	if rpcResp.Error != nil {
		return model.Wrap(model.ErrPermanentUpstream, method, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return model.Wrap(model.ErrPermanentUpstream, method, err)
	}
	return nil
}

