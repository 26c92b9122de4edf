// Package archws implements the long-lived WebSocket subscription client
// (C2): connect, subscribe, reconnect with backoff, and a bounded channel of
// inbound events. The client owns its own connection state; nothing outside
// it ever touches the socket directly.
package archws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// State is the client's connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateSubscribing
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Topic enumerates the subscription channels the upstream node exposes.
type Topic string

const (
	TopicBlock                Topic = "block"
	TopicTransaction           Topic = "transaction"
	TopicAccountUpdate         Topic = "account_update"
	TopicRolledbackTxs         Topic = "rolledback_transactions"
	TopicReappliedTxs          Topic = "reapplied_transactions"
	TopicDKG                   Topic = "dkg"
	TopicBlockActivity         Topic = "block_activity"
)

// AllTopics is the set of topics the indexer subscribes to. Every (re)connect
// resends subscriptions for all of these.
var AllTopics = []Topic{
	TopicBlock, TopicTransaction, TopicAccountUpdate,
	TopicRolledbackTxs, TopicReappliedTxs, TopicDKG, TopicBlockActivity,
}

// Event is one inbound message, already demultiplexed by topic.
type Event struct {
	Topic Topic
	Data  json.RawMessage
}

type subscribeRequest struct {
	Method string            `json:"method"`
	Params subscribeParams   `json:"params"`
}

type subscribeParams struct {
	Topic     Topic  `json:"topic"`
	Filter    any    `json:"filter,omitempty"`
	RequestID string `json:"request_id"`
}

type inboundEnvelope struct {
	Status         string          `json:"status"`
	SubscriptionID string          `json:"subscription_id"`
	Topic          Topic           `json:"topic"`
	RequestID      string          `json:"request_id"`
	Data           json.RawMessage `json:"data"`
}

// Config holds the client's tunables.
type Config struct {
	URL                      string
	ReconnectIntervalSeconds int
	MaxReconnectAttempts     int // 0 = infinite
	BackoffMultiplier        float64
	MaxReconnectInterval     time.Duration
	IdleTimeout              time.Duration
}

// Metrics is the subset of telemetry.Metrics the client reports to. Kept as
// an interface so the client doesn't import the telemetry package directly.
type Metrics interface {
	IncWSReconnect()
	IncWSMessage()
	SetOpenWSConns(n int)
}

// Client manages one WebSocket connection to the upstream node, transparently
// reconnecting on failure. Events is the consumer-facing channel; it is
// closed exactly once, when Run returns.
type Client struct {
	cfg     Config
	metrics Metrics
	log     *logrus.Entry

	mu    sync.RWMutex
	state State

	Events chan Event
}

// New constructs a Client. The caller must call Run to start the connection
// loop; Events begins delivering once the first subscription completes.
// metrics may be nil, in which case the client simply doesn't report.
func New(cfg Config, metrics Metrics, log *logrus.Entry) *Client {
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = 2 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &Client{
		cfg:     cfg,
		metrics: metrics,
		log:     log,
		state:   StateDisconnected,
		Events:  make(chan Event, 1024),
	}
}

// State reports the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives the connect/subscribe/read/reconnect loop until ctx is
// cancelled. It closes Events before returning, signalling the consumer the
// sequence is finished.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.Events)
	defer c.setState(StateClosed)

	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.connectAndServe(ctx); err != nil {
			c.log.WithError(err).Warn("ws connection ended")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		failures++
		if c.metrics != nil {
			c.metrics.IncWSReconnect()
		}
		if c.cfg.MaxReconnectAttempts > 0 && failures > c.cfg.MaxReconnectAttempts {
			return errReconnectAttemptsExhausted
		}
		c.setState(StateDisconnected)
		wait := c.backoffFor(failures)
		c.log.WithField("attempt", failures).WithField("wait", wait).Info("ws reconnecting")
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

func (c *Client) backoffFor(failures int) time.Duration {
	base := time.Duration(c.cfg.ReconnectIntervalSeconds) * time.Second
	d := base
	for i := 1; i < failures; i++ {
		d = time.Duration(float64(d) * c.cfg.BackoffMultiplier)
		if d > c.cfg.MaxReconnectInterval {
			return c.cfg.MaxReconnectInterval
		}
	}
	return d
}

func (c *Client) connectAndServe(ctx context.Context) error {
	c.setState(StateConnecting)
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	c.setState(StateOpen)
	if c.metrics != nil {
		c.metrics.SetOpenWSConns(1)
		defer c.metrics.SetOpenWSConns(0)
	}

	if err := c.subscribeAll(conn); err != nil {
		return err
	}
	c.setState(StateSubscribed)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env inboundEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.WithError(err).Warn("ws message decode failed")
			continue
		}
		if c.metrics != nil {
			c.metrics.IncWSMessage()
		}
		if env.Status != "" {
			continue // subscription ack, not an event
		}
		select {
		case c.Events <- Event{Topic: env.Topic, Data: env.Data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) subscribeAll(conn *websocket.Conn) error {
	c.setState(StateSubscribing)
	for _, topic := range AllTopics {
		req := subscribeRequest{
			Method: "subscribe",
			Params: subscribeParams{Topic: topic, RequestID: uuid.New().String()},
		}
		if err := conn.WriteJSON(req); err != nil {
			return err
		}
	}
	return nil
}

var errReconnectAttemptsExhausted = &reconnectExhaustedError{}

type reconnectExhaustedError struct{}

func (e *reconnectExhaustedError) Error() string { return "max_reconnect_attempts exhausted" }
