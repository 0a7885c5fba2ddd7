package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Client is the off-chain side of one signing identity. All submissions pass
// through a single-owner goroutine that holds the sequence counter; two
// in-flight submissions from the same identity would race the ledger's
// sequence check and silently drop all but one transaction.
type Client struct {
	account string
	node    Node
	policy  RetryPolicy
	limiter *rate.Limiter
	logger  *slog.Logger

	seq      atomic.Uint64
	requests chan submitRequest
	done     chan struct{}
}

type submitRequest struct {
	ctx     context.Context
	key     string
	payload []byte
	reply   chan submitResult
}

type submitResult struct {
	ref TxRef
	err error
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithSubmitRate caps submissions per second against the node.
func WithSubmitRate(perSecond float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithLogger overrides the default component logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for one identity. lastSeq is the identity's last
// accepted sequence number on the ledger; the first submission uses lastSeq+1.
func NewClient(node Node, account string, lastSeq uint64, policy RetryPolicy, opts ...ClientOption) *Client {
	c := &Client{
		account:  account,
		node:     node,
		policy:   policy,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		logger:   slog.Default().With("component", "ledger", "account", account),
		requests: make(chan submitRequest),
		done:     make(chan struct{}),
	}
	c.seq.Store(lastSeq)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run owns the submit queue until ctx is cancelled. Exactly one Run per
// client.
func (c *Client) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.requests:
			ref, err := c.submitSerialized(req.ctx, req.key, req.payload)
			select {
			case req.reply <- submitResult{ref: ref, err: err}:
			case <-req.ctx.Done():
			}
		}
	}
}

// Done is closed once Run has returned.
func (c *Client) Done() <-chan struct{} { return c.done }

// Sequence returns the last accepted sequence number.
func (c *Client) Sequence() uint64 { return c.seq.Load() }

// Submit writes payload against key and returns the transaction reference.
// Transient node failures are retried per the injected policy; exhaustion,
// rejection, and underfunding surface to the caller unchanged.
func (c *Client) Submit(ctx context.Context, key string, payload []byte) (TxRef, error) {
	req := submitRequest{ctx: ctx, key: key, payload: payload, reply: make(chan submitResult, 1)}
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", fmt.Errorf("ledger client stopped")
	}
	select {
	case res := <-req.reply:
		return res.ref, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Receipt polls the node for the transaction's receipt.
func (c *Client) Receipt(ctx context.Context, ref TxRef) (Receipt, error) {
	return c.node.TxReceipt(ctx, ref)
}

// submitSerialized runs on the queue goroutine only.
func (c *Client) submitSerialized(ctx context.Context, key string, payload []byte) (TxRef, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	next := c.seq.Load() + 1
	var lastErr error
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.policy.Delay(attempt-1, key)); err != nil {
				return "", err
			}
		}
		ref, err := c.node.SubmitTx(ctx, SignedTx{
			Account:  c.account,
			Sequence: next,
			Key:      key,
			Payload:  payload,
		})
		switch {
		case err == nil:
			c.seq.Store(next)
			return ref, nil
		case errors.Is(err, ErrNodeUnavailable):
			lastErr = err
			c.logger.WarnContext(ctx, "node unavailable, backing off",
				"key", key, "attempt", attempt+1)
		default:
			// Underfunded and rejected are fatal; the sequence was not
			// consumed.
			return "", err
		}
	}
	return "", fmt.Errorf("submit %s: attempts exhausted: %w", key, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
