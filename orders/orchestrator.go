// Package orders closes batches of positions with bounded concurrency.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/tradestate/broker"
	"github.com/rustyeddy/tradestate/metrics"
	"github.com/rustyeddy/tradestate/pkg/logging"
)

const (
	DefaultConcurrency = 5
	DefaultTimeout     = 10 * time.Second
)

var (
	ErrTimeout    = errors.New("close request timed out")
	ErrNotIssued  = errors.New("close request not issued")
	ErrNilCloseFn = errors.New("nil close function")
)

// CloseFunc performs one close request against the server.
type CloseFunc func(ctx context.Context, positionID string) error

// CloseError is one failed close in a batch.
type CloseError struct {
	PositionID string `json:"position_id"`
	Reason     string `json:"reason"`
	Err        error  `json:"-"`
}

func (e CloseError) Error() string { return e.PositionID + ": " + e.Reason }

func (e CloseError) Unwrap() error { return e.Err }

// BatchResult is the outcome of one CloseBatch call. A failed close is
// reported here, not as an error.
type BatchResult struct {
	Requested int          `json:"requested"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Errors    []CloseError `json:"errors,omitempty"`

	// Closed lists the IDs that closed successfully, in input order.
	Closed []string `json:"closed,omitempty"`
}

type Options struct {
	Concurrency int
	Timeout     time.Duration
	PnL         PnLFunc
	Logger      *zap.Logger
}

type Orchestrator struct {
	concurrency int
	timeout     time.Duration
	pnl         PnLFunc
	logger      *zap.Logger

	mu        sync.Mutex
	onRefresh []func(BatchResult)
}

func New(o Options) *Orchestrator {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return &Orchestrator{
		concurrency: o.Concurrency,
		timeout:     o.Timeout,
		pnl:         o.PnL,
		logger:      logging.OrNop(o.Logger),
	}
}

// OnRefresh registers fn to run once after each batch that issued at
// least one request.
func (o *Orchestrator) OnRefresh(fn func(BatchResult)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onRefresh = append(o.onRefresh, fn)
}

// CloseBatch closes the positions pred selects. The only errors
// returned are a bad predicate, ErrPositionNotFound, or a nil closeFn.
//
// Cancelling ctx stops new requests from being issued; those already in
// flight run until they finish or hit the per-request timeout.
func (o *Orchestrator) CloseBatch(ctx context.Context, positions []broker.Position, pred Predicate, closeFn CloseFunc) (BatchResult, error) {
	if closeFn == nil {
		return BatchResult{}, ErrNilCloseFn
	}
	targets, err := pred.Select(positions, o.pnl)
	if err != nil {
		return BatchResult{}, err
	}

	start := time.Now()
	outcomes := make([]error, len(targets))
	issued := 0

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, p := range targets {
		if ctx.Err() != nil {
			outcomes[i] = fmt.Errorf("%w: %v", ErrNotIssued, ctx.Err())
			continue
		}
		issued++
		i, p := i, p
		g.Go(func() error {
			outcomes[i] = o.closeOne(ctx, p.ID, closeFn)
			return nil
		})
	}
	_ = g.Wait()

	res := BatchResult{Requested: len(targets)}
	for i, err := range outcomes {
		id := targets[i].ID
		if err == nil {
			res.Succeeded++
			res.Closed = append(res.Closed, id)
			metrics.CloseRequests.WithLabelValues("success").Inc()
			continue
		}
		res.Failed++
		res.Errors = append(res.Errors, CloseError{PositionID: id, Reason: err.Error(), Err: err})
		metrics.CloseRequests.WithLabelValues(outcomeLabel(err)).Inc()
	}
	metrics.CloseBatchDuration.WithLabelValues(pred.String()).Observe(time.Since(start).Seconds())

	o.logger.Info("close batch settled",
		zap.String("predicate", pred.String()),
		zap.Int("requested", res.Requested),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Duration("elapsed", time.Since(start)),
	)

	if issued > 0 {
		o.mu.Lock()
		listeners := append([]func(BatchResult){}, o.onRefresh...)
		o.mu.Unlock()
		for _, fn := range listeners {
			fn(res)
		}
	}
	return res, nil
}

// closeOne runs closeFn under its own deadline. A closeFn that ignores
// its context is abandoned when the deadline passes.
func (o *Orchestrator) closeOne(parent context.Context, id string, closeFn CloseFunc) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), o.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("close panicked: %v", r)
			}
		}()
		done <- closeFn(ctx, id)
	}()

	select {
	case err := <-done:
		if err != nil {
			o.logger.Warn("close failed", zap.String("position", id), zap.Error(err))
		}
		return err
	case <-ctx.Done():
		o.logger.Warn("close timed out", zap.String("position", id), zap.Duration("timeout", o.timeout))
		return fmt.Errorf("%w after %s", ErrTimeout, o.timeout)
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotIssued):
		return "not_issued"
	default:
		return "failed"
	}
}
