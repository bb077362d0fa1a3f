// Package lock implements the trading kill switch: a user-initiated,
// time-boxed self-lockout whose deadline survives restarts.
//
// The timer only reports state. Callers must refuse order submission and
// batch closes while Guard returns ErrLocked.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/tradestate/metrics"
	"github.com/rustyeddy/tradestate/pkg/logging"
	"github.com/rustyeddy/tradestate/store"
)

// DeadlineKey is where the deadline is persisted, as an RFC 3339 timestamp.
const DeadlineKey = "tradingLockEnd"

var (
	ErrLocked          = errors.New("trading is locked")
	ErrAlreadyActive   = errors.New("lock already active")
	ErrInvalidDuration = errors.New("lock duration must be positive")
)

type State struct {
	Active    bool          `json:"active"`
	Deadline  time.Time     `json:"deadline,omitempty"`
	Remaining time.Duration `json:"remaining"`
}

type Option func(*Timer)

func WithClock(now func() time.Time) Option {
	return func(t *Timer) { t.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Timer) { t.logger = logging.OrNop(l) }
}

// Timer is a two-state machine, INACTIVE -> ACTIVE -> INACTIVE.
type Timer struct {
	kv     store.KV
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	active   bool
	deadline time.Time
	onExpire []func()
	onChange []func(State)
}

// New restores the timer from kv. A deadline already in the past is
// cleared and the timer starts INACTIVE without notifying anyone.
func New(ctx context.Context, kv store.KV, opts ...Option) (*Timer, error) {
	t := &Timer{
		kv:     kv,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(t)
	}

	raw, err := kv.Get(ctx, DeadlineKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return t, nil
	case err != nil:
		return nil, fmt.Errorf("restore lock: %w", err)
	}

	deadline, perr := time.Parse(time.RFC3339Nano, raw)
	if perr != nil {
		t.logger.Warn("discarding unreadable lock deadline", zap.String("value", raw), zap.Error(perr))
	}
	if perr != nil || !t.now().Before(deadline) {
		if err := kv.Delete(ctx, DeadlineKey); err != nil {
			return nil, fmt.Errorf("clear expired lock: %w", err)
		}
		return t, nil
	}

	t.active = true
	t.deadline = deadline
	metrics.LockActive.Set(1)
	t.logger.Info("trading lock restored", zap.Time("deadline", deadline))
	return t, nil
}

// OnExpire registers fn to run once per expiry.
func (t *Timer) OnExpire(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpire = append(t.onExpire, fn)
}

// OnChange registers fn to run on every transition.
func (t *Timer) OnChange(fn func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = append(t.onChange, fn)
}

// Activate locks trading for d starting now.
func (t *Timer) Activate(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ErrInvalidDuration
	}

	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return ErrAlreadyActive
	}

	now := t.now()
	deadline := now.Add(d)
	if err := t.kv.Set(ctx, DeadlineKey, deadline.UTC().Format(time.RFC3339Nano)); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("persist lock: %w", err)
	}
	t.active = true
	t.deadline = deadline
	state := t.stateLocked(now)
	listeners := append([]func(State){}, t.onChange...)
	t.mu.Unlock()

	metrics.LockActive.Set(1)
	t.logger.Info("trading lock activated", zap.Time("deadline", deadline), zap.Duration("duration", d))
	for _, fn := range listeners {
		fn(state)
	}
	return nil
}

// Tick advances the timer to now. It reports whether this call expired
// the lock; later ticks return false.
func (t *Timer) Tick(ctx context.Context, now time.Time) bool {
	t.mu.Lock()
	if !t.active || now.Before(t.deadline) {
		t.mu.Unlock()
		return false
	}

	t.active = false
	t.deadline = time.Time{}
	state := t.stateLocked(now)
	expire := append([]func(){}, t.onExpire...)
	change := append([]func(State){}, t.onChange...)
	t.mu.Unlock()

	metrics.LockActive.Set(0)
	if err := t.kv.Delete(ctx, DeadlineKey); err != nil {
		// the stale key is discarded on the next restore anyway
		t.logger.Warn("failed to clear lock deadline", zap.Error(err))
	}
	t.logger.Info("trading lock expired")

	for _, fn := range expire {
		fn()
	}
	for _, fn := range change {
		fn(state)
	}
	return true
}

func (t *Timer) State(now time.Time) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked(now)
}

func (t *Timer) stateLocked(now time.Time) State {
	if !t.active {
		return State{}
	}
	rem := t.deadline.Sub(now)
	if rem < 0 {
		rem = 0
	}
	return State{Active: true, Deadline: t.deadline, Remaining: rem}
}

// Guard returns ErrLocked while the lock is active and its deadline has
// not passed.
func (t *Timer) Guard(now time.Time) error {
	if st := t.State(now); st.Active && st.Remaining > 0 {
		return ErrLocked
	}
	return nil
}
