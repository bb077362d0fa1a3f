// Package schedule owns every periodic job of the core: polls, the
// wall-clock tick and anything else that runs on an interval.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/tradestate/pkg/logging"
)

var ErrRunning = errors.New("scheduler already running")

// JobFunc is one run of a job. now is the scheduler clock at fire time.
type JobFunc func(ctx context.Context, now time.Time)

type job struct {
	name     string
	interval time.Duration
	fn       JobFunc
	runFirst bool
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logging.OrNop(l) }
}

type Scheduler struct {
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	jobs    []job
	running bool
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Every registers fn to run each interval. Jobs added after Run starts
// are ignored until the next Run.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	return s.add(job{name: name, interval: interval, fn: fn})
}

// Now registers a job like Every but also runs it once as soon as Run
// starts.
func (s *Scheduler) Now(name string, interval time.Duration, fn JobFunc) error {
	return s.add(job{name: name, interval: interval, fn: fn, runFirst: true})
}

func (s *Scheduler) add(j job) error {
	if j.interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", j.name, j.interval)
	}
	if j.fn == nil {
		return fmt.Errorf("job %s: nil func", j.name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
	return nil
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.name
	}
	return names
}

// Run drives every job until ctx is done. A job never overlaps itself:
// ticks that arrive while it is still running are dropped.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	jobs := append([]job(nil), s.jobs...)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		j := j
		go func() {
			defer wg.Done()
			s.loop(ctx, j)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	t := time.NewTicker(j.interval)
	defer t.Stop()

	s.logger.Debug("job started", zap.String("job", j.name), zap.Duration("interval", j.interval))
	if j.runFirst {
		s.runOnce(ctx, j)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.runOnce(ctx, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked",
				zap.String("job", j.name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	if ctx.Err() != nil {
		return
	}
	j.fn(ctx, s.now())
}
