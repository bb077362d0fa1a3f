package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rustyeddy/tradestate/pkg/logging"
)

type StreamOptions struct {
	URL   string
	Token string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration

	Logger *zap.Logger
}

// Stream is the push channel. It owns reconnection; consumers only see
// raw messages and connect/disconnect transitions.
type Stream struct {
	opts      StreamOptions
	logger    *zap.Logger
	dialer    *websocket.Dialer
	connected atomic.Bool

	mu      sync.Mutex
	onState []func(connected bool)
}

func NewStream(o StreamOptions) *Stream {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = 30 * time.Second
	}
	return &Stream{
		opts:   o,
		logger: logging.OrNop(o.Logger),
		dialer: &websocket.Dialer{HandshakeTimeout: o.WriteTimeout},
	}
}

// OnState registers fn for connect and disconnect transitions.
func (s *Stream) OnState(fn func(connected bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = append(s.onState, fn)
}

func (s *Stream) Connected() bool { return s.connected.Load() }

func (s *Stream) setConnected(v bool) {
	if s.connected.Swap(v) == v {
		return
	}
	s.mu.Lock()
	listeners := append([]func(bool){}, s.onState...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(v)
	}
}

// Run delivers every message to handle until ctx is done. Dropped
// connections are redialled with exponential backoff, reset after each
// successful connect.
func (s *Stream) Run(ctx context.Context, handle func([]byte)) error {
	if s.opts.URL == "" {
		return errors.New("stream: missing url")
	}
	backoff := s.opts.MinBackoff
	for {
		connected, err := s.session(ctx, handle)
		s.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = s.opts.MinBackoff
		}
		s.logger.Warn("push stream disconnected",
			zap.String("url", s.opts.URL),
			zap.Duration("retry_in", backoff),
			zap.Error(err),
		)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
		if backoff > s.opts.MaxBackoff {
			backoff = s.opts.MaxBackoff
		}
	}
}

func (s *Stream) session(ctx context.Context, handle func([]byte)) (bool, error) {
	header := http.Header{}
	if s.opts.Token != "" {
		header.Set("Authorization", "Bearer "+s.opts.Token)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.opts.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	s.logger.Info("push stream connected", zap.String("url", s.opts.URL))
	s.setConnected(true)

	conn.SetReadLimit(5 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(s.opts.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// unblocks ReadMessage
				_ = conn.Close()
				return
			case <-t.C:
				deadline := time.Now().Add(s.opts.WriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		handle(raw)
	}
}
