package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamDeliversAndReconnects(t *testing.T) {
	t.Parallel()

	var conns int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := atomic.AddInt32(&conns, 1)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"tick","data":{"symbol":"EURUSD","bid":"1.1","ask":"1.2"}}`))
		if n == 1 {
			// drop the first connection to force a redial
			_ = conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
		_ = conn.Close()
	}))
	defer srv.Close()

	s := NewStream(StreamOptions{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:      "tok",
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 10 * time.Millisecond,
	})

	var mu sync.Mutex
	var states []bool
	s.OnState(func(c bool) {
		mu.Lock()
		states = append(states, c)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(raw []byte) {
			if _, err := Decode(raw); err == nil {
				atomic.AddInt32(&got, 1)
			}
		})
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&got) >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&conns), int32(2))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, s.Connected())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.True(t, states[0])
}

func TestStreamRequiresURL(t *testing.T) {
	t.Parallel()

	err := NewStream(StreamOptions{}).Run(context.Background(), func([]byte) {})
	assert.Error(t, err)
}
