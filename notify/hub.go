// Package notify turns trade lifecycle events into the user-facing
// notification queue and the blocking detail dialog.
package notify

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/tradestate/metrics"
	"github.com/rustyeddy/tradestate/pkg/logging"
)

const (
	DefaultTTL         = 4 * time.Second
	DefaultDedupWindow = 3 * time.Second
	DefaultQueueSize   = 3
)

var ErrMissingPosition = errors.New("lifecycle event without a position")

type Options struct {
	TTL         time.Duration
	DedupWindow time.Duration
	QueueSize   int
	Logger      *zap.Logger
}

// Hub owns the notification queue. Arrival order is kept for display;
// expiry and dismissal remove entries from anywhere in it.
type Hub struct {
	ttl       time.Duration
	window    time.Duration
	queueSize int
	logger    *zap.Logger

	mu         sync.Mutex
	live       []Event
	dialog     *Event
	onAccepted []func(Event)
}

func NewHub(o Options) *Hub {
	h := &Hub{
		ttl:       o.TTL,
		window:    o.DedupWindow,
		queueSize: o.QueueSize,
		logger:    logging.OrNop(o.Logger),
	}
	if h.ttl <= 0 {
		h.ttl = DefaultTTL
	}
	if h.window <= 0 {
		h.window = DefaultDedupWindow
	}
	if h.queueSize <= 0 {
		h.queueSize = DefaultQueueSize
	}
	return h
}

// OnAccepted registers fn to run after every accepted event, outside the
// hub's lock.
func (h *Hub) OnAccepted(fn func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onAccepted = append(h.onAccepted, fn)
}

// Ingest queues ev. It returns false when ev was dropped as malformed,
// suppressed, or a duplicate of a live entry. A TRADE_CLOSED duplicate
// whose reason opens the dialog upgrades a live entry whose reason does
// not, and counts as accepted.
func (h *Hub) Ingest(ev Event) bool {
	kind := ev.Kind.String()

	if err := validate(ev); err != nil {
		metrics.Notifications.WithLabelValues(kind, "malformed").Inc()
		h.logger.Warn("dropping malformed notification", zap.String("kind", kind), zap.Error(err))
		return false
	}
	if ev.Kind == StopOut && ev.Payload.ClosedCount <= 0 {
		metrics.Notifications.WithLabelValues(kind, "suppressed").Inc()
		h.logger.Debug("suppressing empty stop-out")
		return false
	}
	if ev.DedupKey == "" {
		var posID string
		if ev.Payload.Position != nil {
			posID = ev.Payload.Position.ID
		}
		ev.DedupKey = DedupKey(ev.Kind, posID)
	}

	h.mu.Lock()
	outcome := "accepted"
	dup := -1
	for i, cur := range h.live {
		if cur.DedupKey == ev.DedupKey && absDuration(ev.CreatedAt.Sub(cur.CreatedAt)) <= h.window {
			dup = i
			break
		}
	}
	if dup >= 0 {
		cur := h.live[dup]
		// A close we inferred first carries no real reason; the server's
		// SL/TP/STOP_OUT report for the same position replaces it.
		if !escalating(ev) || escalating(cur) {
			h.mu.Unlock()
			metrics.Notifications.WithLabelValues(kind, "duplicate").Inc()
			h.logger.Debug("duplicate notification", zap.String("key", ev.DedupKey))
			return false
		}
		cur.Payload = ev.Payload
		cur.Local = ev.Local
		h.live[dup] = cur
		ev = cur
		outcome = "upgraded"
	} else {
		h.live = append(h.live, ev)
	}
	if escalating(ev) {
		d := ev
		h.dialog = &d
	}
	listeners := append([]func(Event){}, h.onAccepted...)
	h.mu.Unlock()

	metrics.Notifications.WithLabelValues(kind, outcome).Inc()
	h.logger.Debug("notification queued",
		zap.String("id", ev.ID),
		zap.String("key", ev.DedupKey),
		zap.String("outcome", outcome),
	)
	for _, fn := range listeners {
		fn(ev)
	}
	return true
}

func escalating(ev Event) bool {
	return ev.Kind == TradeClosed && ev.Payload.Reason.escalates()
}

func validate(ev Event) error {
	if ev.ID == "" {
		return errors.New("missing id")
	}
	if ev.CreatedAt.IsZero() {
		return errors.New("missing created time")
	}
	if _, ok := kindNames[ev.Kind]; !ok {
		return errors.New("unknown kind")
	}
	if ev.Kind != StopOut && ev.Payload.Position == nil {
		return ErrMissingPosition
	}
	return nil
}

// Tick drops entries whose TTL has passed at now and returns them.
func (h *Hub) Tick(now time.Time) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var expired []Event
	kept := h.live[:0]
	for _, ev := range h.live {
		if at, ok := ev.expiresAt(h.ttl); ok && !now.Before(at) {
			expired = append(expired, ev)
			continue
		}
		kept = append(kept, ev)
	}
	// clear the tail so dropped events can be collected
	for i := len(kept); i < len(h.live); i++ {
		h.live[i] = Event{}
	}
	h.live = kept
	return expired
}

// Queue returns the most recent live entries, oldest first, capped at the
// queue size.
func (h *Hub) Queue() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := 0
	if len(h.live) > h.queueSize {
		start = len(h.live) - h.queueSize
	}
	out := make([]Event, len(h.live)-start)
	copy(out, h.live[start:])
	return out
}

// Len is the number of live entries, including ones beyond the display cap.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// Dismiss removes one entry by ID.
func (h *Hub) Dismiss(eventID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, ev := range h.live {
		if ev.ID == eventID {
			h.live = append(h.live[:i], h.live[i+1:]...)
			return true
		}
	}
	return false
}

// Dialog returns the pending escalated event, if any.
func (h *Hub) Dialog() (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dialog == nil {
		return Event{}, false
	}
	return *h.dialog, true
}

func (h *Hub) DismissDialog() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialog = nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
