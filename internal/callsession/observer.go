package callsession

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Info is a point-in-time view of one session.
type Info struct {
	CallID         string      `json:"call_id"`
	StreamSID      string      `json:"stream_sid,omitempty"`
	AgentID        string      `json:"agent_id,omitempty"`
	ConnID         string      `json:"conn_id,omitempty"`
	State          State       `json:"state"`
	CreatedAt      time.Time   `json:"created_at"`
	LastActivityAt time.Time   `json:"last_activity_at"`
	InboundFrames  uint64      `json:"inbound_frames"`
	InboundBytes   uint64      `json:"inbound_bytes"`
	OutboundFrames uint64      `json:"outbound_frames"`
	OutboundBytes  uint64      `json:"outbound_bytes"`
	MarksSent      uint64      `json:"marks_sent"`
	LastAckedMark  uint64      `json:"last_acked_mark"`
	DroppedFrames  uint64      `json:"dropped_frames"`
	PendingChunks  int         `json:"pending_chunks"`
	BufferedBytes  int         `json:"buffered_bytes"`
	DiscardedBytes int         `json:"discarded_bytes,omitempty"`
	DiscardedAudio int64       `json:"discarded_audio_bytes,omitempty"`
	CloseReason    CloseReason `json:"close_reason,omitempty"`
}

// Observer receives lifecycle notifications. Calls are made synchronously
// from session goroutines and must not block; wrap observers that do I/O in
// an AsyncObserver. A session's state changes are delivered in order.
type Observer interface {
	SessionStarted(info Info)
	StateChanged(info Info, from, to State)
	SessionClosed(info Info)
	Backpressure(info Info, paused bool)
}

type Observers []Observer

func (o Observers) SessionStarted(info Info) {
	for _, obs := range o {
		obs.SessionStarted(info)
	}
}

func (o Observers) StateChanged(info Info, from, to State) {
	for _, obs := range o {
		obs.StateChanged(info, from, to)
	}
}

func (o Observers) SessionClosed(info Info) {
	for _, obs := range o {
		obs.SessionClosed(info)
	}
}

func (o Observers) Backpressure(info Info, paused bool) {
	for _, obs := range o {
		obs.Backpressure(info, paused)
	}
}

type NopObserver struct{}

func (NopObserver) SessionStarted(Info)             {}
func (NopObserver) StateChanged(Info, State, State) {}
func (NopObserver) SessionClosed(Info)              {}
func (NopObserver) Backpressure(Info, bool)         {}

// AsyncObserver delivers notifications to next from a single goroutine, in
// the order they were made. When the queue is full the notification is
// dropped and counted.
type AsyncObserver struct {
	name  string
	next  Observer
	log   *slog.Logger
	queue chan func()
	done  chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func NewAsyncObserver(name string, next Observer, size int, log *slog.Logger) *AsyncObserver {
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = slog.Default()
	}
	a := &AsyncObserver{
		name:  name,
		next:  next,
		log:   log.With("observer", name),
		queue: make(chan func(), size),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncObserver) run() {
	defer close(a.done)
	for fn := range a.queue {
		fn()
	}
}

func (a *AsyncObserver) enqueue(fn func()) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- fn:
	default:
		n := a.dropped.Add(1)
		a.log.Warn("observer queue full, dropping notification", "dropped", n)
	}
}

func (a *AsyncObserver) SessionStarted(info Info) {
	a.enqueue(func() { a.next.SessionStarted(info) })
}

func (a *AsyncObserver) StateChanged(info Info, from, to State) {
	a.enqueue(func() { a.next.StateChanged(info, from, to) })
}

func (a *AsyncObserver) SessionClosed(info Info) {
	a.enqueue(func() { a.next.SessionClosed(info) })
}

func (a *AsyncObserver) Backpressure(info Info, paused bool) {
	a.enqueue(func() { a.next.Backpressure(info, paused) })
}

// Close stops accepting notifications and waits for the queued ones to be
// delivered.
func (a *AsyncObserver) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
