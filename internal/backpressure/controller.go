package backpressure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrBackpressureExceeded = errors.New("backpressure exceeded")
	ErrGateClosed           = errors.New("gate closed")
	ErrChunkTooLarge        = errors.New("chunk larger than high water mark")
)

type Config struct {
	HighWater int
	LowWater  int
}

func (c Config) Validate() error {
	if c.HighWater <= 0 {
		return fmt.Errorf("high water mark must be positive, got %d", c.HighWater)
	}
	if c.LowWater < 0 || c.LowWater >= c.HighWater {
		return fmt.Errorf("low water mark must be in [0, %d), got %d", c.HighWater, c.LowWater)
	}
	return nil
}

// Controller hands out one Gate per session and keeps process-wide totals
// for the metrics hook.
type Controller struct {
	cfg      Config
	buffered atomic.Int64
	paused   atomic.Int64
	pauses   atomic.Uint64
}

func NewController(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{cfg: cfg}, nil
}

func (c *Controller) Config() Config {
	return c.cfg
}

func (c *Controller) TotalBuffered() int64 {
	return c.buffered.Load()
}

func (c *Controller) PausedGates() int64 {
	return c.paused.Load()
}

func (c *Controller) TotalPauses() uint64 {
	return c.pauses.Load()
}

// NewGate returns a gate for one session. onDrained runs outside the gate's
// lock, once per pause, when the buffer falls to the low water mark.
func (c *Controller) NewGate(onDrained func()) *Gate {
	return &Gate{ctrl: c, onDrained: onDrained}
}

type Gate struct {
	ctrl      *Controller
	onDrained func()

	mu       sync.Mutex
	buffered int
	paused   bool
	closed   bool
	resume   chan struct{}
}

// Reserve accounts n bytes against the gate. When the reservation would
// cross the high water mark, or the gate is already paused, nothing is
// reserved and ErrBackpressureExceeded is returned; the caller holds the
// chunk and waits for the gate to reopen.
func (g *Gate) Reserve(n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrGateClosed
	}
	if n > g.ctrl.cfg.HighWater {
		return fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, n, g.ctrl.cfg.HighWater)
	}
	if g.paused || g.buffered+n > g.ctrl.cfg.HighWater {
		if !g.paused {
			g.paused = true
			g.resume = make(chan struct{})
			g.ctrl.paused.Add(1)
			g.ctrl.pauses.Add(1)
		}
		return ErrBackpressureExceeded
	}

	g.buffered += n
	g.ctrl.buffered.Add(int64(n))
	return nil
}

func (g *Gate) Release(n int) {
	g.mu.Lock()
	if n > g.buffered {
		n = g.buffered
	}
	g.buffered -= n
	g.ctrl.buffered.Add(-int64(n))

	drained := false
	if g.paused && !g.closed && g.buffered <= g.ctrl.cfg.LowWater {
		g.paused = false
		close(g.resume)
		g.ctrl.paused.Add(-1)
		drained = true
	}
	cb := g.onDrained
	g.mu.Unlock()

	if drained && cb != nil {
		cb()
	}
}

func (g *Gate) CanAccept() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.paused && !g.closed
}

func (g *Gate) Buffered() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.buffered
}

// Wait blocks until the gate is open.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGateClosed
	}
	if !g.paused {
		g.mu.Unlock()
		return nil
	}
	ch := g.resume
	g.mu.Unlock()

	select {
	case <-ch:
		g.mu.Lock()
		closed := g.closed
		g.mu.Unlock()
		if closed {
			return ErrGateClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close discards everything still accounted and wakes any waiter. It returns
// the number of discarded bytes; onDrained does not fire.
func (g *Gate) Close() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return 0
	}
	g.closed = true
	discarded := g.buffered
	g.ctrl.buffered.Add(-int64(discarded))
	g.buffered = 0
	if g.paused {
		g.paused = false
		close(g.resume)
		g.ctrl.paused.Add(-1)
	}
	return discarded
}
