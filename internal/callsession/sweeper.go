package callsession

import (
	"log/slog"
	"sync"
)

// Sweeper periodically force-closes sessions that went quiet, never reached
// STREAMING, or are stuck flushing.
type Sweeper struct {
	registry *Registry
	log      *slog.Logger

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewSweeper(registry *Registry, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		registry: registry,
		log:      log.With("component", "sweeper"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ticker := s.registry.clock.Ticker(s.registry.cfg.SweepInterval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.log.Info("swept sessions", "closed", n, "active", s.registry.Count())
				}
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

// Sweep runs one pass and returns how many sessions it closed.
func (s *Sweeper) Sweep() int {
	cfg := s.registry.cfg
	now := s.registry.clock.Now()
	closed := 0

	for _, sess := range s.registry.ListActive() {
		var reason CloseReason
		switch sess.State() {
		case StateConnecting:
			if cfg.ConnectTimeout > 0 && now.Sub(sess.createdAtTime()) > cfg.ConnectTimeout {
				reason = ReasonConnectTimeout
			}
		case StateDraining:
			if since, ok := sess.drainingSince(); ok && cfg.DrainTimeout > 0 && now.Sub(since) > cfg.DrainTimeout {
				reason = ReasonDrainTimeout
			}
		case StateClosed:
			continue
		}
		if reason == "" && now.Sub(sess.LastActivity()) > cfg.IdleTimeout {
			reason = ReasonIdleTimeout
		}
		if reason == "" {
			continue
		}

		s.log.Warn("force closing session", "call_id", sess.CallID(), "reason", reason, "error", reason.Err())
		_ = sess.Close(reason)
		closed++
	}
	return closed
}
