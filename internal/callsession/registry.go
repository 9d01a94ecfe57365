package callsession

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/eleven-am/call-relay/internal/backpressure"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Registry is the process-wide table of live sessions. Closed call ids are
// remembered in a bounded tombstone cache so late frames can be reported as
// stale rather than unknown.
type Registry struct {
	cfg      Config
	ctrl     *backpressure.Controller
	observer Observer
	clock    clock.Clock
	log      *slog.Logger

	mu         sync.RWMutex
	sessions   map[string]*CallSession
	tombstones *lru.Cache[string, CloseReason]
}

func NewRegistry(cfg Config, ctrl *backpressure.Controller, observer Observer, clk clock.Clock, log *slog.Logger) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if high := ctrl.Config().HighWater; cfg.MaxFrameBytes > high {
		return nil, fmt.Errorf("max frame bytes %d exceeds high water mark %d", cfg.MaxFrameBytes, high)
	}
	tombstones, err := lru.New[string, CloseReason](cfg.TombstoneSize)
	if err != nil {
		return nil, err
	}
	if observer == nil {
		observer = NopObserver{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}

	return &Registry{
		cfg:        cfg,
		ctrl:       ctrl,
		observer:   observer,
		clock:      clk,
		log:        log.With("component", "callsession"),
		sessions:   make(map[string]*CallSession),
		tombstones: tombstones,
	}, nil
}

// Register creates a CONNECTING session for callID. It fails with
// ErrDuplicateCallID while another session for the same call is still open.
func (r *Registry) Register(callID string, p Params) (*CallSession, error) {
	if callID == "" {
		return nil, fmt.Errorf("%w: empty call id", ErrUnknownCallID)
	}

	r.mu.Lock()
	if existing, ok := r.sessions[callID]; ok && existing.State() != StateClosed {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCallID, callID)
	}
	s := newSession(callID, p, r)
	r.sessions[callID] = s
	r.tombstones.Remove(callID)
	r.mu.Unlock()

	s.log.Info("session registered", "stream_sid", p.StreamSID, "agent_id", p.Call.AgentID)
	r.observer.SessionStarted(s.Info())
	return s, nil
}

func (r *Registry) Lookup(callID string) (*CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Resolve is Lookup for frame routing: it tells a call that never existed
// apart from one that has already closed.
func (r *Registry) Resolve(callID string) (*CallSession, error) {
	r.mu.RLock()
	s, ok := r.sessions[callID]
	r.mu.RUnlock()

	if ok && s.State() != StateClosed {
		return s, nil
	}
	if reason, found := r.tombstones.Get(callID); found || ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrSessionClosed, callID, reason)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCallID, callID)
}

// remove is called by a session as it closes. A newer session registered
// under the same id is left alone.
func (r *Registry) remove(s *CallSession, reason CloseReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[s.callID]; ok && current == s {
		delete(r.sessions, s.callID)
		r.tombstones.Add(s.callID, reason)
	}
}

// ListActive returns a snapshot of registered sessions ordered by call id.
func (r *Registry) ListActive() []*CallSession {
	r.mu.RLock()
	sessions := make([]*CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].callID < sessions[j].callID
	})
	return sessions
}

func (r *Registry) Snapshot() []Info {
	sessions := r.ListActive()
	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll force-closes every session, used on shutdown.
func (r *Registry) CloseAll(reason CloseReason) {
	for _, s := range r.ListActive() {
		_ = s.Close(reason)
	}
}
