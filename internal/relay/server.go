package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/call-relay/internal/callsession"
	"github.com/eleven-am/call-relay/internal/frame"
	"github.com/eleven-am/call-relay/internal/shared"
	"github.com/eleven-am/call-relay/internal/synthesis"
	"github.com/eleven-am/call-relay/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

type Config struct {
	StreamPath   string
	PublicHost   string
	MaxSessions  int
	AcceptRate   float64
	AcceptBurst  int
	DrainTimeout time.Duration
	Defaults     transport.CallConfig
}

func (c Config) Validate() error {
	if c.StreamPath == "" || c.StreamPath[0] != '/' {
		return fmt.Errorf("stream path must start with /, got %q", c.StreamPath)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("max sessions must not be negative, got %d", c.MaxSessions)
	}
	if c.AcceptRate < 0 || c.AcceptBurst < 0 {
		return fmt.Errorf("accept rate and burst must not be negative")
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("drain timeout must be positive, got %s", c.DrainTimeout)
	}
	return nil
}

// ConfigSource supplies per-call settings stored out of band by whoever
// placed the call. A missing entry is shared.ErrNotFound.
type ConfigSource interface {
	GetConfig(ctx context.Context, callID string) (*transport.CallConfig, error)
}

// FrameObserver is told about every inbound frame and every frame the relay
// refuses to apply.
type FrameObserver interface {
	FrameReceived(t frame.Type, bytes int)
	FrameDropped(reason string)
}

type nopFrameObserver struct{}

func (nopFrameObserver) FrameReceived(frame.Type, int) {}
func (nopFrameObserver) FrameDropped(string)           {}

const (
	DropMalformed   = "malformed"
	DropNoSession   = "no_session"
	DropUnknownCall = "unknown_call"
	DropStaleCall   = "stale_call"
	DropDuplicate   = "duplicate_call"
	DropSequenceGap = "sequence_gap"
)

type Server struct {
	cfg      Config
	registry *callsession.Registry
	synth    synthesis.Synthesizer
	configs  ConfigSource
	frames   FrameObserver
	limiter  *rate.Limiter
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg Config, registry *callsession.Registry, synth synthesis.Synthesizer, configs ConfigSource, frames FrameObserver, log *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if frames == nil {
		frames = nopFrameObserver{}
	}

	limit := rate.Inf
	if cfg.AcceptRate > 0 {
		limit = rate.Limit(cfg.AcceptRate)
	}
	burst := cfg.AcceptBurst
	if burst == 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		registry: registry,
		synth:    synth,
		configs:  configs,
		frames:   frames,
		limiter:  rate.NewLimiter(limit, burst),
		log:      log.With("component", "relay"),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// HandleStream upgrades a telephony media connection and serves it until
// either side goes away.
func (s *Server) HandleStream(c echo.Context) error {
	if !s.limiter.Allow() {
		return shared.TooManyRequests("rate_limited", "too many new connections")
	}
	if s.cfg.MaxSessions > 0 && s.registry.Count() >= s.cfg.MaxSessions {
		return shared.Unavailable("at_capacity", "relay is at capacity")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return nil
	}

	conn := newWSConn(ws, s.log)
	go conn.pingLoop()
	s.serve(conn)
	return nil
}

func (s *Server) serve(conn *wsConn) {
	log := conn.log
	log.Debug("telephony connection opened", "remote", conn.ws.RemoteAddr().String())

	var sess *callsession.CallSession
	defer func() {
		if sess != nil {
			s.finish(sess)
		}
		_ = conn.Close()
		log.Debug("telephony connection closed")
	}()

	conn.prepareRead()
	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("telephony read error", "error", err)
			}
			return
		}

		var f *frame.Frame
		switch msgType {
		case websocket.TextMessage:
			f, err = frame.Decode(data)
		case websocket.BinaryMessage:
			f, err = frame.DecodeBinary(data)
		default:
			continue
		}
		if err != nil {
			if !s.handleMalformed(log, conn, sess, err) {
				return
			}
			continue
		}
		s.frames.FrameReceived(f.Type, len(f.Payload))

		switch f.Type {
		case frame.TypeConnected:
			log.Debug("telephony stream connected")
			continue
		case frame.TypeStart:
			if sess == nil {
				sess, err = s.start(log, conn, f)
				if err != nil {
					return
				}
				log = log.With("call_id", sess.CallID())
				continue
			}
		}

		if sess == nil {
			log.Warn("dropping frame before start", "type", f.Type)
			s.frames.FrameDropped(DropNoSession)
			continue
		}
		s.dispatch(log, sess, f)
	}
}

// dispatch applies f to the session bound to this connection. A frame naming
// any other call is dropped; a connection can only act on its own call.
func (s *Server) dispatch(log *slog.Logger, sess *callsession.CallSession, f *frame.Frame) {
	if f.CallID != "" && f.CallID != sess.CallID() {
		log.Warn("dropping frame for another call", "type", f.Type, "target", f.CallID)
		s.frames.FrameDropped(DropUnknownCall)
		if err := sess.SkipSequence(f.Sequence); err != nil {
			s.countRejected(err)
		}
		return
	}

	if err := sess.HandleFrame(s.ctx, f); err != nil {
		s.countRejected(err)
		log.Warn("frame rejected", "type", f.Type, "error", err)
	}
}

func (s *Server) countRejected(err error) {
	switch {
	case errors.Is(err, callsession.ErrSequenceGap):
		s.frames.FrameDropped(DropSequenceGap)
	case errors.Is(err, callsession.ErrSessionClosed):
		s.frames.FrameDropped(DropStaleCall)
	}
}

// handleMalformed drops a frame that failed to decode. Broken control frames
// are fatal: a bad START ends the connection, a bad STOP ends the call. It
// reports whether the receive loop should keep going.
func (s *Server) handleMalformed(log *slog.Logger, conn *wsConn, sess *callsession.CallSession, err error) bool {
	s.frames.FrameDropped(DropMalformed)

	var me *frame.MalformedError
	if !errors.As(err, &me) {
		log.Warn("dropping malformed frame", "error", err)
		return true
	}
	if !me.Type.IsControl() {
		log.Warn("dropping malformed frame", "error", err)
		if sess != nil {
			if err := sess.SkipSequence(me.Sequence); err != nil {
				s.countRejected(err)
			}
		}
		return true
	}

	log.Warn("malformed control frame", "type", me.Type, "error", err)
	if sess == nil {
		_ = conn.CloseWith(websocket.CloseProtocolError, "malformed "+string(me.Type))
		return false
	}
	if me.Type == frame.TypeStop {
		sess.BeginDrain(callsession.ReasonProtocolError)
		return true
	}
	_ = sess.Close(callsession.ReasonProtocolError)
	return false
}

func (s *Server) start(log *slog.Logger, conn *wsConn, f *frame.Frame) (*callsession.CallSession, error) {
	call := s.resolveCall(f)

	sess, err := s.registry.Register(f.CallID, callsession.Params{
		StreamSID:     f.StreamSID,
		StartSequence: f.Sequence,
		Conn:          conn,
		Call:          call,
	})
	if err != nil {
		log.Warn("rejecting call", "call_id", f.CallID, "error", err)
		if errors.Is(err, callsession.ErrDuplicateCallID) {
			s.frames.FrameDropped(DropDuplicate)
		}
		_ = conn.CloseWith(websocket.CloseProtocolError, err.Error())
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := sess.Run(s.ctx, s.synth); err != nil && !errors.Is(err, callsession.ErrSessionClosed) {
			log.Warn("session ended with error", "call_id", sess.CallID(), "error", err)
		}
	}()
	return sess, nil
}

// resolveCall layers the stored call config over the start event's custom
// parameters over the relay defaults.
func (s *Server) resolveCall(f *frame.Frame) transport.CallConfig {
	call := s.cfg.Defaults
	if f.Start != nil {
		call = call.Merge(transport.FromParameters(f.Start.CustomParameters))
	}
	if s.configs != nil {
		ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
		defer cancel()
		stored, err := s.configs.GetConfig(ctx, f.CallID)
		switch {
		case err == nil:
			call = call.Merge(*stored)
		case !errors.Is(err, shared.ErrNotFound):
			s.log.Warn("failed to load call config", "call_id", f.CallID, "error", err)
		}
	}
	call.CallID = f.CallID
	return call
}

// finish runs when the telephony side is gone: the session gets a bounded
// window to flush before it is forced closed.
func (s *Server) finish(sess *callsession.CallSession) {
	sess.BeginDrain(callsession.ReasonTelephonyEOF)

	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-sess.Done():
	case <-timer.C:
		_ = sess.Close(callsession.ReasonDrainTimeout)
	}
}

// Shutdown closes every session and waits for their goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.registry.CloseAll(callsession.ReasonShutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
