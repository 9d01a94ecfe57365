package callsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eleven-am/call-relay/internal/backpressure"
	"github.com/eleven-am/call-relay/internal/frame"
	"github.com/eleven-am/call-relay/internal/synthesis"
	"github.com/eleven-am/call-relay/internal/transport"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type Params struct {
	StreamSID     string
	StartSequence uint64
	Conn          transport.TelephonyConn
	Call          transport.CallConfig
}

type outboundChunk struct {
	audio []byte
	mark  uint64
	clear bool
}

// CallSession bridges one call. The telephony receive loop feeds it frames,
// Run pumps synthesis events into pendingAudio, and a single writer drains
// pendingAudio to the telephony socket.
type CallSession struct {
	callID    string
	streamSID string
	call      transport.CallConfig
	conn      transport.TelephonyConn
	cfg       Config
	registry  *Registry
	gate      *backpressure.Gate
	clock     clock.Clock
	observer  Observer
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// transitionMu orders state changes with their observer notifications.
	// sendMu keeps inbound audio in arrival order across the CONNECTING
	// buffer flush and live forwarding. Lock order is transitionMu, sendMu,
	// then mu.
	transitionMu sync.Mutex
	sendMu       sync.Mutex

	mu             sync.Mutex
	state          State
	stream         synthesis.Stream
	inbound        [][]byte
	inboundBytes   int
	pending        []outboundChunk
	lastSeq        uint64
	markSeq        uint64
	lastAcked      uint64
	createdAt      time.Time
	lastActivity   time.Time
	drainStarted   time.Time
	drainReason    CloseReason
	closeReason    CloseReason
	discarded      int
	discardedAudio int64
	inFrames       uint64
	inBytes        uint64
	outFrames      uint64
	outBytes       uint64
	dropped        uint64
	upstreamPaused bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(callID string, p Params, r *Registry) *CallSession {
	now := r.clock.Now()
	call := p.Call
	call.CallID = callID

	ctx, cancel := context.WithCancel(context.Background())
	s := &CallSession{
		callID:       callID,
		streamSID:    p.StreamSID,
		call:         call,
		conn:         p.Conn,
		cfg:          r.cfg,
		registry:     r,
		clock:        r.clock,
		observer:     r.observer,
		log:          r.log.With("call_id", callID),
		ctx:          ctx,
		cancel:       cancel,
		state:        StateConnecting,
		lastSeq:      p.StartSequence,
		createdAt:    now,
		lastActivity: now,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	s.gate = r.ctrl.NewGate(s.onDrained)
	return s
}

func (s *CallSession) CallID() string {
	return s.callID
}

func (s *CallSession) Call() transport.CallConfig {
	return s.call
}

func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *CallSession) Done() <-chan struct{} {
	return s.done
}

func (s *CallSession) Info() Info {
	s.mu.Lock()
	info := Info{
		CallID:         s.callID,
		StreamSID:      s.streamSID,
		AgentID:        s.call.AgentID,
		State:          s.state,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		InboundFrames:  s.inFrames,
		InboundBytes:   s.inBytes,
		OutboundFrames: s.outFrames,
		OutboundBytes:  s.outBytes,
		MarksSent:      s.markSeq,
		LastAckedMark:  s.lastAcked,
		DroppedFrames:  s.dropped,
		PendingChunks:  len(s.pending),
		DiscardedBytes: s.discarded,
		DiscardedAudio: s.discardedAudio,
		CloseReason:    s.closeReason,
	}
	s.mu.Unlock()

	if s.conn != nil {
		info.ConnID = s.conn.ID()
	}
	info.BufferedBytes = s.gate.Buffered()
	return info
}

// HandleFrame applies one inbound telephony frame. It returns ErrSequenceGap
// when the frame breaks the inbound numbering, after the session has been
// forced closed, and ErrSessionClosed for frames arriving after close.
func (s *CallSession) HandleFrame(ctx context.Context, f *frame.Frame) error {
	if err := s.advance(f.Sequence, f.Type); err != nil {
		return err
	}

	switch f.Type {
	case frame.TypeAudio:
		return s.forwardAudio(ctx, f.Payload)
	case frame.TypeStop:
		s.log.Info("stop received")
		s.BeginDrain(ReasonCallEnded)
	case frame.TypeMark:
		s.ackMark(f.Mark)
	case frame.TypeDTMF:
		s.log.Info("dtmf received", "digit", f.Digit)
	case frame.TypeStart:
		s.log.Debug("ignoring repeated start")
	}
	return nil
}

// SkipSequence accounts for a numbered frame that was dropped before it could
// be applied. The numbering is checked exactly as in HandleFrame.
func (s *CallSession) SkipSequence(seq uint64) error {
	if seq == 0 {
		return nil
	}
	return s.advance(seq, "")
}

func (s *CallSession) advance(seq uint64, t frame.Type) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.log.Debug("frame for closed session", "type", t)
		return ErrSessionClosed
	}
	if seq != 0 {
		if s.lastSeq != 0 && seq != s.lastSeq+1 {
			expected := s.lastSeq + 1
			s.mu.Unlock()
			s.log.Warn("inbound sequence gap", "expected", expected, "got", seq, "type", t)
			s.BeginDrain(ReasonSequenceGap)
			s.Close(ReasonSequenceGap)
			return fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, expected, seq)
		}
		s.lastSeq = seq
	}
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()
	return nil
}

func (s *CallSession) forwardAudio(ctx context.Context, audio []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	s.inFrames++
	s.inBytes += uint64(len(audio))

	switch s.state {
	case StateConnecting:
		s.inbound = append(s.inbound, audio)
		s.inboundBytes += len(audio)
		for s.inboundBytes > s.cfg.InboundBufferBytes && len(s.inbound) > 0 {
			s.inboundBytes -= len(s.inbound[0])
			s.inbound = s.inbound[1:]
			s.dropped++
		}
		s.mu.Unlock()
		return nil
	case StateStreaming:
		stream := s.stream
		s.mu.Unlock()
		if err := stream.SendAudio(ctx, audio); err != nil {
			s.log.Warn("failed to forward caller audio", "error", err)
			return err
		}
		return nil
	case StateDraining:
		s.dropped++
		s.mu.Unlock()
		s.log.Debug("dropping caller audio while draining", "bytes", len(audio))
		return nil
	default:
		s.mu.Unlock()
		return ErrSessionClosed
	}
}

func (s *CallSession) ackMark(name string) {
	seq, ok := frame.ParseMarkName(name)
	if !ok {
		s.log.Debug("ignoring foreign mark", "mark", name)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.markSeq {
		s.log.Warn("mark acknowledged before it was sent", "mark", seq, "sent", s.markSeq)
		return
	}
	if seq > s.lastAcked {
		s.lastAcked = seq
	}
}

// Run opens the synthesis stream for this call and services it until the
// session closes.
func (s *CallSession) Run(ctx context.Context, synth synthesis.Synthesizer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	stream, err := synth.Open(ctx, s.call)
	if err != nil {
		if s.ctx.Err() != nil {
			return ErrSessionClosed
		}
		s.log.Error("synthesis unavailable", "error", err)
		s.Close(ReasonSynthesisUnavailable)
		if !errors.Is(err, synthesis.ErrSynthesisUnavailable) {
			err = fmt.Errorf("%w: %v", synthesis.ErrSynthesisUnavailable, err)
		}
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = stream.Close()
		return ErrSessionClosed
	}
	s.stream = stream
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.writeLoop(gctx)
	})
	g.Go(func() error {
		return s.pumpEvents(gctx, stream.Events())
	})
	return g.Wait()
}

func (s *CallSession) pumpEvents(ctx context.Context, events <-chan synthesis.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				s.BeginDrain(ReasonSynthesisEOF)
				return nil
			}
			switch ev.Kind {
			case synthesis.EventReady:
				s.markStreaming(ctx)
			case synthesis.EventAudio:
				if err := s.EnqueueAudio(ctx, ev.Audio); err != nil && !errors.Is(err, ErrSessionClosed) && ctx.Err() == nil {
					s.log.Warn("dropping synthesized audio", "bytes", len(ev.Audio), "error", err)
				}
			case synthesis.EventInterruption:
				s.interrupt()
			case synthesis.EventTranscript:
				s.log.Debug("caller transcript", "text", ev.Text)
			case synthesis.EventAgentResponse:
				s.log.Debug("agent response", "text", ev.Text)
			case synthesis.EventError:
				s.log.Warn("synthesis stream failed", "error", ev.Err)
				s.BeginDrain(ReasonSynthesisError)
			}
		}
	}
}

func (s *CallSession) markStreaming(ctx context.Context) {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	s.sendMu.Lock()
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		s.sendMu.Unlock()
		return
	}
	s.state = StateStreaming
	buffered := s.inbound
	s.inbound = nil
	s.inboundBytes = 0
	stream := s.stream
	s.mu.Unlock()

	for _, audio := range buffered {
		if err := stream.SendAudio(ctx, audio); err != nil {
			s.log.Warn("failed to flush buffered caller audio", "error", err)
			break
		}
	}
	s.sendMu.Unlock()

	s.log.Info("session streaming", "buffered_frames", len(buffered))
	s.observer.StateChanged(s.Info(), StateConnecting, StateStreaming)
}

// EnqueueAudio queues one synthesized chunk for the telephony peer, split
// into frames no larger than MaxFrameBytes. The chunk's final frame carries
// the next mark. When the gate refuses a frame the synthesis stream is
// paused and the call blocks until the writer drains below low water.
func (s *CallSession) EnqueueAudio(ctx context.Context, audio []byte) error {
	if len(audio) == 0 {
		return nil
	}

	for off := 0; off < len(audio); off += s.cfg.MaxFrameBytes {
		end := min(off+s.cfg.MaxFrameBytes, len(audio))
		piece := audio[off:end]

		if err := s.reserve(ctx, len(piece)); err != nil {
			return err
		}

		s.mu.Lock()
		if s.state != StateStreaming {
			s.mu.Unlock()
			s.gate.Release(len(piece))
			return ErrSessionClosed
		}
		c := outboundChunk{audio: piece}
		if end == len(audio) {
			s.markSeq++
			c.mark = s.markSeq
		}
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		s.signal()
	}
	return nil
}

func (s *CallSession) reserve(ctx context.Context, n int) error {
	for {
		err := s.gate.Reserve(n)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, backpressure.ErrBackpressureExceeded):
			s.pauseUpstream()
			if err := s.gate.Wait(ctx); err != nil {
				if errors.Is(err, backpressure.ErrGateClosed) {
					return ErrSessionClosed
				}
				return err
			}
			s.resumeUpstream()
		case errors.Is(err, backpressure.ErrGateClosed):
			return ErrSessionClosed
		default:
			return err
		}
	}
}

func (s *CallSession) pauseUpstream() {
	s.mu.Lock()
	if s.upstreamPaused {
		s.mu.Unlock()
		return
	}
	s.upstreamPaused = true
	stream := s.stream
	s.mu.Unlock()

	if stream != nil {
		stream.Pause()
	}
	s.log.Debug("synthesis paused", "buffered", s.gate.Buffered())
	s.observer.Backpressure(s.Info(), true)
}

func (s *CallSession) onDrained() {
	s.resumeUpstream()
}

// resumeUpstream is reached from both the drain callback and the producer
// waking up, whichever comes first.
func (s *CallSession) resumeUpstream() {
	s.mu.Lock()
	if !s.upstreamPaused {
		s.mu.Unlock()
		return
	}
	s.upstreamPaused = false
	stream := s.stream
	s.mu.Unlock()

	if stream != nil {
		stream.Resume()
	}
	s.log.Debug("synthesis resumed", "buffered", s.gate.Buffered())
	s.observer.Backpressure(s.Info(), false)
}

// interrupt discards audio the peer has not been sent yet and asks it to
// drop what it has buffered.
func (s *CallSession) interrupt() {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	released := 0
	for _, c := range s.pending {
		released += len(c.audio)
	}
	dropped := len(s.pending)
	s.pending = append(s.pending[:0], outboundChunk{clear: true})
	s.mu.Unlock()

	s.gate.Release(released)
	s.signal()
	s.log.Debug("interrupted", "discarded_chunks", dropped, "discarded_bytes", released)
}

// SendText forwards a text increment to the synthesis stream.
func (s *CallSession) SendText(ctx context.Context, text string) error {
	s.mu.Lock()
	state := s.state
	stream := s.stream
	s.mu.Unlock()

	switch state {
	case StateStreaming:
		return stream.SendText(ctx, text)
	case StateClosed:
		return ErrSessionClosed
	default:
		return fmt.Errorf("%w: %s", ErrNotStreaming, state)
	}
}

func (s *CallSession) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *CallSession) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				draining := s.state == StateDraining
				reason := s.drainReason
				s.mu.Unlock()
				if draining {
					s.Close(reason)
					return nil
				}
				break
			}
			c := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			if err := s.writeChunk(c); err != nil {
				s.log.Warn("telephony write failed", "error", err)
				s.Close(ReasonWriteFailed)
				return fmt.Errorf("write to telephony peer: %w", err)
			}
			s.gate.Release(len(c.audio))
		}
	}
}

func (s *CallSession) writeChunk(c outboundChunk) error {
	if c.clear {
		data, err := frame.EncodeClear(s.streamSID)
		if err != nil {
			return err
		}
		return s.conn.WriteMessage(data)
	}

	data, err := frame.EncodeMedia(s.streamSID, c.audio)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(data); err != nil {
		return err
	}
	if c.mark > 0 {
		data, err := frame.EncodeMark(s.streamSID, c.mark)
		if err != nil {
			return err
		}
		if err := s.conn.WriteMessage(data); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.outFrames++
	s.outBytes += uint64(len(c.audio))
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()
	return nil
}

// BeginDrain stops accepting new audio and lets the writer flush what is
// pending before the session closes. A session that never reached
// STREAMING has nothing to flush and closes immediately.
func (s *CallSession) BeginDrain(reason CloseReason) {
	s.transitionMu.Lock()
	s.mu.Lock()
	switch s.state {
	case StateConnecting:
		s.mu.Unlock()
		s.transitionMu.Unlock()
		s.Close(reason)
		return
	case StateStreaming:
	default:
		s.mu.Unlock()
		s.transitionMu.Unlock()
		return
	}
	s.state = StateDraining
	s.drainReason = reason
	s.drainStarted = s.clock.Now()
	stream := s.stream
	s.mu.Unlock()

	s.log.Info("session draining", "reason", reason)
	s.observer.StateChanged(s.Info(), StateStreaming, StateDraining)
	s.transitionMu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			s.log.Debug("closing synthesis stream", "error", err)
		}
	}
	s.signal()
}

func (s *CallSession) drainingSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainStarted, s.state == StateDraining
}

func (s *CallSession) createdAtTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// Close releases both sockets, discards anything still pending, and removes
// the session from the registry. Only the first call has any effect.
func (s *CallSession) Close(reason CloseReason) error {
	var err error
	closed := false
	s.closeOnce.Do(func() {
		closed = true
		s.cancel()

		s.transitionMu.Lock()
		defer s.transitionMu.Unlock()

		s.mu.Lock()
		from := s.state
		s.state = StateClosed
		s.closeReason = reason
		s.pending = nil
		s.inbound = nil
		s.inboundBytes = 0
		stream := s.stream
		s.mu.Unlock()

		discarded := s.gate.Close()

		s.mu.Lock()
		s.discarded = discarded
		s.mu.Unlock()

		if stream != nil {
			err = multierr.Append(err, stream.Close())
			if d, ok := stream.(synthesis.AudioDiscarder); ok {
				s.mu.Lock()
				s.discardedAudio = d.DiscardedAudio()
				s.mu.Unlock()
			}
		}
		if s.conn != nil {
			err = multierr.Append(err, s.conn.Close())
		}

		s.registry.remove(s, reason)
		close(s.done)

		info := s.Info()
		s.log.Info("session closed",
			"reason", reason,
			"from", from,
			"inbound_frames", info.InboundFrames,
			"outbound_frames", info.OutboundFrames,
			"discarded_bytes", discarded,
		)
		if canTransition(from, StateClosed) {
			s.observer.StateChanged(info, from, StateClosed)
		}
		s.observer.SessionClosed(info)
	})
	if !closed {
		s.log.Debug("close on closed session ignored", "reason", reason)
	}
	return err
}
