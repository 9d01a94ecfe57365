package synthesis

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/call-relay/internal/frame"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1024 * 1024
	eventBuffer    = 8
)

type decodeFunc func([]byte) (*frame.SynthesisEvent, error)

// wsStream carries the socket plumbing shared by both providers: a single
// reader that turns messages into events, serialized writes, and read-side
// pause used as upstream flow control.
type wsStream struct {
	ws     *websocket.Conn
	log    *slog.Logger
	decode decodeFunc
	pong   func(eventID int64) ([]byte, error)
	bye    func() ([]byte, error)

	events chan Event

	writeMu sync.Mutex

	pauseMu sync.Mutex
	paused  bool
	resume  chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newWSStream(ws *websocket.Conn, decode decodeFunc, log *slog.Logger) *wsStream {
	ws.SetReadLimit(maxMessageSize)
	return &wsStream{
		ws:     ws,
		log:    log,
		decode: decode,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

func (s *wsStream) Events() <-chan Event {
	return s.events
}

func (s *wsStream) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}

	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *wsStream) Pause() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.resume = make(chan struct{})
}

func (s *wsStream) Resume() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	close(s.resume)
}

func (s *wsStream) waitResumed() bool {
	s.pauseMu.Lock()
	if !s.paused {
		s.pauseMu.Unlock()
		return true
	}
	ch := s.resume
	s.pauseMu.Unlock()

	select {
	case <-ch:
		return true
	case <-s.done:
		return false
	}
}

func (s *wsStream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *wsStream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *wsStream) readLoop() {
	defer close(s.events)

	for {
		if !s.waitResumed() {
			return
		}

		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if !s.closed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("synthesis socket closed unexpectedly", "error", err)
				s.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: %v", ErrStreamClosed, err)})
			}
			return
		}

		ev, err := s.decode(data)
		if err != nil {
			s.log.Warn("dropping malformed synthesis message", "error", err)
			continue
		}

		switch ev.Kind {
		case frame.SynthesisPing:
			if s.pong == nil {
				continue
			}
			reply, err := s.pong(ev.EventID)
			if err == nil {
				err = s.write(reply)
			}
			if err != nil {
				s.log.Debug("failed to answer synthesis ping", "error", err)
			}
		case frame.SynthesisReady:
			s.log.Debug("synthesis ready", "conversation_id", ev.ConversationID, "format", ev.OutputFormat)
			if !s.emit(Event{Kind: EventReady}) {
				return
			}
		case frame.SynthesisAudio:
			if len(ev.Audio) == 0 {
				continue
			}
			if !s.emit(Event{Kind: EventAudio, Audio: ev.Audio}) {
				return
			}
		case frame.SynthesisInterruption:
			if !s.emit(Event{Kind: EventInterruption}) {
				return
			}
		case frame.SynthesisTranscript:
			if !s.emit(Event{Kind: EventTranscript, Text: ev.Text}) {
				return
			}
		case frame.SynthesisAgentResponse:
			if !s.emit(Event{Kind: EventAgentResponse, Text: ev.Text}) {
				return
			}
		case frame.SynthesisFinal:
			return
		case frame.SynthesisError:
			s.emit(Event{Kind: EventError, Err: fmt.Errorf("synthesis error: %s", ev.Text)})
			return
		}
	}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		deadline := time.Now().Add(writeWait)
		if s.bye != nil {
			if msg, e := s.bye(); e == nil {
				_ = s.ws.SetWriteDeadline(deadline)
				_ = s.ws.WriteMessage(websocket.TextMessage, msg)
			}
		}
		close(s.done)

		err = multierr.Combine(
			s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline),
			s.ws.Close(),
		)
	})
	return err
}
