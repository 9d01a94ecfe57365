package callsession

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eleven-am/call-relay/internal/backpressure"
	"github.com/eleven-am/call-relay/internal/synthesis"
	"github.com/eleven-am/call-relay/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	id      string
	release chan struct{}

	mu       sync.Mutex
	attempts int
	messages []map[string]any
	closes   int
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: "conn_test"}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()
	if c.release != nil {
		<-c.release
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) Messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *fakeConn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *fakeConn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeStream struct {
	events chan synthesis.Event

	mu      sync.Mutex
	audio   [][]byte
	texts   []string
	paused  bool
	pauses  int
	resumes int
	closes  int
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan synthesis.Event, 16)}
}

func (s *fakeStream) SendAudio(_ context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, audio)
	return nil
}

func (s *fakeStream) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeStream) Events() <-chan synthesis.Event { return s.events }

func (s *fakeStream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.pauses++
}

func (s *fakeStream) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.resumes++
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeStream) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

func (s *fakeStream) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

type fakeSynth struct {
	stream *fakeStream
	err    error
	wrap   bool
}

func (f *fakeSynth) Open(context.Context, transport.CallConfig) (synthesis.Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.wrap {
		return discardingStream{f.stream}, nil
	}
	return f.stream, nil
}

type recordingObserver struct {
	mu           sync.Mutex
	transitions  []string
	started      int
	closed       []CloseReason
	backpressure []bool
}

func (o *recordingObserver) SessionStarted(Info) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) StateChanged(_ Info, from, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, fmt.Sprintf("%s->%s", from, to))
}

func (o *recordingObserver) SessionClosed(info Info) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, info.CloseReason)
}

func (o *recordingObserver) Backpressure(_ Info, paused bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.backpressure = append(o.backpressure, paused)
}

func (o *recordingObserver) Transitions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.transitions...)
}

func (o *recordingObserver) Closed() []CloseReason {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]CloseReason(nil), o.closed...)
}

func (o *recordingObserver) BackpressureEvents() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.backpressure...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxFrameBytes = 160
	cfg.InboundBufferBytes = 800
	return cfg
}

func newTestRegistry(t *testing.T, cfg Config, bp backpressure.Config, clk clock.Clock, obs Observer) *Registry {
	t.Helper()
	ctrl, err := backpressure.NewController(bp)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	reg, err := NewRegistry(cfg, ctrl, obs, clk, testLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func defaultBackpressure() backpressure.Config {
	return backpressure.Config{HighWater: 64000, LowWater: 16000}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func waitClosed(t *testing.T, s *CallSession) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s did not close, state %s", s.CallID(), s.State())
	}
}

func synthesisAudio(n int) synthesis.Event {
	return synthesis.Event{Kind: synthesis.EventAudio, Audio: make([]byte, n)}
}
