package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eleven-am/call-relay/internal/backpressure"
	"github.com/eleven-am/call-relay/internal/callsession"
	"github.com/eleven-am/call-relay/internal/frame"
	"github.com/eleven-am/call-relay/internal/shared"
	"github.com/eleven-am/call-relay/internal/synthesis"
	"github.com/eleven-am/call-relay/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStream struct {
	events chan synthesis.Event

	mu    sync.Mutex
	audio [][]byte
	texts []string
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
func (s *fakeStream) Pause()                         {}
func (s *fakeStream) Resume()                        {}
func (s *fakeStream) Close() error                   { return nil }

func (s *fakeStream) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

func (s *fakeStream) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type fakeSynth struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
	calls   map[string]transport.CallConfig
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{
		streams: make(map[string]*fakeStream),
		calls:   make(map[string]transport.CallConfig),
	}
}

func (f *fakeSynth) Open(_ context.Context, call transport.CallConfig) (synthesis.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeStream{events: make(chan synthesis.Event, 16)}
	f.streams[call.CallID] = s
	f.calls[call.CallID] = call
	return s, nil
}

func (f *fakeSynth) Stream(callID string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[callID]
}

func (f *fakeSynth) Call(callID string) transport.CallConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[callID]
}

type recordingFrames struct {
	mu       sync.Mutex
	received map[frame.Type]int
	dropped  map[string]int
}

func newRecordingFrames() *recordingFrames {
	return &recordingFrames{received: map[frame.Type]int{}, dropped: map[string]int{}}
}

func (r *recordingFrames) FrameReceived(t frame.Type, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received[t]++
}

func (r *recordingFrames) FrameDropped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped[reason]++
}

func (r *recordingFrames) Dropped(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped[reason]
}

type mapConfigs map[string]transport.CallConfig

func (m mapConfigs) GetConfig(_ context.Context, callID string) (*transport.CallConfig, error) {
	cfg, ok := m[callID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &cfg, nil
}

type testRelay struct {
	server   *Server
	registry *callsession.Registry
	synth    *fakeSynth
	frames   *recordingFrames
	http     *httptest.Server
}

func testRelayConfig() Config {
	return Config{
		StreamPath:   "/v1/telephony/stream",
		PublicHost:   "relay.example.com",
		DrainTimeout: time.Second,
		Defaults:     transport.CallConfig{AgentID: "agent_default", VoiceID: "voice_default"},
	}
}

func newTestRelay(t *testing.T, cfg Config, configs ConfigSource) *testRelay {
	t.Helper()
	ctrl, err := backpressure.NewController(backpressure.Config{HighWater: 64000, LowWater: 16000})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	reg, err := callsession.NewRegistry(callsession.DefaultConfig(), ctrl, nil, clock.New(), testLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	synth := newFakeSynth()
	frames := newRecordingFrames()
	srv, err := NewServer(cfg, reg, synth, configs, frames, testLogger())
	if err != nil {
		t.Fatalf("server: %v", err)
	}

	e := echo.New()
	h := NewHandler(srv)
	h.RegisterStreamRoute(e)
	h.RegisterRoutes(e.Group("/v1/calls"))

	ts := httptest.NewServer(e)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return &testRelay{server: srv, registry: reg, synth: synth, frames: frames, http: ts}
}

func (r *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+r.http.URL[4:]+"/v1/telephony/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg map[string]any) {
	t.Helper()
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func startMsg(callID string, seq int, params map[string]string) map[string]any {
	return map[string]any{
		"event":          "start",
		"sequenceNumber": fmt.Sprint(seq),
		"streamSid":      "MZ" + callID,
		"start": map[string]any{
			"callSid":          callID,
			"streamSid":        "MZ" + callID,
			"accountSid":       "AC1",
			"tracks":           []string{"inbound"},
			"mediaFormat":      map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
			"customParameters": params,
		},
	}
}

func mediaMsg(callID string, seq int, payload []byte) map[string]any {
	return map[string]any{
		"event":          "media",
		"sequenceNumber": fmt.Sprint(seq),
		"streamSid":      "MZ" + callID,
		"media":          map[string]any{"track": "inbound", "payload": base64.StdEncoding.EncodeToString(payload)},
	}
}

func stopMsg(callID string, seq int) map[string]any {
	return map[string]any{
		"event":          "stop",
		"sequenceNumber": fmt.Sprint(seq),
		"streamSid":      "MZ" + callID,
		"stop":           map[string]any{"callSid": callID},
	}
}

func readMsg(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m map[string]any
	if err := ws.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
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

func waitSession(t *testing.T, r *testRelay, callID string, state callsession.State) *callsession.CallSession {
	t.Helper()
	var sess *callsession.CallSession
	waitFor(t, fmt.Sprintf("%s %s", callID, state), func() bool {
		s, ok := r.registry.Lookup(callID)
		if !ok || s.State() != state {
			return false
		}
		sess = s
		return true
	})
	return sess
}

func TestRelay_EndToEnd(t *testing.T) {
	r := newTestRelay(t, testRelayConfig(), nil)
	ws := r.dial(t)

	send(t, ws, map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"})
	send(t, ws, startMsg("CA123", 1, map[string]string{"agentId": "agent_42"}))

	sess := waitSession(t, r, "CA123", callsession.StateConnecting)
	waitFor(t, "synthesis opened", func() bool { return r.synth.Stream("CA123") != nil })
	stream := r.synth.Stream("CA123")
	if got := r.synth.Call("CA123").AgentID; got != "agent_42" {
		t.Errorf("expected agent from custom parameters, got %s", got)
	}

	stream.events <- synthesis.Event{Kind: synthesis.EventReady}
	waitSession(t, r, "CA123", callsession.StateStreaming)

	for i := 0; i < 5; i++ {
		payload := make([]byte, 160)
		payload[0] = byte(i + 1)
		send(t, ws, mediaMsg("CA123", i+2, payload))
	}
	waitFor(t, "five frames forwarded", func() bool { return len(stream.Audio()) == 5 })
	for i, audio := range stream.Audio() {
		if len(audio) != 160 || audio[0] != byte(i+1) {
			t.Errorf("frame %d forwarded out of order", i)
		}
	}

	for i := 0; i < 3; i++ {
		stream.events <- synthesis.Event{Kind: synthesis.EventAudio, Audio: []byte{byte(i), 0x7f, 0xff}}
	}
	for i := 0; i < 3; i++ {
		media := readMsg(t, ws)
		if media["event"] != "media" || media["streamSid"] != "MZCA123" {
			t.Fatalf("expected media, got %v", media)
		}
		mark := readMsg(t, ws)
		body, _ := mark["mark"].(map[string]any)
		if mark["event"] != "mark" || body["name"] != frame.MarkName(uint64(i+1)) {
			t.Fatalf("expected mark %d, got %v", i+1, mark)
		}
	}

	// A truncated frame mid-stream is dropped without touching the session.
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"media","sequenceNumber":"7","media":{"payload":"AAA`)); err != nil {
		t.Fatalf("write truncated: %v", err)
	}
	waitFor(t, "malformed frame counted", func() bool { return r.frames.Dropped(DropMalformed) == 1 })
	if sess.State() != callsession.StateStreaming {
		t.Errorf("expected streaming after malformed frame, got %s", sess.State())
	}
	if len(stream.Audio()) != 5 {
		t.Errorf("malformed frame must not reach synthesis")
	}

	send(t, ws, stopMsg("CA123", 7))

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not close, state %s", sess.State())
	}
	if _, ok := r.registry.Lookup("CA123"); ok {
		t.Error("expected CA123 to be removed")
	}
	if got := sess.Info().CloseReason; got != callsession.ReasonCallEnded {
		t.Errorf("expected call_ended, got %s", got)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}

func TestRelay_RejectsDuplicateCallID(t *testing.T) {
	r := newTestRelay(t, testRelayConfig(), nil)

	first := r.dial(t)
	send(t, first, startMsg("CA9", 1, nil))
	waitSession(t, r, "CA9", callsession.StateConnecting)

	second := r.dial(t)
	send(t, second, startMsg("CA9", 1, nil))

	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseProtocolError) {
		t.Fatalf("expected protocol error close, got %v", err)
	}
	if r.frames.Dropped(DropDuplicate) != 1 {
		t.Errorf("expected duplicate counted")
	}
	if sess, ok := r.registry.Lookup("CA9"); !ok || sess.State() == callsession.StateClosed {
		t.Error("the original session must survive the duplicate")
	}
}

func TestRelay_MalformedStartClosesConnection(t *testing.T) {
	r := newTestRelay(t, testRelayConfig(), nil)
	ws := r.dial(t)

	send(t, ws, map[string]any{"event": "start", "sequenceNumber": "1", "start": map[string]any{}})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseProtocolError) {
		t.Fatalf("expected protocol error close, got %v", err)
	}
	if r.registry.Count() != 0 {
		t.Errorf("expected no sessions, got %d", r.registry.Count())
	}
}

func TestRelay_DropsFramesBeforeStartAndForOtherCalls(t *testing.T) {
	r := newTestRelay(t, testRelayConfig(), nil)
	ws := r.dial(t)

	send(t, ws, mediaMsg("CA1", 1, []byte{1}))
	waitFor(t, "frame before start dropped", func() bool { return r.frames.Dropped(DropNoSession) == 1 })

	send(t, ws, startMsg("CA1", 2, nil))
	sess := waitSession(t, r, "CA1", callsession.StateConnecting)

	send(t, ws, stopMsg("CA404", 3))
	waitFor(t, "unknown call dropped", func() bool { return r.frames.Dropped(DropUnknownCall) == 1 })

	send(t, ws, mediaMsg("CA1", 4, []byte{1, 2}))
	waitFor(t, "media buffered", func() bool { return sess.Info().InboundFrames == 1 })
	if sess.State() != callsession.StateConnecting {
		t.Errorf("expected CA1 untouched, got %s", sess.State())
	}
	if r.frames.Dropped(DropSequenceGap) != 0 {
		t.Error("a dropped numbered frame must still count toward the sequence")
	}
}

func TestRelay_ConnectionCannotStopAnotherCall(t *testing.T) {
	r := newTestRelay(t, testRelayConfig(), nil)

	victim := r.dial(t)
	send(t, victim, startMsg("CAV", 1, nil))
	target := waitSession(t, r, "CAV", callsession.StateConnecting)

	other := r.dial(t)
	send(t, other, startMsg("CAA", 1, nil))
	own := waitSession(t, r, "CAA", callsession.StateConnecting)

	send(t, other, stopMsg("CAV", 2))
	waitFor(t, "foreign stop dropped", func() bool { return r.frames.Dropped(DropUnknownCall) == 1 })

	if target.State() != callsession.StateConnecting {
		t.Errorf("expected CAV untouched, got %s", target.State())
	}
	if own.State() != callsession.StateConnecting {
		t.Errorf("expected CAA untouched, got %s", own.State())
	}

	send(t, other, stopMsg("CAA", 3))
	select {
	case <-own.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("own stop should still end CAA")
	}
	if target.State() != callsession.StateConnecting {
		t.Errorf("expected CAV to survive CAA ending, got %s", target.State())
	}
}

func streamingSession(t *testing.T, r *testRelay, ws *websocket.Conn, callID string) (*callsession.CallSession, *fakeStream) {
	t.Helper()
	send(t, ws, startMsg(callID, 1, nil))
	waitSession(t, r, callID, callsession.StateConnecting)
	waitFor(t, "synthesis opened", func() bool { return r.synth.Stream(callID) != nil })
	stream := r.synth.Stream(callID)
	stream.events <- synthesis.Event{Kind: synthesis.EventReady}
	return waitSession(t, r, callID, callsession.StateStreaming), stream
}

func TestRelay_MalformedMediaKeepsSequence(t *testing.T) {
	r := newTestRelay(t, testRelayConfig(), nil)
	ws := r.dial(t)
	sess, stream := streamingSession(t, r, ws, "CA1")

	send(t, ws, mediaMsg("CA1", 2, []byte{1}))
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"media","sequenceNumber":"3","media":{"payload":"!!!"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	send(t, ws, map[string]any{"event": "media", "sequenceNumber": "4", "media": map[string]any{"payload": ""}})
	send(t, ws, mediaMsg("CA1", 5, []byte{5}))

	waitFor(t, "valid frames forwarded", func() bool { return len(stream.Audio()) == 2 })
	if got := r.frames.Dropped(DropMalformed); got != 2 {
		t.Errorf("expected 2 malformed frames, got %d", got)
	}
	if r.frames.Dropped(DropSequenceGap) != 0 {
		t.Error("malformed frames must not open a sequence gap")
	}
	if sess.State() != callsession.StateStreaming {
		t.Errorf("expected streaming, got %s", sess.State())
	}
	if audio := stream.Audio(); audio[0][0] != 1 || audio[1][0] != 5 {
		t.Errorf("unexpected forwarded audio %v", audio)
	}
}

func TestRelay_MalformedStopDrainsCall(t *testing.T) {
	r := newTestRelay(t, testRelayConfig(), nil)
	ws := r.dial(t)
	sess, _ := streamingSession(t, r, ws, "CA1")

	send(t, ws, map[string]any{"event": "stop", "sequenceNumber": "-1"})

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not close, state %s", sess.State())
	}
	if got := sess.Info().CloseReason; got != callsession.ReasonProtocolError {
		t.Errorf("expected protocol_error, got %s", got)
	}
	if r.frames.Dropped(DropMalformed) != 1 {
		t.Error("expected malformed stop counted")
	}
}

func TestRelay_MalformedSecondStartClosesCall(t *testing.T) {
	r := newTestRelay(t, testRelayConfig(), nil)
	ws := r.dial(t)
	send(t, ws, startMsg("CA1", 1, nil))
	sess := waitSession(t, r, "CA1", callsession.StateConnecting)

	send(t, ws, map[string]any{"event": "start", "sequenceNumber": "2"})

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not close, state %s", sess.State())
	}
	if got := sess.Info().CloseReason; got != callsession.ReasonProtocolError {
		t.Errorf("expected protocol_error, got %s", got)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed")
	}
}

func TestRelay_DisconnectClosesSession(t *testing.T) {
	r := newTestRelay(t, testRelayConfig(), nil)
	ws := r.dial(t)

	send(t, ws, startMsg("CA1", 1, nil))
	sess := waitSession(t, r, "CA1", callsession.StateConnecting)

	_ = ws.Close()

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session should close when the telephony peer disconnects")
	}
	if got := sess.Info().CloseReason; got != callsession.ReasonTelephonyEOF {
		t.Errorf("expected telephony_eof, got %s", got)
	}
}

func TestRelay_StoredConfigWins(t *testing.T) {
	configs := mapConfigs{"CA1": {AgentID: "agent_stored", Language: "fr"}}
	r := newTestRelay(t, testRelayConfig(), configs)
	ws := r.dial(t)

	send(t, ws, startMsg("CA1", 1, map[string]string{"agentId": "agent_param", "voiceId": "voice_param", "customer": "ada"}))
	waitFor(t, "synthesis opened", func() bool { return r.synth.Stream("CA1") != nil })

	call := r.synth.Call("CA1")
	if call.AgentID != "agent_stored" {
		t.Errorf("expected stored agent, got %s", call.AgentID)
	}
	if call.VoiceID != "voice_param" {
		t.Errorf("expected voice from parameters, got %s", call.VoiceID)
	}
	if call.Language != "fr" {
		t.Errorf("expected stored language, got %s", call.Language)
	}
	if call.Variables["customer"] != "ada" {
		t.Errorf("expected custom parameter variable, got %v", call.Variables)
	}
	if call.CallID != "CA1" {
		t.Errorf("expected call id CA1, got %s", call.CallID)
	}
}

func TestRelay_DefaultConfigApplies(t *testing.T) {
	r := newTestRelay(t, testRelayConfig(), mapConfigs{})
	ws := r.dial(t)

	send(t, ws, startMsg("CA1", 1, nil))
	waitFor(t, "synthesis opened", func() bool { return r.synth.Stream("CA1") != nil })

	call := r.synth.Call("CA1")
	if call.AgentID != "agent_default" || call.VoiceID != "voice_default" {
		t.Errorf("expected defaults, got %+v", call)
	}
}

func TestRelay_Admission(t *testing.T) {
	cfg := testRelayConfig()
	cfg.MaxSessions = 1
	r := newTestRelay(t, cfg, nil)

	ws := r.dial(t)
	send(t, ws, startMsg("CA1", 1, nil))
	waitSession(t, r, "CA1", callsession.StateConnecting)

	resp, err := http.Get(r.http.URL + "/v1/telephony/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 at capacity, got %d", resp.StatusCode)
	}
}

func TestRelay_RateLimit(t *testing.T) {
	cfg := testRelayConfig()
	cfg.AcceptRate = 0.001
	cfg.AcceptBurst = 1
	r := newTestRelay(t, cfg, nil)

	first, err := http.Get(r.http.URL + "/v1/telephony/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.Body.Close()
	if first.StatusCode == http.StatusTooManyRequests {
		t.Fatal("first connection should pass the limiter")
	}

	second, err := http.Get(r.http.URL + "/v1/telephony/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", second.StatusCode)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"relative path", func(c *Config) { c.StreamPath = "stream" }, true},
		{"negative sessions", func(c *Config) { c.MaxSessions = -1 }, true},
		{"negative rate", func(c *Config) { c.AcceptRate = -1 }, true},
		{"no drain timeout", func(c *Config) { c.DrainTimeout = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testRelayConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRelay_ShutdownClosesSessions(t *testing.T) {
	r := newTestRelay(t, testRelayConfig(), nil)
	ws := r.dial(t)
	send(t, ws, startMsg("CA1", 1, nil))
	sess := waitSession(t, r, "CA1", callsession.StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.server.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if sess.State() != callsession.StateClosed {
		t.Errorf("expected closed, got %s", sess.State())
	}
	if got := sess.Info().CloseReason; got != callsession.ReasonShutdown {
		t.Errorf("expected shutdown, got %s", got)
	}
}

func decodeJSON(t *testing.T, body string, v any) {
	t.Helper()
	if err := json.NewDecoder(strings.NewReader(body)).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}
