package synthesis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eleven-am/call-relay/internal/transport"
	"github.com/gorilla/websocket"
)

type serverMsg map[string]any

func readJSON(t *testing.T, ws *websocket.Conn) serverMsg {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Errorf("server read: %v", err)
		return nil
	}
	var m serverMsg
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("server unmarshal: %v", err)
	}
	return m
}

func nextEvent(t *testing.T, events <-chan Event) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-events:
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synthesis event")
		return Event{}, false
	}
}

func TestAgentClient_Conversation(t *testing.T) {
	received := make(chan serverMsg, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/convai/conversation" || r.URL.Query().Get("agent_id") != "agent_1" {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		if r.Header.Get("xi-api-key") != "xi-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		received <- readJSON(t, ws)
		_ = ws.WriteJSON(serverMsg{
			"type": "conversation_initiation_metadata",
			"conversation_initiation_metadata_event": serverMsg{
				"conversation_id":           "conv_1",
				"agent_output_audio_format": "ulaw_8000",
			},
		})
		_ = ws.WriteJSON(serverMsg{"type": "ping", "ping_event": serverMsg{"event_id": 7}})
		received <- readJSON(t, ws)
		_ = ws.WriteJSON(serverMsg{
			"type":        "audio",
			"audio_event": serverMsg{"audio_base_64": base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), "event_id": 8},
		})
		received <- readJSON(t, ws)
		_, _, _ = ws.ReadMessage()
	}))
	defer server.Close()

	client := NewAgentClient(Config{
		Provider: ProviderAgent,
		APIKey:   "xi-test",
		BaseURL:  "ws" + server.URL[4:],
		Greeting: "Hi there",
	}, testLogger())

	stream, err := client.Open(context.Background(), transport.CallConfig{
		CallID:    "CA123",
		AgentID:   "agent_1",
		Variables: map[string]string{"customer": "ada"},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	init := <-received
	if init["type"] != "conversation_initiation_client_data" {
		t.Errorf("expected init message, got %v", init["type"])
	}
	override, _ := init["conversation_config_override"].(map[string]any)
	agent, _ := override["agent"].(map[string]any)
	if agent["first_message"] != "Hi there" {
		t.Errorf("expected greeting in override, got %v", agent["first_message"])
	}
	vars, _ := init["dynamic_variables"].(map[string]any)
	if vars["customer"] != "ada" {
		t.Errorf("expected dynamic variable, got %v", vars)
	}

	ev, _ := nextEvent(t, stream.Events())
	if ev.Kind != EventReady {
		t.Fatalf("expected ready, got %s", ev.Kind)
	}

	pong := <-received
	if pong["type"] != "pong" || pong["event_id"] != float64(7) {
		t.Errorf("expected pong for event 7, got %v", pong)
	}

	ev, _ = nextEvent(t, stream.Events())
	if ev.Kind != EventAudio || len(ev.Audio) != 3 {
		t.Fatalf("expected 3 bytes of audio, got %s %v", ev.Kind, ev.Audio)
	}

	if err := stream.SendAudio(context.Background(), []byte{0xff, 0x7f}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	chunk := <-received
	if chunk["user_audio_chunk"] != base64.StdEncoding.EncodeToString([]byte{0xff, 0x7f}) {
		t.Errorf("unexpected audio chunk: %v", chunk)
	}
}

func TestAgentClient_ErrorEndsStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, _, _ = ws.ReadMessage()
		_ = ws.WriteJSON(serverMsg{"type": "error", "message": "quota exceeded"})
		_, _, _ = ws.ReadMessage()
	}))
	defer server.Close()

	client := NewAgentClient(Config{Provider: ProviderAgent, BaseURL: "ws" + server.URL[4:], AgentID: "agent_1"}, testLogger())
	stream, err := client.Open(context.Background(), transport.CallConfig{CallID: "CA123"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	ev, ok := nextEvent(t, stream.Events())
	if !ok || ev.Kind != EventError {
		t.Fatalf("expected error event, got %v ok=%v", ev.Kind, ok)
	}
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "quota exceeded") {
		t.Errorf("expected error text, got %v", ev.Err)
	}
	if _, ok := nextEvent(t, stream.Events()); ok {
		t.Error("expected events channel to close after error")
	}
}

func TestAgentClient_RequiresAgentID(t *testing.T) {
	client := NewAgentClient(Config{Provider: ProviderAgent, BaseURL: "ws://127.0.0.1:1"}, testLogger())
	_, err := client.Open(context.Background(), transport.CallConfig{CallID: "CA123"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestTTSClient_StreamInput(t *testing.T) {
	received := make(chan serverMsg, 4)
	query := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice_1/stream-input" {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		query <- r.URL.RawQuery
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		received <- readJSON(t, ws)
		received <- readJSON(t, ws)
		_ = ws.WriteJSON(serverMsg{"audio": base64.StdEncoding.EncodeToString(make([]byte, 160))})
		_ = ws.WriteJSON(serverMsg{"audio": nil, "isFinal": true})
		_, _, _ = ws.ReadMessage()
	}))
	defer server.Close()

	client := NewTTSClient(Config{
		Provider: ProviderTTS,
		BaseURL:  "ws" + server.URL[4:],
		VoiceID:  "voice_1",
		ModelID:  "eleven_turbo_v2_5",
	}, testLogger())

	stream, err := client.Open(context.Background(), transport.CallConfig{CallID: "CA123", FirstMessage: "Hello"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	q := <-query
	if !strings.Contains(q, "output_format=ulaw_8000") || !strings.Contains(q, "model_id=eleven_turbo_v2_5") {
		t.Errorf("unexpected query: %s", q)
	}

	init := <-received
	if init["text"] != " " {
		t.Errorf("expected single space init text, got %q", init["text"])
	}
	settings, _ := init["voice_settings"].(map[string]any)
	if settings["stability"] != 0.5 || settings["similarity_boost"] != 0.75 {
		t.Errorf("expected default voice settings, got %v", settings)
	}

	greeting := <-received
	if greeting["text"] != "Hello " || greeting["flush"] != true {
		t.Errorf("unexpected greeting message: %v", greeting)
	}

	ev, _ := nextEvent(t, stream.Events())
	if ev.Kind != EventReady {
		t.Fatalf("expected ready, got %s", ev.Kind)
	}
	ev, _ = nextEvent(t, stream.Events())
	if ev.Kind != EventAudio || len(ev.Audio) != 160 {
		t.Fatalf("expected 160 bytes of audio, got %s %d", ev.Kind, len(ev.Audio))
	}
	if _, ok := nextEvent(t, stream.Events()); ok {
		t.Error("expected events channel to close after final")
	}

	if err := stream.SendAudio(context.Background(), make([]byte, 320)); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if got := stream.(*ttsStream).DiscardedAudio(); got != 320 {
		t.Errorf("expected 320 discarded bytes, got %d", got)
	}
}

func TestWSStream_CloseIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := NewAgentClient(Config{Provider: ProviderAgent, BaseURL: "ws" + server.URL[4:], AgentID: "agent_1"}, testLogger())
	stream, err := client.Open(context.Background(), transport.CallConfig{CallID: "CA123"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_ = stream.Close()
	if err := stream.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if err := stream.SendText(context.Background(), "hello"); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed after close, got %v", err)
	}
	if _, ok := nextEvent(t, stream.Events()); ok {
		t.Error("expected events channel to close")
	}
}
