package relay

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/eleven-am/call-relay/internal/callsession"
	"github.com/eleven-am/call-relay/internal/synthesis"
)

func TestHandler_TwiML(t *testing.T) {
	r := newTestRelay(t, testRelayConfig(), nil)

	form := url.Values{"voiceId": {"voice_9"}, "language": {"de"}}
	resp, err := http.PostForm(r.http.URL+"/v1/telephony/twiml", form)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/xml") {
		t.Errorf("expected xml content type, got %s", ct)
	}

	raw, _ := io.ReadAll(resp.Body)
	body := string(raw)
	for _, want := range []string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		`<Stream url="wss://relay.example.com/v1/telephony/stream">`,
		`name="agentId" value="agent_default"`,
		`name="voiceId" value="voice_9"`,
		`name="language" value="de"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in %s", want, body)
		}
	}
	if strings.Index(body, `name="agentId"`) > strings.Index(body, `name="voiceId"`) {
		t.Error("expected parameters in sorted order")
	}
}

func postSay(t *testing.T, r *testRelay, callID, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(r.http.URL+"/v1/calls/"+callID+"/say", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandler_Say(t *testing.T) {
	r := newTestRelay(t, testRelayConfig(), nil)

	if resp := postSay(t, r, "CA404", `{"text":"hi"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown call, got %d", resp.StatusCode)
	}

	ws := r.dial(t)
	send(t, ws, startMsg("CA1", 1, nil))
	waitSession(t, r, "CA1", callsession.StateConnecting)

	if resp := postSay(t, r, "CA1", `{"text":"  "}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for empty text, got %d", resp.StatusCode)
	}
	if resp := postSay(t, r, "CA1", `{"text":"hi"}`); resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 while connecting, got %d", resp.StatusCode)
	}

	waitFor(t, "synthesis opened", func() bool { return r.synth.Stream("CA1") != nil })
	stream := r.synth.Stream("CA1")
	stream.events <- synthesis.Event{Kind: synthesis.EventReady}
	waitSession(t, r, "CA1", callsession.StateStreaming)

	resp := postSay(t, r, "CA1", `{"text":"Please hold."}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var out map[string]string
	raw, _ := io.ReadAll(resp.Body)
	decodeJSON(t, string(raw), &out)
	if out["status"] != "queued" {
		t.Errorf("expected queued, got %v", out)
	}
	if texts := stream.Texts(); len(texts) != 1 || texts[0] != "Please hold." {
		t.Errorf("expected text forwarded to synthesis, got %v", texts)
	}

	sess, _ := r.registry.Lookup("CA1")
	_ = sess.Close(callsession.ReasonCallEnded)
	ended := postSay(t, r, "CA1", `{"text":"hi"}`)
	if ended.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after close, got %d", ended.StatusCode)
	}
	var apiErr struct {
		Code string `json:"code"`
	}
	raw, _ = io.ReadAll(ended.Body)
	decodeJSON(t, string(raw), &apiErr)
	if apiErr.Code != "call_ended" {
		t.Errorf("expected call_ended, got %q", apiErr.Code)
	}
}

func TestHandler_ListActive(t *testing.T) {
	r := newTestRelay(t, testRelayConfig(), nil)

	for _, id := range []string{"CA2", "CA1"} {
		ws := r.dial(t)
		send(t, ws, startMsg(id, 1, nil))
		waitSession(t, r, id, callsession.StateConnecting)
	}

	resp, err := http.Get(r.http.URL + "/v1/calls/active")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out struct {
		Total    int                `json:"total"`
		Sessions []callsession.Info `json:"sessions"`
	}
	raw, _ := io.ReadAll(resp.Body)
	decodeJSON(t, string(raw), &out)

	if out.Total != 2 || len(out.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %+v", out)
	}
	if out.Sessions[0].CallID != "CA1" || out.Sessions[1].CallID != "CA2" {
		t.Errorf("expected sessions sorted by call id, got %s, %s", out.Sessions[0].CallID, out.Sessions[1].CallID)
	}
	if out.Sessions[0].StreamSID != "MZCA1" {
		t.Errorf("expected stream sid MZCA1, got %s", out.Sessions[0].StreamSID)
	}
}
