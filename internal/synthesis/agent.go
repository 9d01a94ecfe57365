package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/eleven-am/call-relay/internal/frame"
	"github.com/eleven-am/call-relay/internal/transport"
	"github.com/gorilla/websocket"
)

// AgentClient opens conversational agent sessions: caller audio goes up,
// agent speech comes back, and the agent's own turn-taking decides when.
type AgentClient struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *slog.Logger
}

func NewAgentClient(cfg Config, log *slog.Logger) *AgentClient {
	return &AgentClient{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		log:    log.With("provider", ProviderAgent),
	}
}

func (c *AgentClient) Open(ctx context.Context, call transport.CallConfig) (Stream, error) {
	agentID := call.AgentID
	if agentID == "" {
		agentID = c.cfg.AgentID
	}
	if agentID == "" {
		return nil, fmt.Errorf("%w: no agent id for call %s", ErrNotConfigured, call.CallID)
	}

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/v1/convai/conversation?agent_id=" + url.QueryEscape(agentID)
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("xi-api-key", c.cfg.APIKey)
	}

	ws, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial agent: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial agent: %w", err)
	}

	log := c.log.With("call_id", call.CallID, "agent_id", agentID)
	s := newWSStream(ws, frame.DecodeAgentEvent, log)
	s.pong = frame.EncodeAgentPong

	voiceID := call.VoiceID
	firstMessage := call.FirstMessage
	if firstMessage == "" {
		firstMessage = c.cfg.Greeting
	}
	init, err := frame.EncodeAgentInit(frame.AgentInit{
		FirstMessage: firstMessage,
		Language:     call.Language,
		VoiceID:      voiceID,
		Variables:    call.Variables,
	})
	if err == nil {
		err = s.write(init)
	}
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("send agent init: %w", err)
	}

	go s.readLoop()
	return &agentStream{wsStream: s}, nil
}

type agentStream struct {
	*wsStream
}

func (s *agentStream) SendAudio(_ context.Context, audio []byte) error {
	data, err := frame.EncodeAgentAudio(audio)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *agentStream) SendText(_ context.Context, text string) error {
	data, err := frame.EncodeAgentText(text)
	if err != nil {
		return err
	}
	return s.write(data)
}
