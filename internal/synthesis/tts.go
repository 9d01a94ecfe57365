package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/eleven-am/call-relay/internal/frame"
	"github.com/eleven-am/call-relay/internal/transport"
	"github.com/gorilla/websocket"
)

// TTSClient opens text-to-speech stream-input sessions. The collaborator
// only consumes text, so caller audio handed to SendAudio is counted and
// discarded.
type TTSClient struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *slog.Logger
}

func NewTTSClient(cfg Config, log *slog.Logger) *TTSClient {
	return &TTSClient{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		log:    log.With("provider", ProviderTTS),
	}
}

func (c *TTSClient) Open(ctx context.Context, call transport.CallConfig) (Stream, error) {
	voiceID := call.VoiceID
	if voiceID == "" {
		voiceID = c.cfg.VoiceID
	}
	if voiceID == "" {
		return nil, fmt.Errorf("%w: no voice id for call %s", ErrNotConfigured, call.CallID)
	}
	modelID := call.ModelID
	if modelID == "" {
		modelID = c.cfg.ModelID
	}
	format := c.cfg.outputFormat()
	if call.OutputFormat != "" {
		format = call.OutputFormat
	}

	q := url.Values{}
	q.Set("output_format", string(format))
	if modelID != "" {
		q.Set("model_id", modelID)
	}
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("xi-api-key", c.cfg.APIKey)
	}

	ws, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial tts: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial tts: %w", err)
	}

	log := c.log.With("call_id", call.CallID, "voice_id", voiceID)
	s := newWSStream(ws, frame.DecodeTTSEvent, log)
	s.bye = frame.EncodeTTSEnd

	settings := c.cfg.VoiceSettings
	if settings == (frame.VoiceSettings{}) {
		settings = frame.DefaultVoiceSettings
	}
	init, err := frame.EncodeTTSInit(settings)
	if err == nil {
		err = s.write(init)
	}
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("send tts init: %w", err)
	}

	st := &ttsStream{wsStream: s}

	// The service has no readiness message; an accepted init is the ack.
	s.events <- Event{Kind: EventReady}

	greeting := call.FirstMessage
	if greeting == "" {
		greeting = c.cfg.Greeting
	}
	if greeting != "" {
		if err := st.SendText(ctx, greeting); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("send greeting: %w", err)
		}
	}

	go s.readLoop()
	return st, nil
}

type ttsStream struct {
	*wsStream
	discarded atomic.Int64
}

func (s *ttsStream) SendAudio(_ context.Context, audio []byte) error {
	s.discarded.Add(int64(len(audio)))
	return nil
}

func (s *ttsStream) SendText(_ context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	data, err := frame.EncodeTTSText(text, true)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *ttsStream) DiscardedAudio() int64 {
	return s.discarded.Load()
}
