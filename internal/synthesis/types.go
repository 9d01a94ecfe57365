package synthesis

import (
	"errors"
	"fmt"
	"time"

	"github.com/eleven-am/call-relay/internal/frame"
	"github.com/eleven-am/call-relay/internal/shared"
	"github.com/eleven-am/call-relay/internal/transport"
)

var (
	ErrSynthesisUnavailable = errors.New("synthesis unavailable")
	ErrStreamClosed         = errors.New("synthesis stream closed")
	ErrNotConfigured        = errors.New("synthesis not configured")
)

const (
	ProviderAgent = "agent"
	ProviderTTS   = "tts"
)

type EventKind int

const (
	EventReady EventKind = iota + 1
	EventAudio
	EventInterruption
	EventTranscript
	EventAgentResponse
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventAudio:
		return "audio"
	case EventInterruption:
		return "interruption"
	case EventTranscript:
		return "transcript"
	case EventAgentResponse:
		return "agent_response"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind  EventKind
	Audio []byte
	Text  string
	Err   error
}

type Config struct {
	Provider         string
	APIKey           string
	BaseURL          string
	AgentID          string
	VoiceID          string
	ModelID          string
	OutputFormat     transport.AudioFormat
	Greeting         string
	VoiceSettings    frame.VoiceSettings
	HandshakeTimeout time.Duration
	Backoff          shared.BackoffConfig
}

func (c Config) Validate() error {
	switch c.Provider {
	case ProviderAgent, ProviderTTS:
	default:
		return fmt.Errorf("unknown synthesis provider %q", c.Provider)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base url is empty", ErrNotConfigured)
	}
	if c.OutputFormat != "" && !c.OutputFormat.Valid() {
		return fmt.Errorf("unsupported output format %q", c.OutputFormat)
	}
	return nil
}

// Configured reports whether credentials are present. A relay without them
// still starts, but every call fails to open synthesis.
func (c Config) Configured() bool {
	return c.APIKey != ""
}

func (c Config) outputFormat() transport.AudioFormat {
	if c.OutputFormat == "" {
		return transport.AudioFormatMulaw8000
	}
	return c.OutputFormat
}
