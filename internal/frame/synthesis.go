package frame

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

type SynthesisKind int

const (
	SynthesisIgnored SynthesisKind = iota
	SynthesisReady
	SynthesisAudio
	SynthesisPing
	SynthesisInterruption
	SynthesisAgentResponse
	SynthesisTranscript
	SynthesisFinal
	SynthesisError
)

func (k SynthesisKind) String() string {
	switch k {
	case SynthesisReady:
		return "ready"
	case SynthesisAudio:
		return "audio"
	case SynthesisPing:
		return "ping"
	case SynthesisInterruption:
		return "interruption"
	case SynthesisAgentResponse:
		return "agent_response"
	case SynthesisTranscript:
		return "transcript"
	case SynthesisFinal:
		return "final"
	case SynthesisError:
		return "error"
	default:
		return "ignored"
	}
}

type SynthesisEvent struct {
	Kind           SynthesisKind
	Audio          []byte
	Text           string
	EventID        int64
	ConversationID string
	OutputFormat   string
}

// Conversational agent protocol.

type AgentInit struct {
	FirstMessage string
	Language     string
	VoiceID      string
	Variables    map[string]string
}

type agentInitMessage struct {
	Type     string            `json:"type"`
	Override *agentOverride    `json:"conversation_config_override,omitempty"`
	Dynamic  map[string]string `json:"dynamic_variables,omitempty"`
}

type agentOverride struct {
	Agent *agentOverrideAgent `json:"agent,omitempty"`
	TTS   *agentOverrideTTS   `json:"tts,omitempty"`
}

type agentOverrideAgent struct {
	FirstMessage string `json:"first_message,omitempty"`
	Language     string `json:"language,omitempty"`
}

type agentOverrideTTS struct {
	VoiceID string `json:"voice_id,omitempty"`
}

type agentInbound struct {
	Type     string `json:"type"`
	Metadata *struct {
		ConversationID    string `json:"conversation_id"`
		AgentOutputFormat string `json:"agent_output_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`
	Audio *struct {
		Audio   string `json:"audio_base_64"`
		EventID int64  `json:"event_id"`
	} `json:"audio_event,omitempty"`
	Ping *struct {
		EventID int64 `json:"event_id"`
	} `json:"ping_event,omitempty"`
	AgentResponse *struct {
		Text string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`
	Transcript *struct {
		Text string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`
	ErrorEvent *struct {
		Message string `json:"message"`
	} `json:"error_event,omitempty"`
	Message string `json:"message,omitempty"`
}

func EncodeAgentInit(init AgentInit) ([]byte, error) {
	msg := agentInitMessage{
		Type:    "conversation_initiation_client_data",
		Dynamic: init.Variables,
	}
	var override agentOverride
	if init.FirstMessage != "" || init.Language != "" {
		override.Agent = &agentOverrideAgent{FirstMessage: init.FirstMessage, Language: init.Language}
	}
	if init.VoiceID != "" {
		override.TTS = &agentOverrideTTS{VoiceID: init.VoiceID}
	}
	if override.Agent != nil || override.TTS != nil {
		msg.Override = &override
	}
	return json.Marshal(msg)
}

func EncodeAgentAudio(audio []byte) ([]byte, error) {
	return json.Marshal(map[string]string{
		"user_audio_chunk": base64.StdEncoding.EncodeToString(audio),
	})
}

func EncodeAgentText(text string) ([]byte, error) {
	return json.Marshal(map[string]string{
		"type": "user_message",
		"text": text,
	})
}

func EncodeAgentPong(eventID int64) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":     "pong",
		"event_id": eventID,
	})
}

func DecodeAgentEvent(data []byte) (*SynthesisEvent, error) {
	var msg agentInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, malformed("", "invalid synthesis message", err)
	}

	switch msg.Type {
	case "conversation_initiation_metadata":
		ev := &SynthesisEvent{Kind: SynthesisReady}
		if msg.Metadata != nil {
			ev.ConversationID = msg.Metadata.ConversationID
			ev.OutputFormat = msg.Metadata.AgentOutputFormat
		}
		return ev, nil
	case "audio":
		if msg.Audio == nil {
			return nil, malformed("", "audio event without body", nil)
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Audio.Audio)
		if err != nil {
			return nil, malformed("", "invalid synthesized audio", err)
		}
		return &SynthesisEvent{Kind: SynthesisAudio, Audio: audio, EventID: msg.Audio.EventID}, nil
	case "ping":
		ev := &SynthesisEvent{Kind: SynthesisPing}
		if msg.Ping != nil {
			ev.EventID = msg.Ping.EventID
		}
		return ev, nil
	case "interruption":
		return &SynthesisEvent{Kind: SynthesisInterruption}, nil
	case "agent_response":
		ev := &SynthesisEvent{Kind: SynthesisAgentResponse}
		if msg.AgentResponse != nil {
			ev.Text = msg.AgentResponse.Text
		}
		return ev, nil
	case "user_transcript":
		ev := &SynthesisEvent{Kind: SynthesisTranscript}
		if msg.Transcript != nil {
			ev.Text = msg.Transcript.Text
		}
		return ev, nil
	case "error":
		ev := &SynthesisEvent{Kind: SynthesisError, Text: msg.Message}
		if msg.ErrorEvent != nil && msg.ErrorEvent.Message != "" {
			ev.Text = msg.ErrorEvent.Message
		}
		return ev, nil
	case "":
		return nil, malformed("", "missing synthesis message type", nil)
	default:
		return &SynthesisEvent{Kind: SynthesisIgnored, Text: msg.Type}, nil
	}
}

// Text-to-speech stream-input protocol.

type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

var DefaultVoiceSettings = VoiceSettings{Stability: 0.5, SimilarityBoost: 0.75}

type ttsOutbound struct {
	Text          string         `json:"text"`
	VoiceSettings *VoiceSettings `json:"voice_settings,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

type ttsInbound struct {
	Audio   *string `json:"audio"`
	IsFinal *bool   `json:"isFinal"`
	Message string  `json:"message,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// EncodeTTSInit opens a stream-input session. The service requires the first
// message to carry a single space.
func EncodeTTSInit(settings VoiceSettings) ([]byte, error) {
	return json.Marshal(ttsOutbound{Text: " ", VoiceSettings: &settings})
}

func EncodeTTSText(text string, flush bool) ([]byte, error) {
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	return json.Marshal(ttsOutbound{Text: text, Flush: flush})
}

func EncodeTTSEnd() ([]byte, error) {
	return json.Marshal(ttsOutbound{Text: ""})
}

func DecodeTTSEvent(data []byte) (*SynthesisEvent, error) {
	var msg ttsInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, malformed("", "invalid synthesis message", err)
	}

	if msg.Error != "" {
		text := msg.Error
		if msg.Message != "" {
			text += ": " + msg.Message
		}
		return &SynthesisEvent{Kind: SynthesisError, Text: text}, nil
	}
	if msg.Audio != nil && *msg.Audio != "" {
		audio, err := base64.StdEncoding.DecodeString(*msg.Audio)
		if err != nil {
			return nil, malformed("", "invalid synthesized audio", err)
		}
		return &SynthesisEvent{Kind: SynthesisAudio, Audio: audio}, nil
	}
	if msg.IsFinal != nil && *msg.IsFinal {
		return &SynthesisEvent{Kind: SynthesisFinal}, nil
	}
	return &SynthesisEvent{Kind: SynthesisIgnored}, nil
}
