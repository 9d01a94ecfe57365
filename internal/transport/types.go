package transport

import "strings"

type AudioFormat string

const (
	AudioFormatMulaw8000 AudioFormat = "ulaw_8000"
	AudioFormatPCM16000  AudioFormat = "pcm_16000"
)

func (f AudioFormat) Valid() bool {
	switch f {
	case AudioFormatMulaw8000, AudioFormatPCM16000:
		return true
	}
	return false
}

const (
	MulawContentType    = "audio/x-mulaw"
	TelephonySampleRate = 8000
)

const (
	ParamAgentID      = "agentId"
	ParamVoiceID      = "voiceId"
	ParamLanguage     = "language"
	ParamFirstMessage = "firstMessage"
)

type CallConfig struct {
	CallID       string            `json:"call_id"`
	AgentID      string            `json:"agent_id,omitempty"`
	VoiceID      string            `json:"voice_id,omitempty"`
	ModelID      string            `json:"model_id,omitempty"`
	Language     string            `json:"language,omitempty"`
	FirstMessage string            `json:"first_message,omitempty"`
	InputFormat  AudioFormat       `json:"input_format,omitempty"`
	OutputFormat AudioFormat       `json:"output_format,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
}

// Merge returns c with every non-empty field of override applied on top.
func (c CallConfig) Merge(override CallConfig) CallConfig {
	if override.CallID != "" {
		c.CallID = override.CallID
	}
	if override.AgentID != "" {
		c.AgentID = override.AgentID
	}
	if override.VoiceID != "" {
		c.VoiceID = override.VoiceID
	}
	if override.ModelID != "" {
		c.ModelID = override.ModelID
	}
	if override.Language != "" {
		c.Language = override.Language
	}
	if override.FirstMessage != "" {
		c.FirstMessage = override.FirstMessage
	}
	if override.InputFormat != "" {
		c.InputFormat = override.InputFormat
	}
	if override.OutputFormat != "" {
		c.OutputFormat = override.OutputFormat
	}
	if len(override.Variables) > 0 {
		merged := make(map[string]string, len(c.Variables)+len(override.Variables))
		for k, v := range c.Variables {
			merged[k] = v
		}
		for k, v := range override.Variables {
			merged[k] = v
		}
		c.Variables = merged
	}
	return c
}

// FromParameters builds a config from the custom parameters a telephony
// provider echoes back in its start event. Unrecognized keys become variables.
func FromParameters(params map[string]string) CallConfig {
	var cfg CallConfig
	for k, v := range params {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		switch k {
		case ParamAgentID:
			cfg.AgentID = v
		case ParamVoiceID:
			cfg.VoiceID = v
		case ParamLanguage:
			cfg.Language = v
		case ParamFirstMessage:
			cfg.FirstMessage = v
		default:
			if cfg.Variables == nil {
				cfg.Variables = make(map[string]string)
			}
			cfg.Variables[k] = v
		}
	}
	return cfg
}
