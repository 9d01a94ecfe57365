package bootstrap

import (
	"os"
	"strconv"
	"time"

	"github.com/eleven-am/call-relay/internal/backpressure"
	"github.com/eleven-am/call-relay/internal/callsession"
	"github.com/eleven-am/call-relay/internal/frame"
	"github.com/eleven-am/call-relay/internal/relay"
	"github.com/eleven-am/call-relay/internal/shared"
	"github.com/eleven-am/call-relay/internal/synthesis"
	"github.com/eleven-am/call-relay/internal/transport"
)

type Config struct {
	ServerAddr string
	GRPCAddr   string
	LogLevel   string

	DatabaseDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PublicHost   string
	StreamPath   string
	ControlToken string

	SynthesisProvider string
	ElevenLabsAPIKey  string
	ElevenLabsBaseURL string
	ElevenLabsAgentID string
	ElevenLabsVoiceID string
	ElevenLabsModelID string
	AudioFormat       string
	Greeting          string

	HighWaterBytes     int
	LowWaterBytes      int
	MaxFrameBytes      int
	InboundBufferBytes int

	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	DrainTimeout   time.Duration
	SweepInterval  time.Duration

	MaxSessions int
	AcceptRate  float64
	AcceptBurst int

	SynthesisRetryAttempts int
	SynthesisRetryInitial  time.Duration
	SynthesisRetryMaxDelay time.Duration

	TombstoneSize     int
	ObserverQueueSize int
}

func LoadConfig() *Config {
	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
		GRPCAddr:   getEnv("GRPC_ADDR", ":50051"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		DatabaseDSN: getEnv("DATABASE_DSN", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		PublicHost:   getEnv("PUBLIC_HOST", "localhost:8080"),
		StreamPath:   getEnv("STREAM_PATH", "/v1/telephony/stream"),
		ControlToken: getEnv("CONTROL_TOKEN", ""),

		SynthesisProvider: getEnv("SYNTHESIS_PROVIDER", synthesis.ProviderAgent),
		ElevenLabsAPIKey:  getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsBaseURL: getEnv("ELEVENLABS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsAgentID: getEnv("ELEVENLABS_AGENT_ID", ""),
		ElevenLabsVoiceID: getEnv("ELEVENLABS_VOICE_ID", "ErXwobaYiN019PkySvjV"),
		ElevenLabsModelID: getEnv("ELEVENLABS_MODEL_ID", "eleven_turbo_v2_5"),
		AudioFormat:       getEnv("AUDIO_FORMAT", string(transport.AudioFormatMulaw8000)),
		Greeting:          getEnv("GREETING", ""),

		HighWaterBytes:     getEnvInt("HIGH_WATER_BYTES", 64000),
		LowWaterBytes:      getEnvInt("LOW_WATER_BYTES", 16000),
		MaxFrameBytes:      getEnvInt("MAX_FRAME_BYTES", 8000),
		InboundBufferBytes: getEnvInt("INBOUND_BUFFER_BYTES", 32000),

		IdleTimeout:    getEnvDuration("IDLE_TIMEOUT", 30*time.Second),
		ConnectTimeout: getEnvDuration("CONNECT_TIMEOUT", 10*time.Second),
		DrainTimeout:   getEnvDuration("DRAIN_TIMEOUT", 5*time.Second),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", 5*time.Second),

		MaxSessions: getEnvInt("MAX_SESSIONS", 500),
		AcceptRate:  getEnvFloat("ACCEPT_RATE", 50),
		AcceptBurst: getEnvInt("ACCEPT_BURST", 100),

		SynthesisRetryAttempts: getEnvInt("SYNTHESIS_RETRY_ATTEMPTS", 3),
		SynthesisRetryInitial:  getEnvDuration("SYNTHESIS_RETRY_INITIAL", 200*time.Millisecond),
		SynthesisRetryMaxDelay: getEnvDuration("SYNTHESIS_RETRY_MAX_DELAY", 2*time.Second),

		TombstoneSize:     getEnvInt("TOMBSTONE_SIZE", 1024),
		ObserverQueueSize: getEnvInt("OBSERVER_QUEUE_SIZE", 1024),
	}
}

func ProvideSessionConfig(cfg *Config) callsession.Config {
	return callsession.Config{
		MaxFrameBytes:      cfg.MaxFrameBytes,
		InboundBufferBytes: cfg.InboundBufferBytes,
		IdleTimeout:        cfg.IdleTimeout,
		ConnectTimeout:     cfg.ConnectTimeout,
		DrainTimeout:       cfg.DrainTimeout,
		SweepInterval:      cfg.SweepInterval,
		TombstoneSize:      cfg.TombstoneSize,
	}
}

func ProvideBackpressureConfig(cfg *Config) backpressure.Config {
	return backpressure.Config{
		HighWater: cfg.HighWaterBytes,
		LowWater:  cfg.LowWaterBytes,
	}
}

func ProvideSynthesisConfig(cfg *Config) synthesis.Config {
	return synthesis.Config{
		Provider:         cfg.SynthesisProvider,
		APIKey:           cfg.ElevenLabsAPIKey,
		BaseURL:          cfg.ElevenLabsBaseURL,
		AgentID:          cfg.ElevenLabsAgentID,
		VoiceID:          cfg.ElevenLabsVoiceID,
		ModelID:          cfg.ElevenLabsModelID,
		OutputFormat:     transport.AudioFormat(cfg.AudioFormat),
		Greeting:         cfg.Greeting,
		VoiceSettings:    frame.DefaultVoiceSettings,
		HandshakeTimeout: 10 * time.Second,
		Backoff: shared.BackoffConfig{
			Initial:     cfg.SynthesisRetryInitial,
			MaxAttempts: cfg.SynthesisRetryAttempts,
			MaxDelay:    cfg.SynthesisRetryMaxDelay,
		},
	}
}

func ProvideRelayConfig(cfg *Config) relay.Config {
	return relay.Config{
		StreamPath:   cfg.StreamPath,
		PublicHost:   cfg.PublicHost,
		MaxSessions:  cfg.MaxSessions,
		AcceptRate:   cfg.AcceptRate,
		AcceptBurst:  cfg.AcceptBurst,
		DrainTimeout: cfg.DrainTimeout,
		Defaults: transport.CallConfig{
			AgentID:      cfg.ElevenLabsAgentID,
			VoiceID:      cfg.ElevenLabsVoiceID,
			InputFormat:  transport.AudioFormatMulaw8000,
			OutputFormat: transport.AudioFormat(cfg.AudioFormat),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
