package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eleven-am/call-relay/internal/shared"
	"github.com/eleven-am/call-relay/internal/transport"
)

// Retrying bounds how hard a call tries to reach the collaborator. Once the
// attempts are spent the call fails with ErrSynthesisUnavailable.
type Retrying struct {
	inner   Synthesizer
	backoff shared.BackoffConfig
	log     *slog.Logger
}

func NewRetrying(inner Synthesizer, backoff shared.BackoffConfig, log *slog.Logger) *Retrying {
	return &Retrying{
		inner:   inner,
		backoff: normalizeBackoff(backoff),
		log:     log,
	}
}

func (r *Retrying) Open(ctx context.Context, call transport.CallConfig) (Stream, error) {
	delay := r.backoff.Initial
	var lastErr error

	for attempt := 1; attempt <= r.backoff.MaxAttempts; attempt++ {
		stream, err := r.inner.Open(ctx, call)
		if err == nil {
			return stream, nil
		}
		lastErr = err

		if errors.Is(err, ErrNotConfigured) {
			break
		}
		if attempt == r.backoff.MaxAttempts {
			break
		}

		r.log.Warn("synthesis open failed, retrying",
			"call_id", call.CallID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrSynthesisUnavailable, ctx.Err())
		case <-timer.C:
		}
		delay = minDuration(delay*2, r.backoff.MaxDelay)
	}

	return nil, fmt.Errorf("%w: %v", ErrSynthesisUnavailable, lastErr)
}

// New builds the configured provider behind the retry boundary.
func New(cfg Config, log *slog.Logger) (Synthesizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var inner Synthesizer
	switch cfg.Provider {
	case ProviderAgent:
		inner = NewAgentClient(cfg, log)
	case ProviderTTS:
		inner = NewTTSClient(cfg, log)
	}
	return NewRetrying(inner, cfg.Backoff, log), nil
}

func normalizeBackoff(cfg shared.BackoffConfig) shared.BackoffConfig {
	if cfg.Initial <= 0 {
		cfg.Initial = 100 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return cfg
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
