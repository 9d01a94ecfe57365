package callsession

import (
	"errors"
	"fmt"
	"time"

	"github.com/eleven-am/call-relay/internal/synthesis"
)

var (
	ErrDuplicateCallID = errors.New("duplicate call id")
	ErrUnknownCallID   = errors.New("unknown call id")
	ErrSessionClosed   = errors.New("session closed")
	ErrSequenceGap     = errors.New("sequence gap")
	ErrSessionTimedOut = errors.New("session timed out")
	ErrNotStreaming    = errors.New("session not streaming")
)

type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{StateConnecting, StateStreaming, StateDraining, StateClosed} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// canTransition encodes the forward-only lifecycle. CONNECTING may skip
// straight to CLOSED when synthesis never becomes ready.
func canTransition(from, to State) bool {
	switch from {
	case StateConnecting:
		return to == StateStreaming || to == StateClosed
	case StateStreaming:
		return to == StateDraining || to == StateClosed
	case StateDraining:
		return to == StateClosed
	default:
		return false
	}
}

type CloseReason string

const (
	ReasonCallEnded            CloseReason = "call_ended"
	ReasonTelephonyEOF         CloseReason = "telephony_eof"
	ReasonSynthesisEOF         CloseReason = "synthesis_eof"
	ReasonSynthesisError       CloseReason = "synthesis_error"
	ReasonSynthesisUnavailable CloseReason = "synthesis_unavailable"
	ReasonSequenceGap          CloseReason = "sequence_gap"
	ReasonProtocolError        CloseReason = "protocol_error"
	ReasonIdleTimeout          CloseReason = "idle_timeout"
	ReasonConnectTimeout       CloseReason = "connect_timeout"
	ReasonDrainTimeout         CloseReason = "drain_timeout"
	ReasonWriteFailed          CloseReason = "write_failed"
	ReasonShutdown             CloseReason = "shutdown"
)

// Err maps a close reason to the error class callers report it as. Orderly
// endings return nil.
func (r CloseReason) Err() error {
	switch r {
	case ReasonSequenceGap:
		return ErrSequenceGap
	case ReasonIdleTimeout, ReasonConnectTimeout, ReasonDrainTimeout:
		return ErrSessionTimedOut
	case ReasonSynthesisUnavailable:
		return synthesis.ErrSynthesisUnavailable
	case ReasonSynthesisError, ReasonWriteFailed, ReasonProtocolError:
		return fmt.Errorf("%w: %s", ErrSessionClosed, r)
	default:
		return nil
	}
}

func (r CloseReason) TimedOut() bool {
	return errors.Is(r.Err(), ErrSessionTimedOut)
}

type Config struct {
	MaxFrameBytes      int
	InboundBufferBytes int
	IdleTimeout        time.Duration
	ConnectTimeout     time.Duration
	DrainTimeout       time.Duration
	SweepInterval      time.Duration
	TombstoneSize      int
}

func DefaultConfig() Config {
	return Config{
		MaxFrameBytes:      8000,
		InboundBufferBytes: 32000,
		IdleTimeout:        30 * time.Second,
		ConnectTimeout:     10 * time.Second,
		DrainTimeout:       5 * time.Second,
		SweepInterval:      5 * time.Second,
		TombstoneSize:      1024,
	}
}

func (c Config) Validate() error {
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("max frame bytes must be positive, got %d", c.MaxFrameBytes)
	}
	if c.InboundBufferBytes < 0 {
		return fmt.Errorf("inbound buffer bytes must not be negative, got %d", c.InboundBufferBytes)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.TombstoneSize <= 0 {
		return fmt.Errorf("tombstone size must be positive, got %d", c.TombstoneSize)
	}
	return nil
}
