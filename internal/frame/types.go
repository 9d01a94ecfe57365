package frame

import (
	"errors"
	"fmt"
)

type Type string

const (
	TypeConnected Type = "connected"
	TypeStart     Type = "start"
	TypeAudio     Type = "media"
	TypeStop      Type = "stop"
	TypeMark      Type = "mark"
	TypeDTMF      Type = "dtmf"
)

func (t Type) IsControl() bool {
	return t == TypeStart || t == TypeStop
}

// Frame is the normalized form of one inbound telephony message.
// Sequence is zero when the peer did not number the message.
type Frame struct {
	Type      Type
	CallID    string
	StreamSID string
	Sequence  uint64
	Payload   []byte
	Mark      string
	Digit     string
	Start     *StartMetadata
}

type StartMetadata struct {
	AccountSID       string
	CallSID          string
	StreamSID        string
	Tracks           []string
	Encoding         string
	SampleRate       int
	Channels         int
	CustomParameters map[string]string
}

var ErrMalformedFrame = errors.New("malformed frame")

// MalformedError reports a frame that could not be applied. Sequence is the
// frame's number when it parsed before the failure, so the receiver can
// still account for it.
type MalformedError struct {
	Type     Type
	Sequence uint64
	Reason   string
	Err      error
}

func (e *MalformedError) Error() string {
	msg := "malformed frame"
	if e.Type != "" {
		msg += " (" + string(e.Type) + ")"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedFrame
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

func malformed(t Type, reason string, err error) *MalformedError {
	return &MalformedError{Type: t, Reason: reason, Err: err}
}
