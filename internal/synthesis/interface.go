package synthesis

import (
	"context"

	"github.com/eleven-am/call-relay/internal/transport"
)

type Synthesizer interface {
	Open(ctx context.Context, call transport.CallConfig) (Stream, error)
}

// Stream is one call's duplex connection to the synthesis collaborator.
// Events is closed when the collaborator ends the stream.
type Stream interface {
	SendAudio(ctx context.Context, audio []byte) error
	SendText(ctx context.Context, text string) error
	Events() <-chan Event
	Pause()
	Resume()
	Close() error
}

// AudioDiscarder is implemented by streams that accept caller audio without
// forwarding it to the collaborator.
type AudioDiscarder interface {
	DiscardedAudio() int64
}
