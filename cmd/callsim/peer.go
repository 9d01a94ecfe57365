package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// mulawSilence is the mu-law byte for a zero sample.
const mulawSilence = 0xFF

type peerMessage struct {
	Event          string     `json:"event"`
	SequenceNumber string     `json:"sequenceNumber,omitempty"`
	StreamSID      string     `json:"streamSid,omitempty"`
	Protocol       string     `json:"protocol,omitempty"`
	Version        string     `json:"version,omitempty"`
	Start          *peerStart `json:"start,omitempty"`
	Media          *peerMedia `json:"media,omitempty"`
	Mark           *peerMark  `json:"mark,omitempty"`
	Stop           *peerStop  `json:"stop,omitempty"`
}

type peerStart struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      peerMediaFormat   `json:"mediaFormat"`
}

type peerMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type peerMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type peerMark struct {
	Name string `json:"name"`
}

type peerStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type callOptions struct {
	URL          string
	CallID       string
	StreamSID    string
	Params       map[string]string
	Frames       int
	FrameBytes   int
	Interval     time.Duration
	Hold         time.Duration
	CloseTimeout time.Duration
}

type summary struct {
	CallID      string
	FramesSent  int
	BytesSent   int
	AudioChunks int
	AudioBytes  int
	Marks       int
	Clears      int
	CloseCode   int
	CloseText   string
	Duration    time.Duration
}

type peer struct {
	conn      *websocket.Conn
	streamSID string
	started   time.Time

	writeMu sync.Mutex
	seq     uint64

	mu  sync.Mutex
	sum summary
}

// send numbers and writes one message. Every write goes through here so the
// sequence numbers match the order the relay sees.
func (p *peer) send(msg peerMessage) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if msg.Event != "connected" {
		p.seq++
		msg.SequenceNumber = strconv.FormatUint(p.seq, 10)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peer) sendMedia(chunk int, audio []byte) error {
	return p.send(peerMessage{
		Event:     "media",
		StreamSID: p.streamSID,
		Media: &peerMedia{
			Track:     "inbound",
			Chunk:     strconv.Itoa(chunk),
			Timestamp: strconv.FormatInt(time.Since(p.started).Milliseconds(), 10),
			Payload:   base64.StdEncoding.EncodeToString(audio),
		},
	})
}

// readLoop consumes relay output until the socket closes, acknowledging
// every mark the way a telephony provider does once playback reaches it.
func (p *peer) readLoop() error {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				p.mu.Lock()
				p.sum.CloseCode = closeErr.Code
				p.sum.CloseText = closeErr.Text
				p.mu.Unlock()
				return nil
			}
			return err
		}

		var msg peerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case "media":
			if msg.Media == nil {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			p.mu.Lock()
			p.sum.AudioChunks++
			p.sum.AudioBytes += len(audio)
			p.mu.Unlock()
		case "mark":
			if msg.Mark == nil {
				continue
			}
			if err := p.send(peerMessage{Event: "mark", StreamSID: p.streamSID, Mark: msg.Mark}); err == nil {
				p.mu.Lock()
				p.sum.Marks++
				p.mu.Unlock()
			}
		case "clear":
			p.mu.Lock()
			p.sum.Clears++
			p.mu.Unlock()
		}
	}
}

func (p *peer) snapshot() *summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	sum := p.sum
	return &sum
}

// runCall plays one call: connected, start, caller audio, a listening window,
// then stop. It returns once the relay closes the socket or the close timeout
// passes.
func runCall(ctx context.Context, opts callOptions) (*summary, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	p := &peer{
		conn:      conn,
		streamSID: opts.StreamSID,
		started:   time.Now(),
		sum:       summary{CallID: opts.CallID},
	}

	readDone := make(chan error, 1)
	go func() { readDone <- p.readLoop() }()

	if err := p.send(peerMessage{Event: "connected", Protocol: "Call", Version: "1.0.0"}); err != nil {
		return nil, fmt.Errorf("send connected: %w", err)
	}
	if err := p.send(peerMessage{
		Event:     "start",
		StreamSID: opts.StreamSID,
		Start: &peerStart{
			AccountSID:       "ACsimulator",
			StreamSID:        opts.StreamSID,
			CallSID:          opts.CallID,
			Tracks:           []string{"inbound"},
			CustomParameters: opts.Params,
			MediaFormat:      peerMediaFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1},
		},
	}); err != nil {
		return nil, fmt.Errorf("send start: %w", err)
	}

	audio := bytes.Repeat([]byte{mulawSilence}, opts.FrameBytes)
	closedEarly := false
	ticker := time.NewTicker(nonZero(opts.Interval, time.Millisecond))
	defer ticker.Stop()

send:
	for i := 1; i <= opts.Frames; i++ {
		select {
		case <-ctx.Done():
			break send
		case err := <-readDone:
			readDone <- err
			closedEarly = true
			break send
		case <-ticker.C:
		}
		if err := p.sendMedia(i, audio); err != nil {
			closedEarly = true
			break
		}
		p.mu.Lock()
		p.sum.FramesSent++
		p.sum.BytesSent += len(audio)
		p.mu.Unlock()
	}

	if !closedEarly {
		hold := time.NewTimer(opts.Hold)
		select {
		case <-ctx.Done():
		case err := <-readDone:
			readDone <- err
			closedEarly = true
		case <-hold.C:
		}
		hold.Stop()
	}

	if !closedEarly {
		_ = p.send(peerMessage{
			Event:     "stop",
			StreamSID: opts.StreamSID,
			Stop:      &peerStop{AccountSID: "ACsimulator", CallSID: opts.CallID},
		})
	}

	var readErr error
	timeout := time.NewTimer(nonZero(opts.CloseTimeout, time.Second))
	defer timeout.Stop()
	select {
	case readErr = <-readDone:
	case <-timeout.C:
		_ = conn.Close()
		<-readDone
	}

	sum := p.snapshot()
	sum.Duration = time.Since(p.started)
	if readErr != nil && sum.CloseCode == 0 && !errors.Is(readErr, context.Canceled) {
		return sum, fmt.Errorf("read relay output: %w", readErr)
	}
	return sum, nil
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
