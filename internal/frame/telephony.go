package frame

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
)

type envelope struct {
	Event          string     `json:"event"`
	SequenceNumber string     `json:"sequenceNumber,omitempty"`
	StreamSID      string     `json:"streamSid,omitempty"`
	CallSID        string     `json:"callSid,omitempty"`
	Start          *startBody `json:"start,omitempty"`
	Media          *mediaBody `json:"media,omitempty"`
	Stop           *stopBody  `json:"stop,omitempty"`
	Mark           *markBody  `json:"mark,omitempty"`
	DTMF           *dtmfBody  `json:"dtmf,omitempty"`
}

type startBody struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type mediaBody struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type stopBody struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type markBody struct {
	Name string `json:"name"`
}

type dtmfBody struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type outbound struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid"`
	Media     *mediaBody `json:"media,omitempty"`
	Mark      *markBody  `json:"mark,omitempty"`
}

// Decode parses one text message from the telephony peer.
func Decode(data []byte) (*Frame, error) {
	f, err := decode(data)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func decode(data []byte) (*Frame, *MalformedError) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed("", "invalid envelope", err)
	}
	if env.Event == "" {
		return nil, malformed("", "missing event", nil)
	}

	t := Type(env.Event)
	f := &Frame{
		Type:      t,
		CallID:    env.CallSID,
		StreamSID: env.StreamSID,
	}

	if env.SequenceNumber != "" {
		seq, err := strconv.ParseUint(env.SequenceNumber, 10, 64)
		if err != nil {
			return nil, malformed(t, "invalid sequence number", err)
		}
		f.Sequence = seq
	}

	if err := decodeBody(f, &env); err != nil {
		err.Sequence = f.Sequence
		return nil, err
	}
	return f, nil
}

func decodeBody(f *Frame, env *envelope) *MalformedError {
	t := f.Type
	switch t {
	case TypeConnected:
	case TypeStart:
		if env.Start == nil {
			return malformed(t, "missing start body", nil)
		}
		if env.Start.CallSID == "" {
			return malformed(t, "missing call id", nil)
		}
		f.CallID = env.Start.CallSID
		if f.StreamSID == "" {
			f.StreamSID = env.Start.StreamSID
		}
		f.Start = &StartMetadata{
			AccountSID:       env.Start.AccountSID,
			CallSID:          env.Start.CallSID,
			StreamSID:        f.StreamSID,
			Tracks:           env.Start.Tracks,
			Encoding:         env.Start.MediaFormat.Encoding,
			SampleRate:       env.Start.MediaFormat.SampleRate,
			Channels:         env.Start.MediaFormat.Channels,
			CustomParameters: env.Start.CustomParameters,
		}
	case TypeAudio:
		if env.Media == nil {
			return malformed(t, "missing media body", nil)
		}
		payload, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return malformed(t, "invalid payload encoding", err)
		}
		if len(payload) == 0 {
			return malformed(t, "empty payload", nil)
		}
		f.Payload = payload
	case TypeStop:
		if env.Stop != nil && env.Stop.CallSID != "" {
			f.CallID = env.Stop.CallSID
		}
	case TypeMark:
		if env.Mark == nil || env.Mark.Name == "" {
			return malformed(t, "missing mark name", nil)
		}
		f.Mark = env.Mark.Name
	case TypeDTMF:
		if env.DTMF == nil || env.DTMF.Digit == "" {
			return malformed(t, "missing digit", nil)
		}
		f.Digit = env.DTMF.Digit
	default:
		return malformed("", "unknown event "+strconv.Quote(env.Event), nil)
	}
	return nil
}

// DecodeBinary treats a binary message as a raw, unnumbered audio chunk for
// the call bound to the connection.
func DecodeBinary(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, malformed(TypeAudio, "empty payload", nil)
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	return &Frame{Type: TypeAudio, Payload: payload}, nil
}

func EncodeMedia(streamSID string, audio []byte) ([]byte, error) {
	return json.Marshal(outbound{
		Event:     "media",
		StreamSID: streamSID,
		Media:     &mediaBody{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}

func EncodeMark(streamSID string, seq uint64) ([]byte, error) {
	return json.Marshal(outbound{
		Event:     "mark",
		StreamSID: streamSID,
		Mark:      &markBody{Name: MarkName(seq)},
	})
}

// EncodeClear asks the peer to discard audio it has buffered but not yet played.
func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(outbound{Event: "clear", StreamSID: streamSID})
}

func MarkName(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

func ParseMarkName(name string) (uint64, bool) {
	seq, err := strconv.ParseUint(name, 10, 64)
	if err != nil || seq == 0 {
		return 0, false
	}
	return seq, true
}
