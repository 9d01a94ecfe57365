package presence

import (
	"strconv"
	"time"
)

const EventsChannel = "relay:events"

type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventSessionStreaming EventType = "session_streaming"
	EventSessionDraining  EventType = "session_draining"
	EventSessionClosed    EventType = "session_closed"
	EventSessionTimedOut  EventType = "session_timed_out"
)

// Event is a lifecycle notification published for other relay instances and
// operators watching calls.
type Event struct {
	Type    EventType `json:"type"`
	CallID  string    `json:"call_id"`
	AgentID string    `json:"agent_id,omitempty"`
	State   string    `json:"state"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// LiveCall is the shared view of a call currently held by some relay process.
type LiveCall struct {
	CallID       string    `json:"call_id"`
	StreamSID    string    `json:"stream_sid,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	ConnID       string    `json:"conn_id,omitempty"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	CloseReason  string    `json:"close_reason,omitempty"`
}

type Metrics struct {
	AgentID            string `json:"agent_id"`
	Date               string `json:"date"`
	Hour               int    `json:"hour"`
	Calls              int64  `json:"calls"`
	Streaming          int64  `json:"streaming"`
	Completed          int64  `json:"completed"`
	TimedOut           int64  `json:"timed_out"`
	Errors             int64  `json:"errors"`
	InboundBytes       int64  `json:"inbound_bytes"`
	OutboundBytes      int64  `json:"outbound_bytes"`
	Marks              int64  `json:"marks"`
	BackpressurePauses int64  `json:"backpressure_pauses"`
	AvgDurationMs      int64  `json:"avg_duration_ms"`
}

const (
	FieldCalls              = "calls"
	FieldStreaming          = "streaming"
	FieldCompleted          = "completed"
	FieldTimedOut           = "timed_out"
	FieldErrors             = "errors"
	FieldInboundBytes       = "inbound_bytes"
	FieldOutboundBytes      = "outbound_bytes"
	FieldMarks              = "marks"
	FieldBackpressurePauses = "backpressure_pauses"
	FieldTotalDurationMs    = "total_duration_ms"
	FieldDurationCount      = "duration_count"
)

func ConfigKey(callID string) string {
	return "call:" + callID + ":config"
}

func LiveKey(callID string) string {
	return "call:" + callID + ":live"
}

func MetricsRedisKey(agentID, date string, hour int) string {
	return "agent:" + agentID + ":calls:" + date + ":" + strconv.Itoa(hour)
}
