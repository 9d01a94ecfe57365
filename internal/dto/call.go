package dto

type LiveCallResponse struct {
	CallID       string `json:"call_id" example:"CA123"`
	StreamSID    string `json:"stream_sid,omitempty" example:"MZ123"`
	AgentID      string `json:"agent_id,omitempty" example:"agent_8a1b"`
	ConnID       string `json:"conn_id,omitempty"`
	State        string `json:"state" example:"streaming"`
	StartedAt    string `json:"started_at" example:"2024-01-15T10:30:00Z"`
	LastActiveAt string `json:"last_active_at" example:"2024-01-15T10:31:12Z"`
	CloseReason  string `json:"close_reason,omitempty" example:"call_ended"`
}

type CallRecordResponse struct {
	CallID         string  `json:"call_id" example:"CA123"`
	StreamSID      string  `json:"stream_sid,omitempty" example:"MZ123"`
	AgentID        string  `json:"agent_id,omitempty" example:"agent_8a1b"`
	State          string  `json:"state" example:"closed"`
	CloseReason    string  `json:"close_reason,omitempty" example:"call_ended"`
	InboundFrames  uint64  `json:"inbound_frames" example:"1500"`
	InboundBytes   uint64  `json:"inbound_bytes" example:"240000"`
	OutboundFrames uint64  `json:"outbound_frames" example:"900"`
	OutboundBytes  uint64  `json:"outbound_bytes" example:"180000"`
	MarksSent      uint64  `json:"marks_sent" example:"42"`
	DroppedFrames  uint64  `json:"dropped_frames" example:"0"`
	StartedAt      string  `json:"started_at" example:"2024-01-15T10:30:00Z"`
	StreamingAt    *string `json:"streaming_at,omitempty" example:"2024-01-15T10:30:01Z"`
	EndedAt        *string `json:"ended_at,omitempty" example:"2024-01-15T10:31:01Z"`
	DurationMs     int64   `json:"duration_ms" example:"61000"`
}

type CallHistoryResponse struct {
	Total int                  `json:"total" example:"2"`
	Calls []CallRecordResponse `json:"calls"`
}
