package callstore

import "time"

// CallRecord is the durable history of one relayed call.
type CallRecord struct {
	CallID         string     `gorm:"primaryKey" json:"call_id"`
	StreamSID      string     `json:"stream_sid,omitempty"`
	AgentID        string     `gorm:"index" json:"agent_id,omitempty"`
	ConnID         string     `json:"conn_id,omitempty"`
	State          string     `gorm:"not null;index" json:"state"`
	CloseReason    string     `json:"close_reason,omitempty"`
	InboundFrames  uint64     `json:"inbound_frames"`
	InboundBytes   uint64     `json:"inbound_bytes"`
	OutboundFrames uint64     `json:"outbound_frames"`
	OutboundBytes  uint64     `json:"outbound_bytes"`
	MarksSent      uint64     `json:"marks_sent"`
	DroppedFrames  uint64     `json:"dropped_frames"`
	StartedAt      time.Time  `gorm:"not null;index" json:"started_at"`
	StreamingAt    *time.Time `json:"streaming_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (r *CallRecord) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

type ListFilter struct {
	AgentID string
	State   string
	Limit   int
}
