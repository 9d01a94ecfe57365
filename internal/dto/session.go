package dto

type MetricsResponse struct {
	AgentID            string `json:"agent_id" example:"agent_8a1b"`
	Date               string `json:"date" example:"2024-01-15"`
	Hour               int    `json:"hour" example:"14"`
	Calls              int64  `json:"calls" example:"120"`
	Streaming          int64  `json:"streaming" example:"118"`
	Completed          int64  `json:"completed" example:"110"`
	TimedOut           int64  `json:"timed_out" example:"3"`
	Errors             int64  `json:"errors" example:"5"`
	InboundBytes       int64  `json:"inbound_bytes" example:"9600000"`
	OutboundBytes      int64  `json:"outbound_bytes" example:"7200000"`
	Marks              int64  `json:"marks" example:"2400"`
	BackpressurePauses int64  `json:"backpressure_pauses" example:"2"`
	AvgDurationMs      int64  `json:"avg_duration_ms" example:"61000"`
}

type MetricsListResponse struct {
	AgentID string            `json:"agent_id" example:"agent_8a1b"`
	Hours   int               `json:"hours" example:"24"`
	Metrics []MetricsResponse `json:"metrics"`
}

type SummaryResponse struct {
	AgentID       string  `json:"agent_id" example:"agent_8a1b"`
	Period        string  `json:"period" example:"24h"`
	TotalCalls    int64   `json:"total_calls" example:"1000"`
	TotalTimedOut int64   `json:"total_timed_out" example:"12"`
	AvgDurationMs int64   `json:"avg_duration_ms" example:"59000"`
	ErrorRate     float64 `json:"error_rate" example:"1.5"`
}
