package presence

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/eleven-am/call-relay/internal/dto"
	"github.com/eleven-am/call-relay/internal/shared"
	"github.com/eleven-am/call-relay/internal/transport"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	store  *Store
	logger *slog.Logger
}

func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: logger,
	}
}

func (h *Handler) RegisterCallRoutes(g *echo.Group) {
	g.PUT("/:call_id/config", h.PutConfig)
	g.GET("/:call_id/config", h.GetConfig)
	g.DELETE("/:call_id/config", h.DeleteConfig)
	g.GET("/:call_id/live", h.GetLive)
}

func (h *Handler) RegisterAgentRoutes(g *echo.Group) {
	g.GET("/:agent_id/metrics", h.GetMetrics)
	g.GET("/:agent_id/summary", h.GetSummary)
}

func validateConfig(cfg *transport.CallConfig) []dto.ValidationError {
	var errs []dto.ValidationError
	if cfg.InputFormat != "" && !cfg.InputFormat.Valid() {
		errs = append(errs, dto.ValidationError{Field: "input_format", Message: "unsupported audio format"})
	}
	if cfg.OutputFormat != "" && !cfg.OutputFormat.Valid() {
		errs = append(errs, dto.ValidationError{Field: "output_format", Message: "unsupported audio format"})
	}
	return errs
}

func (h *Handler) PutConfig(c echo.Context) error {
	callID := c.Param("call_id")

	var cfg transport.CallConfig
	if err := c.Bind(&cfg); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}
	cfg.CallID = callID

	if errs := validateConfig(&cfg); len(errs) > 0 {
		return shared.NewAPIError("invalid_config", "invalid call config").WithDetails(errs).ToHTTP(http.StatusBadRequest)
	}

	if err := h.store.SaveConfig(c.Request().Context(), &cfg); err != nil {
		h.logger.Error("failed to save call config", "error", err, "call_id", callID)
		return shared.InternalError("save_failed", "failed to save call config")
	}

	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) GetConfig(c echo.Context) error {
	callID := c.Param("call_id")

	cfg, err := h.store.GetConfig(c.Request().Context(), callID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.NotFound("config_not_found", "call config not found")
		}
		h.logger.Error("failed to get call config", "error", err, "call_id", callID)
		return shared.InternalError("get_failed", "failed to get call config")
	}

	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) DeleteConfig(c echo.Context) error {
	callID := c.Param("call_id")

	if err := h.store.DeleteConfig(c.Request().Context(), callID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.NotFound("config_not_found", "call config not found")
		}
		h.logger.Error("failed to delete call config", "error", err, "call_id", callID)
		return shared.InternalError("delete_failed", "failed to delete call config")
	}

	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetLive(c echo.Context) error {
	callID := c.Param("call_id")

	call, err := h.store.GetLive(c.Request().Context(), callID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.NotFound("call_not_found", "call not found")
		}
		h.logger.Error("failed to get live call", "error", err, "call_id", callID)
		return shared.InternalError("get_failed", "failed to get live call")
	}

	return c.JSON(http.StatusOK, dto.LiveCallResponse{
		CallID:       call.CallID,
		StreamSID:    call.StreamSID,
		AgentID:      call.AgentID,
		ConnID:       call.ConnID,
		State:        call.State,
		StartedAt:    call.StartedAt.Format(time.RFC3339),
		LastActiveAt: call.LastActiveAt.Format(time.RFC3339),
		CloseReason:  call.CloseReason,
	})
}

func metricsToResponse(m *Metrics) dto.MetricsResponse {
	return dto.MetricsResponse{
		AgentID:            m.AgentID,
		Date:               m.Date,
		Hour:               m.Hour,
		Calls:              m.Calls,
		Streaming:          m.Streaming,
		Completed:          m.Completed,
		TimedOut:           m.TimedOut,
		Errors:             m.Errors,
		InboundBytes:       m.InboundBytes,
		OutboundBytes:      m.OutboundBytes,
		Marks:              m.Marks,
		BackpressurePauses: m.BackpressurePauses,
		AvgDurationMs:      m.AvgDurationMs,
	}
}

func hoursParam(c echo.Context) int {
	hours := 24
	if hoursStr := c.QueryParam("hours"); hoursStr != "" {
		if hr, err := strconv.Atoi(hoursStr); err == nil && hr > 0 && hr <= 168 {
			hours = hr
		}
	}
	return hours
}

func (h *Handler) GetMetrics(c echo.Context) error {
	agentID := c.Param("agent_id")
	hours := hoursParam(c)

	metrics, err := h.store.GetMetrics(c.Request().Context(), agentID, hours)
	if err != nil {
		h.logger.Error("failed to get metrics", "error", err, "agent_id", agentID)
		return shared.InternalError("get_metrics_failed", "failed to get metrics")
	}

	response := make([]dto.MetricsResponse, len(metrics))
	for i, m := range metrics {
		response[i] = metricsToResponse(m)
	}

	return c.JSON(http.StatusOK, dto.MetricsListResponse{
		AgentID: agentID,
		Hours:   hours,
		Metrics: response,
	})
}

func (h *Handler) GetSummary(c echo.Context) error {
	agentID := c.Param("agent_id")
	hours := hoursParam(c)

	metrics, err := h.store.GetMetrics(c.Request().Context(), agentID, hours)
	if err != nil {
		h.logger.Error("failed to get metrics summary", "error", err, "agent_id", agentID)
		return shared.InternalError("get_metrics_failed", "failed to get metrics")
	}

	summary := dto.SummaryResponse{
		AgentID: agentID,
		Period:  strconv.Itoa(hours) + "h",
	}

	var totalDuration, durationBuckets, errorCount int64
	for _, m := range metrics {
		summary.TotalCalls += m.Calls
		summary.TotalTimedOut += m.TimedOut
		errorCount += m.Errors
		if m.AvgDurationMs > 0 {
			totalDuration += m.AvgDurationMs
			durationBuckets++
		}
	}

	if durationBuckets > 0 {
		summary.AvgDurationMs = totalDuration / durationBuckets
	}
	if summary.TotalCalls > 0 {
		summary.ErrorRate = float64(errorCount) / float64(summary.TotalCalls) * 100
	}

	return c.JSON(http.StatusOK, summary)
}
