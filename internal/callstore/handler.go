package callstore

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/eleven-am/call-relay/internal/dto"
	"github.com/eleven-am/call-relay/internal/shared"
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

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/history", h.List)
	g.GET("/history/:call_id", h.Get)
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func recordToResponse(r *CallRecord) dto.CallRecordResponse {
	return dto.CallRecordResponse{
		CallID:         r.CallID,
		StreamSID:      r.StreamSID,
		AgentID:        r.AgentID,
		State:          r.State,
		CloseReason:    r.CloseReason,
		InboundFrames:  r.InboundFrames,
		InboundBytes:   r.InboundBytes,
		OutboundFrames: r.OutboundFrames,
		OutboundBytes:  r.OutboundBytes,
		MarksSent:      r.MarksSent,
		DroppedFrames:  r.DroppedFrames,
		StartedAt:      r.StartedAt.Format(time.RFC3339),
		StreamingAt:    formatTime(r.StreamingAt),
		EndedAt:        formatTime(r.EndedAt),
		DurationMs:     r.Duration().Milliseconds(),
	}
}

func (h *Handler) List(c echo.Context) error {
	filter := ListFilter{
		AgentID: c.QueryParam("agent_id"),
		State:   c.QueryParam("state"),
	}
	if limitStr := c.QueryParam("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			return shared.BadRequest("invalid_limit", "limit must be a positive integer")
		}
		filter.Limit = limit
	}

	records, err := h.store.ListRecent(c.Request().Context(), filter)
	if err != nil {
		h.logger.Error("failed to list calls", "error", err)
		return shared.InternalError("list_failed", "failed to list calls")
	}

	response := make([]dto.CallRecordResponse, len(records))
	for i, r := range records {
		response[i] = recordToResponse(r)
	}

	return c.JSON(http.StatusOK, dto.CallHistoryResponse{
		Total: len(response),
		Calls: response,
	})
}

func (h *Handler) Get(c echo.Context) error {
	callID := c.Param("call_id")

	rec, err := h.store.GetByID(c.Request().Context(), callID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.NotFound("call_not_found", "call not found")
		}
		h.logger.Error("failed to get call", "error", err, "call_id", callID)
		return shared.InternalError("get_failed", "failed to get call")
	}

	return c.JSON(http.StatusOK, recordToResponse(rec))
}
