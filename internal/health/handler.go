package health

import (
	"context"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/eleven-am/call-relay/internal/backpressure"
	"github.com/eleven-am/call-relay/internal/callsession"
	"github.com/eleven-am/call-relay/internal/synthesis"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const readinessTimeout = 10 * time.Second

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type ComponentStatus struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type RuntimeStats struct {
	Goroutines    int    `json:"goroutines"`
	HeapAllocMB   uint64 `json:"heap_alloc_mb"`
	SysMB         uint64 `json:"sys_mb"`
	NumGC         uint32 `json:"num_gc"`
	LastGCPauseNs uint64 `json:"last_gc_pause_ns"`
}

// SessionStats counts open calls by state alongside the relay-wide output
// buffer.
type SessionStats struct {
	Active         int   `json:"active"`
	Connecting     int   `json:"connecting"`
	Streaming      int   `json:"streaming"`
	Draining       int   `json:"draining"`
	BufferedBytes  int64 `json:"buffered_bytes"`
	PausedSessions int64 `json:"paused_sessions"`
}

type RequestStats struct {
	TotalRequests  uint64 `json:"total_requests"`
	ActiveRequests int64  `json:"active_requests"`
}

type Stats struct {
	Sessions SessionStats `json:"sessions"`
	Requests RequestStats `json:"requests"`
	Runtime  RuntimeStats `json:"runtime"`
}

type HealthResponse struct {
	Status        Status                     `json:"status"`
	Timestamp     time.Time                  `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Stats         Stats                      `json:"stats"`
	Components    map[string]ComponentStatus `json:"components"`
}

type SessionsResponse struct {
	Total    int                `json:"total"`
	Sessions []callsession.Info `json:"sessions"`
}

type Handler struct {
	db       *gorm.DB
	redis    *redis.Client
	synthCfg synthesis.Config
	registry *callsession.Registry
	ctrl     *backpressure.Controller
	version  string
	started  time.Time

	total  atomic.Uint64
	active atomic.Int64
}

func NewHandler(
	db *gorm.DB,
	redis *redis.Client,
	synthCfg synthesis.Config,
	registry *callsession.Registry,
	ctrl *backpressure.Controller,
	version string,
) *Handler {
	return &Handler{
		db:       db,
		redis:    redis,
		synthCfg: synthCfg,
		registry: registry,
		ctrl:     ctrl,
		version:  version,
		started:  time.Now(),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/health")
	g.GET("", h.Liveness)
	g.GET("/ready", h.Readiness)
	g.GET("/sessions", h.Sessions)
}

// Middleware counts HTTP requests, including websocket upgrades that stay
// open for the length of a call.
func (h *Handler) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h.total.Add(1)
			h.active.Add(1)
			defer h.active.Add(-1)
			return next(c)
		}
	}
}

func (h *Handler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Readiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
	defer cancel()

	results := runChecks(ctx, h.checks())
	components := make(map[string]ComponentStatus, len(results))
	for _, r := range results {
		components[r.name] = r.status
	}

	resp := HealthResponse{
		Status:        rollup(results),
		Timestamp:     time.Now().UTC(),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Stats: Stats{
			Sessions: h.sessionStats(),
			Requests: RequestStats{
				TotalRequests:  h.total.Load(),
				ActiveRequests: h.active.Load(),
			},
			Runtime: readRuntimeStats(),
		},
		Components: components,
	}

	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func (h *Handler) Sessions(c echo.Context) error {
	sessions := []callsession.Info{}
	if h.registry != nil {
		if snap := h.registry.Snapshot(); snap != nil {
			sessions = snap
		}
	}
	return c.JSON(http.StatusOK, SessionsResponse{Total: len(sessions), Sessions: sessions})
}

func (h *Handler) sessionStats() SessionStats {
	var stats SessionStats
	if h.registry != nil {
		for _, sess := range h.registry.ListActive() {
			stats.Active++
			switch sess.State() {
			case callsession.StateConnecting:
				stats.Connecting++
			case callsession.StateStreaming:
				stats.Streaming++
			case callsession.StateDraining:
				stats.Draining++
			}
		}
	}
	if h.ctrl != nil {
		stats.BufferedBytes = h.ctrl.TotalBuffered()
		stats.PausedSessions = h.ctrl.PausedGates()
	}
	return stats
}

func readRuntimeStats() RuntimeStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return RuntimeStats{
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   m.HeapAlloc >> 20,
		SysMB:         m.Sys >> 20,
		NumGC:         m.NumGC,
		LastGCPauseNs: m.PauseNs[(m.NumGC+255)%256],
	}
}
