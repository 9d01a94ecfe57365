package health

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/eleven-am/call-relay/internal/synthesis"
	"golang.org/x/sync/errgroup"
)

var (
	errNotConfigured = errors.New("not configured")
	errPingFailed    = errors.New("ping failed")
)

// check is one readiness probe. A critical check that fails makes the whole
// relay unhealthy; any other failure only degrades it.
type check struct {
	name     string
	critical bool
	run      func(context.Context) ComponentStatus
}

type checkResult struct {
	check
	status ComponentStatus
}

func (h *Handler) checks() []check {
	return []check{
		{name: "database", critical: true, run: h.checkDatabase},
		{name: "redis", critical: true, run: h.checkRedis},
		{name: "synthesis", run: h.checkSynthesis},
	}
}

func runChecks(ctx context.Context, checks []check) []checkResult {
	results := make([]checkResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			results[i] = checkResult{check: c, status: c.run(ctx)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func rollup(results []checkResult) Status {
	overall := StatusHealthy
	for _, r := range results {
		switch {
		case r.status.Status == StatusHealthy:
		case r.critical && r.status.Status == StatusUnhealthy:
			return StatusUnhealthy
		default:
			overall = StatusDegraded
		}
	}
	return overall
}

// probe times fn. An error always reports the component as unhealthy.
func probe(ctx context.Context, fn func(context.Context) (Status, error)) ComponentStatus {
	start := time.Now()
	status, err := fn(ctx)
	cs := ComponentStatus{Status: status, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		cs.Status = StatusUnhealthy
		cs.Error = err.Error()
	}
	return cs
}

func (h *Handler) checkDatabase(ctx context.Context) ComponentStatus {
	return probe(ctx, func(ctx context.Context) (Status, error) {
		if h.db == nil {
			return StatusUnhealthy, errNotConfigured
		}
		sqlDB, err := h.db.DB()
		if err != nil {
			return StatusUnhealthy, errors.New("no underlying connection pool")
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return StatusUnhealthy, errPingFailed
		}
		return poolStatus(sqlDB.Stats()), nil
	})
}

// poolStatus degrades the database once every pooled connection is in use.
func poolStatus(stats sql.DBStats) Status {
	if stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections {
		return StatusDegraded
	}
	return StatusHealthy
}

func (h *Handler) checkRedis(ctx context.Context) ComponentStatus {
	return probe(ctx, func(ctx context.Context) (Status, error) {
		if h.redis == nil {
			return StatusUnhealthy, errNotConfigured
		}
		if err := h.redis.Ping(ctx).Err(); err != nil {
			return StatusUnhealthy, errPingFailed
		}
		return StatusHealthy, nil
	})
}

// checkSynthesis inspects configuration only; it never dials the provider.
func (h *Handler) checkSynthesis(ctx context.Context) ComponentStatus {
	return probe(ctx, func(context.Context) (Status, error) {
		if !h.synthCfg.Configured() {
			return StatusUnhealthy, errors.New("api key not configured")
		}
		if err := h.synthCfg.Validate(); err != nil {
			return StatusUnhealthy, err
		}
		if h.synthCfg.Provider == synthesis.ProviderAgent && h.synthCfg.AgentID == "" {
			return StatusDegraded, nil
		}
		return StatusHealthy, nil
	})
}
