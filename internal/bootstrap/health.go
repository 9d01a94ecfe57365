package bootstrap

import (
	"github.com/eleven-am/call-relay/internal/backpressure"
	"github.com/eleven-am/call-relay/internal/callsession"
	"github.com/eleven-am/call-relay/internal/health"
	"github.com/eleven-am/call-relay/internal/synthesis"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const version = "1.0.0"

func ProvideHealthHandler(
	db *gorm.DB,
	redis *redis.Client,
	synthCfg synthesis.Config,
	registry *callsession.Registry,
	ctrl *backpressure.Controller,
) *health.Handler {
	return health.NewHandler(db, redis, synthCfg, registry, ctrl, version)
}

func RegisterHealthRoutes(e *echo.Echo, h *health.Handler) {
	e.Use(h.Middleware())
	h.RegisterRoutes(e)
}

var HealthModule = fx.Options(
	fx.Provide(ProvideHealthHandler),
	fx.Invoke(RegisterHealthRoutes),
)
