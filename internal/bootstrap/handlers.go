package bootstrap

import (
	"crypto/subtle"
	"log/slog"
	"os"

	"github.com/eleven-am/call-relay/internal/callstore"
	"github.com/eleven-am/call-relay/internal/metrics"
	"github.com/eleven-am/call-relay/internal/presence"
	"github.com/eleven-am/call-relay/internal/relay"
	"github.com/eleven-am/call-relay/internal/shared"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
)

type HandlerParams struct {
	fx.In

	RelayHandler    *relay.Handler
	PresenceHandler *presence.Handler
	HistoryHandler  *callstore.Handler
	Collector       *metrics.Collector
	Config          *Config
	Logger          *slog.Logger
}

func RegisterRoutes(e *echo.Echo, params HandlerParams) {
	params.RelayHandler.RegisterStreamRoute(e)
	params.Collector.RegisterRoutes(e)

	api := e.Group("/v1")

	callsGroup := api.Group("/calls")
	agentsGroup := api.Group("/agents")
	if auth := controlAuth(params.Config.ControlToken); auth != nil {
		callsGroup.Use(auth)
		agentsGroup.Use(auth)
	} else {
		params.Logger.Warn("CONTROL_TOKEN not set; control routes are unauthenticated")
	}

	params.RelayHandler.RegisterRoutes(callsGroup)
	params.PresenceHandler.RegisterCallRoutes(callsGroup)
	params.HistoryHandler.RegisterRoutes(callsGroup)
	params.PresenceHandler.RegisterAgentRoutes(agentsGroup)
}

// controlAuth guards the control routes with a bearer token. An empty token
// disables the check.
func controlAuth(token string) echo.MiddlewareFunc {
	if token == "" {
		return nil
	}
	expected := []byte(token)
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), expected) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return shared.Unauthorized("invalid_token", "missing or invalid control token")
		},
	})
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ProvideLogger(cfg *Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
}

func ProvidePresenceHandler(store *presence.Store, logger *slog.Logger) *presence.Handler {
	return presence.NewHandler(store, logger.With("handler", "presence"))
}

func ProvideHistoryHandler(store *callstore.Store, logger *slog.Logger) *callstore.Handler {
	return callstore.NewHandler(store, logger.With("handler", "history"))
}

var HandlersModule = fx.Options(
	fx.Provide(
		ProvideLogger,
		ProvidePresenceHandler,
		ProvideHistoryHandler,
	),
	fx.Invoke(RegisterRoutes),
)
