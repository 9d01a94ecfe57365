package relay

import (
	"context"
	"log/slog"

	"github.com/eleven-am/call-relay/internal/callsession"
	"github.com/eleven-am/call-relay/internal/synthesis"
	"go.uber.org/fx"
)

type ServerParams struct {
	fx.In

	Config      Config
	Registry    *callsession.Registry
	Synthesizer synthesis.Synthesizer
	Configs     ConfigSource  `optional:"true"`
	Frames      FrameObserver `optional:"true"`
	Logger      *slog.Logger
}

func ProvideServer(lc fx.Lifecycle, params ServerParams) (*Server, error) {
	server, err := NewServer(params.Config, params.Registry, params.Synthesizer, params.Configs, params.Frames, params.Logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
	return server, nil
}

func ProvideHandler(server *Server) *Handler {
	return NewHandler(server)
}

var Module = fx.Options(
	fx.Provide(
		ProvideServer,
		ProvideHandler,
	),
)
