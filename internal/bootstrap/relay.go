package bootstrap

import (
	"context"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/eleven-am/call-relay/internal/backpressure"
	"github.com/eleven-am/call-relay/internal/callsession"
	"github.com/eleven-am/call-relay/internal/callstore"
	"github.com/eleven-am/call-relay/internal/metrics"
	"github.com/eleven-am/call-relay/internal/presence"
	"github.com/eleven-am/call-relay/internal/relay"
	"github.com/eleven-am/call-relay/internal/synthesis"
	"go.uber.org/fx"
	"go.uber.org/multierr"
)

func ProvideBackpressureController(cfg backpressure.Config) (*backpressure.Controller, error) {
	return backpressure.NewController(cfg)
}

func ProvideCollector(ctrl *backpressure.Controller) *metrics.Collector {
	return metrics.NewCollector(ctrl)
}

func ProvidePresenceRecorder(store *presence.Store, logger *slog.Logger) *presence.Recorder {
	return presence.NewRecorder(store, logger)
}

func ProvideCallRecorder(store *callstore.Store, logger *slog.Logger) *callstore.Recorder {
	return callstore.NewRecorder(store, logger)
}

// ProvideSessionObserver fans session events out to metrics and the two
// recorders. The recorders write to redis and postgres, so each gets its own
// queue and goroutine; the collector stays synchronous.
func ProvideSessionObserver(
	lc fx.Lifecycle,
	cfg *Config,
	collector *metrics.Collector,
	live *presence.Recorder,
	history *callstore.Recorder,
	logger *slog.Logger,
) callsession.Observer {
	liveQ := callsession.NewAsyncObserver("presence", live, cfg.ObserverQueueSize, logger)
	historyQ := callsession.NewAsyncObserver("history", history, cfg.ObserverQueueSize, logger)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return multierr.Combine(liveQ.Close(ctx), historyQ.Close(ctx))
		},
	})
	return callsession.Observers{collector, liveQ, historyQ}
}

func ProvideRegistry(cfg callsession.Config, ctrl *backpressure.Controller, observer callsession.Observer, logger *slog.Logger) (*callsession.Registry, error) {
	return callsession.NewRegistry(cfg, ctrl, observer, clock.New(), logger)
}

func ProvideSynthesizer(cfg synthesis.Config, logger *slog.Logger) (synthesis.Synthesizer, error) {
	if !cfg.Configured() {
		logger.Warn("synthesis api key not configured; calls will fail to open a stream")
	}
	return synthesis.New(cfg, logger.With("component", "synthesis"))
}

func ProvideConfigSource(store *presence.Store) relay.ConfigSource {
	return store
}

func ProvideFrameObserver(collector *metrics.Collector) relay.FrameObserver {
	return collector
}

func StartSweeper(lc fx.Lifecycle, registry *callsession.Registry, logger *slog.Logger) {
	sweeper := callsession.NewSweeper(registry, logger)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			sweeper.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sweeper.Stop()
			return nil
		},
	})
}

var RelayModule = fx.Options(
	fx.Provide(
		ProvideSessionConfig,
		ProvideBackpressureConfig,
		ProvideSynthesisConfig,
		ProvideRelayConfig,
		ProvideBackpressureController,
		ProvideCollector,
		ProvidePresenceRecorder,
		ProvideCallRecorder,
		ProvideSessionObserver,
		ProvideRegistry,
		ProvideSynthesizer,
		ProvideConfigSource,
		ProvideFrameObserver,
	),
	relay.Module,
	fx.Invoke(StartSweeper),
)
