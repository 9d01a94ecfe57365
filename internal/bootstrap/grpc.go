package bootstrap

import (
	"context"
	"log/slog"
	"net"
	"time"

	"go.uber.org/fx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const relayServiceName = "callrelay.Relay"

func NewGRPCServer(logger *slog.Logger) *grpc.Server {
	return grpc.NewServer(grpc.ChainUnaryInterceptor(unaryLogger(logger.With("component", "grpc"))))
}

func unaryLogger(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}

func ProvideGRPCHealthServer() *health.Server {
	return health.NewServer()
}

func RegisterHealthService(server *grpc.Server, hs *health.Server) {
	healthpb.RegisterHealthServer(server, hs)
}

func StartGRPCServer(lc fx.Lifecycle, server *grpc.Server, hs *health.Server, cfg *Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return err
			}
			hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
			hs.SetServingStatus(relayServiceName, healthpb.HealthCheckResponse_SERVING)
			go func() {
				logger.Info("gRPC server starting", "addr", cfg.GRPCAddr)
				if err := server.Serve(lis); err != nil {
					logger.Error("gRPC server error", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			hs.SetServingStatus(relayServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
			hs.Shutdown()
			server.GracefulStop()
			return nil
		},
	})
}

var GRPCModule = fx.Options(
	fx.Provide(
		NewGRPCServer,
		ProvideGRPCHealthServer,
	),
	fx.Invoke(RegisterHealthService),
	fx.Invoke(StartGRPCServer),
)
