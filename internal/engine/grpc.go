package engine

import (
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/xela07ax/toolgate/internal/infra/auth"
)

// HealthServiceName — имя, под которым шлюз отчитывается в grpc.health.v1.
const HealthServiceName = "toolgate.v1.Gateway"

// NewGRPCServer собирает gRPC-сервер со стандартным health и reflection.
// Статус health переводится в NOT_SERVING при остановке.
func NewGRPCServer(v auth.TokenValidator, logger *zap.Logger) (*grpc.Server, *health.Server) {
	logger = logger.Named("grpc")
	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(
			UnaryLoggingInterceptor(logger),
			UnaryAuthInterceptor(v, logger),
		),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(srv)
	return srv, hs
}
