package engine

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/xela07ax/toolgate/internal/infra/auth"
)

// Служебные сервисы доступны без токена
var publicGRPCPrefixes = []string{
	"/grpc.health.v1.Health/",
	"/grpc.reflection.",
}

func isPublicMethod(fullMethod string) bool {
	for _, p := range publicGRPCPrefixes {
		if strings.HasPrefix(fullMethod, p) {
			return true
		}
	}
	return false
}

// UnaryAuthInterceptor проверяет RS256 токен в метаданных gRPC вызова
// и кладет claims в контекст так же, как HTTP-middleware.
func UnaryAuthInterceptor(v auth.TokenValidator, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if v == nil || isPublicMethod(info.FullMethod) {
			return handler(ctx, req)
		}

		// 1. Извлекаем метаданные из контекста
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}

		// 2. Ищем токен (в gRPC заголовки обычно в нижнем регистре)
		tokens := md.Get("authorization")
		if len(tokens) == 0 {
			return nil, status.Errorf(codes.Unauthenticated, "missing access token")
		}

		claims, err := v.VerifyToken(tokens[0])
		if err != nil {
			logger.Warn("grpc auth failure", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Errorf(codes.Unauthenticated, "invalid access token")
		}

		return handler(auth.WithClaims(ctx, claims), req)
	}
}

// UnaryLoggingInterceptor пишет метод, код ответа и длительность.
func UnaryLoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc call",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("took", time.Since(start)))
		return resp, err
	}
}
