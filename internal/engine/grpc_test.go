package engine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/xela07ax/toolgate/internal/domain"
	"github.com/xela07ax/toolgate/internal/infra/auth"
)

func TestUnaryAuthInterceptor(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tok, err := auth.NewIssuer(key, time.Hour).Issue("svc", map[string]bool{domain.ScopeInvoke: true})
	require.NoError(t, err)

	intercept := UnaryAuthInterceptor(auth.NewBaseValidator(&key.PublicKey), zap.NewNop())
	var seenUser string
	handler := func(ctx context.Context, _ interface{}) (interface{}, error) {
		if c, ok := auth.ClaimsFromContext(ctx); ok {
			seenUser = c.UserID
		}
		return "ok", nil
	}
	private := &grpc.UnaryServerInfo{FullMethod: "/toolgate.v1.Gateway/Invoke"}

	_, err = intercept(context.Background(), nil, private, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	bad := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer nope"))
	_, err = intercept(bad, nil, private, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	good := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+tok.AccessToken))
	resp, err := intercept(good, nil, private, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, "svc", seenUser)

	// health доступен без токена
	health := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, err = intercept(context.Background(), nil, health, handler)
	assert.NoError(t, err)
}

func TestNewGRPCServer_RegistersHealth(t *testing.T) {
	srv, hs := NewGRPCServer(nil, zap.NewNop())
	defer srv.Stop()

	info := srv.GetServiceInfo()
	assert.Contains(t, info, "grpc.health.v1.Health")
	assert.NotNil(t, hs)
}
