package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
	"github.com/xela07ax/toolgate/internal/plugins"
)

func countingTool(id string, fn func(n int32) (string, error)) (*plugins.Func, *atomic.Int32) {
	var calls atomic.Int32
	return plugins.NewFunc(id, []domain.Capability{}, func(context.Context, string) (string, error) {
		return fn(calls.Add(1))
	}), &calls
}

func TestReliability_RetriesOnlyThrottle(t *testing.T) {
	w := NewReliabilityWrapper(nil, ReliabilityConfig{RetryAttempts: 3}, nil, zap.NewNop())

	throttled, calls := countingTool("throttled", func(n int32) (string, error) {
		if n < 3 {
			return "", &plugins.ThrottleError{RetryAfter: time.Millisecond, Cause: errors.New("429")}
		}
		return "done", nil
	})
	res, err := w.Execute(context.Background(), throttled, "x")
	require.NoError(t, err)
	assert.Equal(t, "done", res.Data)
	assert.EqualValues(t, 3, calls.Load())

	broken, calls := countingTool("broken", func(int32) (string, error) {
		return "", errors.New("bad request")
	})
	_, err = w.Execute(context.Background(), broken, "x")
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestReliability_BreakerOpensPerTool(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	w := NewReliabilityWrapper(nil, ReliabilityConfig{
		RetryAttempts: 1,
		CBMaxFailures: 2,
		CBTimeout:     time.Minute,
	}, m, zap.NewNop())

	broken, calls := countingTool("broken", func(int32) (string, error) {
		return "", errors.New("down")
	})
	for i := 0; i < 2; i++ {
		_, err := w.Execute(context.Background(), broken, "x")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen.String(), w.BreakerState("broken"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("broken")))

	_, err := w.Execute(context.Background(), broken, "x")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.EqualValues(t, 2, calls.Load())

	// Соседний инструмент не затронут
	healthy, _ := countingTool("healthy", func(int32) (string, error) { return "ok", nil })
	res, err := w.Execute(context.Background(), healthy, "x")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, gobreaker.StateClosed.String(), w.BreakerState("healthy"))
}

func TestReliability_ThrottleDoesNotTripBreaker(t *testing.T) {
	w := NewReliabilityWrapper(nil, ReliabilityConfig{RetryAttempts: 1, CBMaxFailures: 1}, nil, zap.NewNop())
	throttled, _ := countingTool("busy", func(int32) (string, error) {
		return "", &plugins.ThrottleError{RetryAfter: time.Millisecond}
	})

	for i := 0; i < 3; i++ {
		_, err := w.Execute(context.Background(), throttled, "x")
		var tErr *plugins.ThrottleError
		require.ErrorAs(t, err, &tErr)
	}
	assert.Equal(t, gobreaker.StateClosed.String(), w.BreakerState("busy"))
}
