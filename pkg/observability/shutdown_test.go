package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShutdownManager_Defaults(t *testing.T) {
	sm := NewShutdownManager(nil, nil, 0)
	require.NotNil(t, sm)
	assert.Equal(t, 30*time.Second, sm.shutdownTimeout)
	assert.NotNil(t, sm.logger)
}

func TestShutdownManager_RunsHooks(t *testing.T) {
	sm := NewShutdownManager(NewNopLogger(), nil, time.Second)

	var calls int32
	sm.Register("scheduler", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	sm.Register("redis", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	sm.Register("ignored", nil)

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NewNopLogger(), nil, time.Second)
	sm.Register("amqp", func(ctx context.Context) error { return errors.New("channel closed") })
	sm.Register("db", func(ctx context.Context) error { return nil })

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amqp: channel closed")
}

func TestShutdownManager_Timeout(t *testing.T) {
	sm := NewShutdownManager(NewNopLogger(), nil, time.Second)
	sm.Register("slow", func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.EqualError(t, sm.Shutdown(ctx), "shutdown timeout reached")
}

func TestShutdownManager_WaitForShutdownOnContext(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.NotFoundHandler())
	srv.Start()
	defer srv.Close()

	sm := NewShutdownManager(NewNopLogger(), srv.Config, time.Second)

	var ran int32
	sm.Register("hook", func(ctx context.Context) error {
		atomic.StoreInt32(&ran, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, sm.WaitForShutdown(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}
