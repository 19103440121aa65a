// ABOUTME: Tests for the connection pool lifecycle
// ABOUTME: Covers lazy creation, reuse, reset, failed connects and concurrent dials

package agent_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/agent/agenttest"
)

func TestPoolGetOrCreate(t *testing.T) {
	t.Run("creates lazily and reuses", func(t *testing.T) {
		transport := &agenttest.Transport{}
		pool := agent.NewPool(transport, slog.Default())

		assert.False(t, pool.Has("1"))

		first, err := pool.GetOrCreate(context.Background(), "1")
		require.NoError(t, err)
		assert.True(t, first.Connected())

		second, err := pool.GetOrCreate(context.Background(), "1")
		require.NoError(t, err)
		assert.Same(t, first, second)
		assert.Equal(t, 1, transport.Connects("1"))
		assert.Equal(t, 1, pool.Len())
	})

	t.Run("separate users get separate connections", func(t *testing.T) {
		transport := &agenttest.Transport{}
		pool := agent.NewPool(transport, nil)

		a, err := pool.GetOrCreate(context.Background(), "a")
		require.NoError(t, err)
		b, err := pool.GetOrCreate(context.Background(), "b")
		require.NoError(t, err)

		assert.NotSame(t, a, b)
		assert.Equal(t, 2, pool.Len())
	})

	t.Run("connect failure leaves no entry", func(t *testing.T) {
		dialErr := errors.New("dial refused")
		transport := &agenttest.Transport{ConnectErr: dialErr}
		pool := agent.NewPool(transport, nil)

		_, err := pool.GetOrCreate(context.Background(), "1")
		require.Error(t, err)
		assert.ErrorIs(t, err, agent.ErrConnection)
		assert.ErrorIs(t, err, dialErr)
		assert.False(t, pool.Has("1"))
		assert.Equal(t, 0, pool.Len())
	})

	t.Run("concurrent callers share one connection", func(t *testing.T) {
		transport := &agenttest.Transport{}
		pool := agent.NewPool(transport, nil)

		var wg sync.WaitGroup
		conns := make([]*agent.Connection, 20)
		for i := range conns {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c, err := pool.GetOrCreate(context.Background(), "shared")
				if err == nil {
					conns[i] = c
				}
			}(i)
		}
		wg.Wait()

		for _, c := range conns {
			require.NotNil(t, c)
			assert.Same(t, conns[0], c)
		}
		assert.Equal(t, 1, transport.Connects("shared"))
	})
}

func TestPoolReset(t *testing.T) {
	t.Run("removes and closes", func(t *testing.T) {
		transport := &agenttest.Transport{}
		pool := agent.NewPool(transport, nil)

		first, err := pool.GetOrCreate(context.Background(), "1")
		require.NoError(t, err)

		pool.Reset("1")
		assert.False(t, pool.Has("1"))
		assert.False(t, first.Connected())
		assert.True(t, first.Closed())
		assert.True(t, transport.Conns()[0].Closed())

		second, err := pool.GetOrCreate(context.Background(), "1")
		require.NoError(t, err)
		assert.NotSame(t, first, second)
		assert.Equal(t, 2, transport.Connects("1"))
	})

	t.Run("swallows close errors", func(t *testing.T) {
		transport := &agenttest.Transport{CloseErr: errors.New("broken pipe")}
		pool := agent.NewPool(transport, nil)

		_, err := pool.GetOrCreate(context.Background(), "1")
		require.NoError(t, err)

		assert.NotPanics(t, func() { pool.Reset("1") })
		assert.False(t, pool.Has("1"))
	})

	t.Run("unknown user is a no-op", func(t *testing.T) {
		pool := agent.NewPool(&agenttest.Transport{}, nil)
		assert.NotPanics(t, func() { pool.Reset("nobody") })
	})

	t.Run("does not touch other users", func(t *testing.T) {
		pool := agent.NewPool(&agenttest.Transport{}, nil)
		_, err := pool.GetOrCreate(context.Background(), "a")
		require.NoError(t, err)
		_, err = pool.GetOrCreate(context.Background(), "b")
		require.NoError(t, err)

		pool.Reset("a")
		assert.False(t, pool.Has("a"))
		assert.True(t, pool.Has("b"))
	})
}

func TestPoolClose(t *testing.T) {
	transport := &agenttest.Transport{}
	pool := agent.NewPool(transport, nil)
	for _, user := range []string{"a", "b", "c"} {
		_, err := pool.GetOrCreate(context.Background(), user)
		require.NoError(t, err)
	}

	pool.Close()

	assert.Equal(t, 0, pool.Len())
	for _, conn := range transport.Conns() {
		assert.True(t, conn.Closed())
	}
}
