package agent_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/atlas-desktop/trading-agent/internal/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRejectsDuplicateTicker(t *testing.T) {
	r := agent.NewRegistry(false)

	h, err := r.TryAcquire("AAPL", nil)
	require.NoError(t, err)
	assert.Equal(t, agent.StateRunning, h.State())
	assert.NotEmpty(t, h.TaskID)

	_, err = r.TryAcquire("AAPL", nil)
	assert.ErrorIs(t, err, agent.ErrAlreadyRunning)

	_, err = r.TryAcquire("MSFT", nil)
	assert.NoError(t, err)
	assert.Equal(t, 2, r.Len())
}

func TestRegistrySingleAgentMode(t *testing.T) {
	r := agent.NewRegistry(true)

	_, err := r.TryAcquire("AAPL", nil)
	require.NoError(t, err)

	existing, err := r.TryAcquire("MSFT", nil)
	assert.ErrorIs(t, err, agent.ErrAlreadyRunning)
	assert.Equal(t, "AAPL", existing.Ticker)
}

func TestRegistryReleaseOnlyOwnSlot(t *testing.T) {
	r := agent.NewRegistry(false)

	old, err := r.TryAcquire("AAPL", nil)
	require.NoError(t, err)
	r.Release(old)
	r.Release(old)

	fresh, err := r.TryAcquire("AAPL", nil)
	require.NoError(t, err)

	// A late release of the old handle must not evict the new one.
	r.Release(old)
	got, ok := r.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, fresh.TaskID, got.TaskID)
}

func TestRegistryConcurrentAcquire(t *testing.T) {
	r := agent.NewRegistry(true)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.TryAcquire("AAPL", nil); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestRegistryOnly(t *testing.T) {
	r := agent.NewRegistry(false)
	_, ok := r.Only()
	assert.False(t, ok)

	_, _ = r.TryAcquire("AAPL", nil)
	h, ok := r.Only()
	require.True(t, ok)
	assert.Equal(t, "AAPL", h.Ticker)

	_, _ = r.TryAcquire("MSFT", nil)
	_, ok = r.Only()
	assert.False(t, ok)
	assert.Len(t, r.Running(), 2)
}
