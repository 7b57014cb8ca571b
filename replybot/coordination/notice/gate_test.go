package notice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/room-replybot/replybot/coordination/adapters"
	ports "github.com/ZanzyTHEbar/room-replybot/replybot/coordination/ports"
	"github.com/ZanzyTHEbar/room-replybot/replybot/db/dbtest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{}

func (failingStore) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("store down")
}

func (failingStore) DeleteIfEquals(context.Context, string, string) (bool, error) {
	return false, errors.New("store down")
}

func (failingStore) IncrementWrap(context.Context, string, int64) (ports.Counter, error) {
	return ports.Counter{}, errors.New("store down")
}

func TestClaim_BudgetPerScope(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(adapters.NewMemoryStore(0), zerolog.Nop())

	for i := 0; i < 2; i++ {
		_, ok, err := gate.Claim(ctx, "workspace", "ws-1", 2)
		require.NoError(t, err)
		assert.True(t, ok, "claim %d", i)
	}
	_, ok, err := gate.Claim(ctx, "workspace", "ws-1", 2)
	require.NoError(t, err)
	assert.False(t, ok, "third notice in the window")

	_, ok, err = gate.Claim(ctx, "workspace", "ws-2", 2)
	require.NoError(t, err)
	assert.True(t, ok, "workspaces have separate budgets")
	_, ok, err = gate.Claim(ctx, "organization", "ws-1", 2)
	require.NoError(t, err)
	assert.True(t, ok, "levels have separate budgets")

	_, ok, err = gate.Claim(ctx, "workspace", "ws-3", 0)
	require.NoError(t, err)
	assert.False(t, ok, "zero budget never grants")

	_, _, err = gate.Claim(ctx, "workspace", "", 1)
	assert.ErrorIs(t, err, ErrEmptyScope)
}

func TestClaim_SlotsExpireAfterWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	gate := NewGate(adapters.NewMemoryStore(0, adapters.WithMemoryClock(clock)), zerolog.Nop())

	_, ok, err := gate.Claim(ctx, "organization", "org-1", 1)
	require.NoError(t, err)
	require.True(t, ok)

	mu.Lock()
	now = now.Add(23 * time.Hour)
	mu.Unlock()
	_, ok, err = gate.Claim(ctx, "organization", "org-1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()
	_, ok, err = gate.Claim(ctx, "organization", "org-1", 1)
	require.NoError(t, err)
	assert.True(t, ok, "a full window later the slot is free")
}

func TestRelease_ReturnsUnpostedSlot(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(adapters.NewMemoryStore(0), zerolog.Nop())

	slot, ok, err := gate.Claim(ctx, "workspace", "ws-1", 1)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := gate.Release(ctx, Slot{Key: slot.Key, Token: "not-mine"})
	require.NoError(t, err)
	assert.False(t, released)

	released, err = gate.Release(ctx, slot)
	require.NoError(t, err)
	assert.True(t, released)

	_, ok, err = gate.Claim(ctx, "workspace", "ws-1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaim_StoreFailure(t *testing.T) {
	_, ok, err := NewGate(failingStore{}, zerolog.Nop()).Claim(context.Background(), "workspace", "ws-1", 1)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestClaim_ConcurrentRoomsAcrossWorkerPools(t *testing.T) {
	pools := dbtest.OpenPools(t, 2)
	gates := []*Gate{
		NewGate(adapters.NewLibSQLStore(pools[0]), zerolog.Nop()),
		NewGate(adapters.NewLibSQLStore(pools[1]), zerolog.Nop()),
	}
	ctx := context.Background()

	const limit = 3
	var (
		wg      sync.WaitGroup
		granted atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(g *Gate) {
			defer wg.Done()
			<-start
			_, ok, err := g.Claim(ctx, "workspace", "ws-1", limit)
			assert.NoError(t, err)
			if ok {
				granted.Add(1)
			}
		}(gates[i%2])
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(limit), granted.Load())
}
