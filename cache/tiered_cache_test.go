package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryRemote struct {
	mutex   sync.Mutex
	entries map[string][]byte
	gets    int
}

func (m *memoryRemote) SetBytes(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.entries[key] = value
	return nil
}

func (m *memoryRemote) GetBytes(ctx context.Context, key string) ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.gets++
	value, ok := m.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return value, nil
}

type entry struct {
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

func TestLocalCacheRoundTrip(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cache := NewLocalCache(1, logger)
	ctx := context.Background()

	var out entry
	assert.ErrorIs(t, cache.Get(ctx, "missing", &out), ErrCacheMiss)

	require.NoError(t, cache.Set(ctx, "dai", &entry{Name: "Dai", Decimals: 18}, 0))
	require.NoError(t, cache.Get(ctx, "dai", &out))
	assert.Equal(t, entry{Name: "Dai", Decimals: 18}, out)
}

func TestRemoteHitPopulatesLocal(t *testing.T) {
	logger, _ := test.NewNullLogger()
	remote := &memoryRemote{entries: map[string][]byte{}}
	writer := newTieredCache(1, remote, logger)
	reader := newTieredCache(1, remote, logger)
	ctx := context.Background()

	require.NoError(t, writer.Set(ctx, "usdc", &entry{Name: "USD Coin", Decimals: 6}, time.Minute))

	var out entry
	require.NoError(t, reader.Get(ctx, "usdc", &out))
	assert.Equal(t, uint8(6), out.Decimals)
	require.NoError(t, reader.Get(ctx, "usdc", &out))
	assert.Equal(t, 1, remote.gets)
}

func TestRemoteExpiredEntryIsMiss(t *testing.T) {
	logger, _ := test.NewNullLogger()
	remote := &memoryRemote{entries: map[string][]byte{
		"old": []byte(`{"i":1,"t":1000,"v":{"name":"old"}}`),
	}}
	cache := newTieredCache(1, remote, logger)

	var out entry
	assert.ErrorIs(t, cache.Get(context.Background(), "old", &out), ErrCacheMiss)
}
