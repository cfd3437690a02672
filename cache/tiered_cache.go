package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/coocood/freecache"
	"github.com/sirupsen/logrus"
)

// TieredCache combines a local in-memory cache with an optional remote
// redis cache. Values are stored as json with their absolute expiry so a
// remote hit can repopulate the local tier with the remaining lifetime.
type TieredCache struct {
	logger      logrus.FieldLogger
	localCache  *freecache.Cache
	remoteCache RemoteCache
}

type cachedValue struct {
	Version uint64          `json:"i"`
	Timeout int64           `json:"t"`
	Value   json.RawMessage `json:"v"`
}

var ErrCacheMiss = errors.New("cache miss")

// RemoteCache is the byte level interface of the remote tier.
type RemoteCache interface {
	SetBytes(ctx context.Context, key string, value []byte, expiration time.Duration) error
	GetBytes(ctx context.Context, key string) ([]byte, error)
}

// NewTieredCache creates a cache with cacheSize MB of local memory. The
// remote tier is only used when redisAddress is set.
func NewTieredCache(ctx context.Context, cacheSize int, redisAddress string, redisPrefix string, logger logrus.FieldLogger) (*TieredCache, error) {
	var remoteCache RemoteCache
	if redisAddress != "" {
		var err error
		remoteCache, err = InitRedisCache(ctx, redisAddress, redisPrefix)
		if err != nil {
			logger.WithError(err).Errorf("error initializing remote redis cache. address: %v", redisAddress)
			return nil, err
		}
	}

	return newTieredCache(cacheSize, remoteCache, logger), nil
}

// NewLocalCache creates a cache without a remote tier.
func NewLocalCache(cacheSize int, logger logrus.FieldLogger) *TieredCache {
	return newTieredCache(cacheSize, nil, logger)
}

func newTieredCache(cacheSize int, remoteCache RemoteCache, logger logrus.FieldLogger) *TieredCache {
	return &TieredCache{
		logger:      logger.WithField("module", "cache"),
		localCache:  freecache.NewCache(cacheSize * 1024 * 1024),
		remoteCache: remoteCache,
	}
}

// Set stores value in both tiers. An expiration of 0 never expires.
func (cache *TieredCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	valueBytes, err := json.Marshal(value)
	if err != nil {
		return err
	}

	entry := cachedValue{
		Version: 1,
		Value:   valueBytes,
	}
	if expiration > 0 {
		entry.Timeout = time.Now().Add(expiration).Unix()
	}

	entryBytes, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := cache.localCache.Set([]byte(key), entryBytes, expirySeconds(expiration)); err != nil {
		return err
	}
	if cache.remoteCache != nil {
		return cache.remoteCache.SetBytes(ctx, key, entryBytes, expiration)
	}
	return nil
}

// Get loads key into returnValue or returns ErrCacheMiss.
func (cache *TieredCache) Get(ctx context.Context, key string, returnValue interface{}) error {
	entry := &cachedValue{}

	entryBytes, err := cache.localCache.Get([]byte(key))
	if err == nil {
		if err := json.Unmarshal(entryBytes, entry); err != nil {
			cache.logger.WithField("key", key).Warnf("error unmarshalling cached entry: %v", err)
			cache.localCache.Del([]byte(key))
			return ErrCacheMiss
		}
		return json.Unmarshal(entry.Value, returnValue)
	}

	if cache.remoteCache == nil {
		return ErrCacheMiss
	}

	entryBytes, err = cache.remoteCache.GetBytes(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(entryBytes, entry); err != nil {
		cache.logger.WithField("key", key).Warnf("error unmarshalling remote cached entry: %v", err)
		return ErrCacheMiss
	}

	now := time.Now()
	if entry.Timeout != 0 && entry.Timeout <= now.Unix() {
		return ErrCacheMiss
	}
	if entry.Timeout == 0 || entry.Timeout > now.Add(2*time.Second).Unix() {
		var remaining time.Duration
		if entry.Timeout != 0 {
			remaining = time.Unix(entry.Timeout, 0).Sub(now)
		}
		cache.localCache.Set([]byte(key), entryBytes, expirySeconds(remaining))
	}

	return json.Unmarshal(entry.Value, returnValue)
}

func expirySeconds(expiration time.Duration) int {
	if expiration <= 0 {
		return 0
	}
	seconds := int(expiration / time.Second)
	if seconds == 0 {
		seconds = 1
	}
	return seconds
}
