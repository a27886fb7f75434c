package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/coocood/freecache"
)

const (
	megabyte = 1024 * 1024
	// DefaultCacheSize is plenty for a handful of tab keys; freecache
	// rounds anything below 512KB up anyway.
	DefaultCacheSize = 1 * megabyte
)

var _ Store = (*CacheStore)(nil)

// CacheStore keeps the tab-level scope in process memory: it is gone as
// soon as the process running the shell exits.
type CacheStore struct {
	cache *freecache.Cache
}

func NewCacheStore(sizeBytes int) *CacheStore {
	if sizeBytes <= 0 {
		sizeBytes = DefaultCacheSize
	}
	return &CacheStore{
		cache: freecache.NewCache(sizeBytes),
	}
}

func (s *CacheStore) Get(_ context.Context, key string) (string, error) {
	val, err := s.cache.Get([]byte(key))
	if err != nil {
		if errors.Is(err, freecache.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("cache get %s: %w", key, err)
	}
	return string(val), nil
}

func (s *CacheStore) Set(_ context.Context, key, value string) error {
	// no expiry, the tab decides
	if err := s.cache.Set([]byte(key), []byte(value), 0); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (s *CacheStore) Remove(_ context.Context, key string) error {
	s.cache.Del([]byte(key))
	return nil
}
