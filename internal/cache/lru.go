package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type lruEntry struct {
	value    []byte
	expireAt time.Time
}

// LRU is an in-process Backend bounded by entry count. Expiry is passive:
// an entry past its deadline is dropped when it is next read.
type LRU struct {
	// mu orders writes against expiry removal; reads take no lock.
	mu      sync.Mutex
	entries *lru.Cache[string, lruEntry]
	now     func() time.Time
}

// NewLRU creates an LRU backend holding at most size entries.
func NewLRU(size int) (*LRU, error) {
	entries, err := lru.New[string, lruEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &LRU{entries: entries, now: time.Now}, nil
}

func (l *LRU) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, ok := l.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !l.now().Before(entry.expireAt) {
		l.dropExpired(key, entry.expireAt)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (l *LRU) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("cache ttl must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries.Add(key, lruEntry{
		value:    append([]byte(nil), value...),
		expireAt: l.now().Add(ttl),
	})
	return nil
}

// dropExpired removes key only if it still holds the entry that was seen
// expired, leaving a value written since then in place.
func (l *LRU) dropExpired(key string, seen time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.entries.Peek(key); ok && current.expireAt.Equal(seen) {
		l.entries.Remove(key)
	}
}

func (l *LRU) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		l.entries.Remove(key)
	}
	return nil
}

func (l *LRU) DeletePrefix(_ context.Context, prefix string) error {
	for _, key := range l.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			l.entries.Remove(key)
		}
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (l *LRU) Len() int {
	return l.entries.Len()
}

func (l *LRU) Close() error {
	l.entries.Purge()
	return nil
}
