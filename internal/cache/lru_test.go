package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time          { return c.t }
func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLRU(t *testing.T, size int) (*LRU, *manualClock) {
	t.Helper()
	l, err := NewLRU(size)
	require.NoError(t, err)
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l.now = clock.Now
	return l, clock
}

func TestLRUMissOnUnpopulatedKey(t *testing.T) {
	l, _ := newTestLRU(t, 8)
	ctx := context.Background()

	for range 3 {
		_, ok, err := l.Get(ctx, "users:list:/users")
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestLRUHitUntilTTL(t *testing.T) {
	l, clock := newTestLRU(t, 8)
	ctx := context.Background()

	require.NoError(t, l.Set(ctx, "k", []byte("v1"), 900*time.Second))

	for range 3 {
		got, ok, err := l.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("v1"), got)
		clock.Advance(100 * time.Second)
	}

	clock.Advance(600 * time.Second) // now exactly at the deadline
	_, ok, err := l.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, l.Len(), "expired entry is dropped on read")
}

func TestLRUDoesNotAliasCallerBuffers(t *testing.T) {
	l, _ := newTestLRU(t, 8)
	ctx := context.Background()

	buf := []byte("original")
	require.NoError(t, l.Set(ctx, "k", buf, time.Minute))
	buf[0] = 'X'

	got, ok, err := l.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "original", string(got))

	got[0] = 'Y'
	again, _, _ := l.Get(ctx, "k")
	assert.Equal(t, "original", string(again))
}

func TestLRURejectsNonPositiveTTL(t *testing.T) {
	l, _ := newTestLRU(t, 8)
	assert.Error(t, l.Set(context.Background(), "k", []byte("v"), 0))
}

func TestLRUDeleteAndDeletePrefix(t *testing.T) {
	l, _ := newTestLRU(t, 8)
	ctx := context.Background()

	for _, key := range []string{ListKey("/users"), ListKey("/users?sort=name"), DetailKey("a"), DetailKey("b")} {
		require.NoError(t, l.Set(ctx, key, []byte("x"), time.Minute))
	}

	require.NoError(t, l.DeletePrefix(ctx, ListPrefix))
	require.NoError(t, l.Delete(ctx, DetailKey("a")))

	_, ok, _ := l.Get(ctx, ListKey("/users"))
	assert.False(t, ok)
	_, ok, _ = l.Get(ctx, ListKey("/users?sort=name"))
	assert.False(t, ok)
	_, ok, _ = l.Get(ctx, DetailKey("a"))
	assert.False(t, ok)
	_, ok, _ = l.Get(ctx, DetailKey("b"))
	assert.True(t, ok)
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	l, _ := newTestLRU(t, 2)
	ctx := context.Background()

	require.NoError(t, l.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, l.Set(ctx, "b", []byte("2"), time.Minute))
	_, _, _ = l.Get(ctx, "a")
	require.NoError(t, l.Set(ctx, "c", []byte("3"), time.Minute))

	_, ok, _ := l.Get(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = l.Get(ctx, "a")
	assert.True(t, ok)
}

func TestLRUExpiryKeepsValueWrittenAfterIt(t *testing.T) {
	l, clock := newTestLRU(t, 8)
	ctx := context.Background()

	require.NoError(t, l.Set(ctx, "k", []byte("old"), time.Second))
	clock.Advance(2 * time.Second)
	stale, ok := l.entries.Peek("k")
	require.True(t, ok)

	// A writer refreshes the key between a reader's expiry check and its removal.
	require.NoError(t, l.Set(ctx, "k", []byte("fresh"), time.Minute))
	l.dropExpired("k", stale.expireAt)

	got, ok, err := l.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("fresh"), got)
}
