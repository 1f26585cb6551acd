package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usermgmt/apiserver/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleUsers() []types.User {
	age := 31
	created := time.Date(2026, 2, 3, 4, 5, 6, 789, time.UTC)
	return []types.User{
		{
			ID:        "3f2c1e0d-1111-4a2b-9c3d-0e1f2a3b4c5d",
			Name:      "BOB",
			Email:     "bob@gmail.com",
			Role:      types.RoleUser,
			CreatedAt: created,
			UpdatedAt: created,
		},
		{
			ID:        "7a6b5c4d-2222-4e3f-8a9b-0c1d2e3f4a5b",
			Name:      "ALICE",
			Email:     "alice@yahoo.com",
			Age:       &age,
			Role:      types.RoleAdmin,
			CreatedAt: created.Add(time.Hour),
			UpdatedAt: created.Add(2 * time.Hour),
		},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	codecs := map[string]Codec{"json": JSONCodec{}}

	for name, codec := range codecs {
		t.Run(name, func(t *testing.T) {
			users := sampleUsers()

			data, err := codec.Marshal(users)
			require.NoError(t, err)
			var list []types.User
			require.NoError(t, codec.Unmarshal(data, &list))
			assert.Equal(t, users, list)

			data, err = codec.Marshal(users[1])
			require.NoError(t, err)
			var single types.User
			require.NoError(t, codec.Unmarshal(data, &single))
			assert.Equal(t, users[1], single)
		})
	}
}

func TestCacheRoundTripThroughBackends(t *testing.T) {
	lruBackend, err := NewLRU(16)
	require.NoError(t, err)
	redisBackend, _ := newTestRedis(t)

	for name, backend := range map[string]Backend{"lru": lruBackend, "redis": redisBackend} {
		t.Run(name, func(t *testing.T) {
			c := New(backend, nil, discardLogger(), time.Second)
			ctx := context.Background()
			users := sampleUsers()

			var list []types.User
			hit, err := c.Lookup(ctx, ListKey("/users"), &list)
			require.NoError(t, err)
			assert.False(t, hit)

			c.Store(ctx, ListKey("/users"), users, 1800*time.Second)
			c.Store(ctx, DetailKey(users[0].ID), users[0], 900*time.Second)

			for range 2 {
				hit, err = c.Lookup(ctx, ListKey("/users"), &list)
				require.NoError(t, err)
				require.True(t, hit)
				assert.Equal(t, users, list)

				var single types.User
				hit, err = c.Lookup(ctx, DetailKey(users[0].ID), &single)
				require.NoError(t, err)
				require.True(t, hit)
				assert.Equal(t, users[0], single)
			}
		})
	}
}

type failingBackend struct {
	getErr, setErr, delErr error
	sets                   int
}

func (f *failingBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, f.getErr
}

func (f *failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	f.sets++
	return f.setErr
}
func (f *failingBackend) Delete(context.Context, ...string) error     { return f.delErr }
func (f *failingBackend) DeletePrefix(context.Context, string) error  { return f.delErr }
func (f *failingBackend) Close() error                                { return nil }

func TestReadThroughLoadsOnMissAndCachesNonEmpty(t *testing.T) {
	backend, err := NewLRU(16)
	require.NoError(t, err)
	c := New(backend, nil, discardLogger(), time.Second)
	ctx := context.Background()

	loads := 0
	load := func(context.Context) ([]types.User, error) {
		loads++
		return sampleUsers(), nil
	}
	nonEmpty := func(u []types.User) bool { return len(u) > 0 }

	first, err := ReadThrough(ctx, c, ListKey("/users"), time.Minute, load, nonEmpty)
	require.NoError(t, err)
	second, err := ReadThrough(ctx, c, ListKey("/users"), time.Minute, load, nonEmpty)
	require.NoError(t, err)

	assert.Equal(t, 1, loads)
	assert.Equal(t, first, second)
}

func TestReadThroughSkipsUncacheableAndErrors(t *testing.T) {
	backend, err := NewLRU(16)
	require.NoError(t, err)
	c := New(backend, nil, discardLogger(), time.Second)
	ctx := context.Background()

	loads := 0
	empty := func(context.Context) ([]types.User, error) {
		loads++
		return []types.User{}, nil
	}
	nonEmpty := func(u []types.User) bool { return len(u) > 0 }

	for range 2 {
		_, err := ReadThrough(ctx, c, ListKey("/users"), time.Minute, empty, nonEmpty)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, loads)

	notFound := errors.New("not found")
	_, err = ReadThrough(ctx, c, DetailKey("x"), time.Minute, func(context.Context) (types.User, error) {
		return types.User{}, notFound
	}, nil)
	assert.ErrorIs(t, err, notFound)
	assert.Equal(t, 0, backend.Len())
}

func TestReadThroughDoesNotStoreValueLoadedBeforeInvalidate(t *testing.T) {
	backend, err := NewLRU(16)
	require.NoError(t, err)
	c := New(backend, nil, discardLogger(), time.Second)
	ctx := context.Background()
	key := DetailKey("7a6b5c4d-2222-4e3f-8a9b-0c1d2e3f4a5b")

	before := sampleUsers()[1]
	got, err := ReadThrough(ctx, c, key, time.Minute, func(context.Context) (types.User, error) {
		// A write commits and invalidates while this read still holds the old row.
		c.Invalidate(ctx, []string{key}, ListPrefix)
		return before, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, before, got)

	var cached types.User
	hit, err := c.Lookup(ctx, key, &cached)
	require.NoError(t, err)
	assert.False(t, hit)

	// Later reads populate the cache again.
	_, err = ReadThrough(ctx, c, key, time.Minute, func(context.Context) (types.User, error) { return before, nil }, nil)
	require.NoError(t, err)
	hit, err = c.Lookup(ctx, key, &cached)
	require.NoError(t, err)
	assert.True(t, hit)
}

// invalidatingBackend runs an invalidation from inside Set, after ReadThrough
// has checked the generation but before the value lands.
type invalidatingBackend struct {
	*LRU
	onSet func()
}

func (b *invalidatingBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if b.onSet != nil {
		hook := b.onSet
		b.onSet = nil
		hook()
	}
	return b.LRU.Set(ctx, key, value, ttl)
}

func TestReadThroughDropsValueWhenInvalidatedDuringStore(t *testing.T) {
	inner, err := NewLRU(16)
	require.NoError(t, err)
	backend := &invalidatingBackend{LRU: inner}
	c := New(backend, nil, discardLogger(), time.Second)
	ctx := context.Background()
	key := DetailKey("x")
	backend.onSet = func() { c.Invalidate(ctx, []string{key}) }

	_, err = ReadThrough(ctx, c, key, time.Minute, func(context.Context) (types.User, error) {
		return sampleUsers()[0], nil
	}, nil)
	require.NoError(t, err)

	_, ok, err := inner.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheWriteFailureIsNotSurfaced(t *testing.T) {
	backend := &failingBackend{setErr: errors.New("redis down")}
	c := New(backend, nil, discardLogger(), time.Second)

	got, err := ReadThrough(context.Background(), c, ListKey("/users"), time.Minute,
		func(context.Context) ([]types.User, error) { return sampleUsers(), nil }, nil)

	require.NoError(t, err)
	assert.Equal(t, sampleUsers(), got)
	assert.Equal(t, 1, backend.sets)
}

func TestCacheLookupFailureIsReturned(t *testing.T) {
	backend := &failingBackend{getErr: errors.New("redis down")}
	c := New(backend, nil, discardLogger(), time.Second)

	loaded := false
	_, err := ReadThrough(context.Background(), c, ListKey("/users"), time.Minute,
		func(context.Context) ([]types.User, error) { loaded = true; return nil, nil }, nil)

	assert.Error(t, err)
	assert.False(t, loaded)
}

func TestUndecodableEntryIsAMiss(t *testing.T) {
	backend, err := NewLRU(16)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, backend.Set(ctx, DetailKey("x"), []byte("{not json"), time.Minute))

	c := New(backend, nil, discardLogger(), time.Second)
	var u types.User
	hit, err := c.Lookup(ctx, DetailKey("x"), &u)
	require.NoError(t, err)
	assert.False(t, hit)
}
