package resume

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		BackendMemory: func(t *testing.T) Store { return NewMemoryStore(time.Hour) },
		BackendSqlite: func(t *testing.T) Store {
			s, err := NewStore(Options{Backend: BackendSqlite, Dir: t.TempDir(), TTL: time.Hour, Logger: zerolog.Nop()})
			require.NoError(t, err)
			return s
		},
		BackendBadger: func(t *testing.T) Store {
			s, err := NewStore(Options{Backend: BackendBadger, Dir: t.TempDir(), TTL: time.Hour})
			require.NoError(t, err)
			return s
		},
		BackendRedis: func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			s, err := NewStore(Options{Backend: BackendRedis, Redis: RedisConfig{Addr: mr.Addr()}, TTL: time.Hour, Logger: zerolog.Nop()})
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_PutGetDelete(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer func() { require.NoError(t, s.Close()) }()
			ctx := context.Background()

			got, err := s.Get(ctx, "tv-livingroom", "live")
			require.NoError(t, err)
			assert.Nil(t, got)

			now := time.Now().Truncate(time.Millisecond)
			require.NoError(t, s.Put(ctx, "tv-livingroom", "live", &State{SequenceID: 41, SegmentOffset: 1880, UpdatedAt: now}))
			require.NoError(t, s.Put(ctx, "tv-livingroom", "live", &State{SequenceID: 42, SegmentOffset: 376, UpdatedAt: now}))
			require.NoError(t, s.Put(ctx, "tv-kitchen", "live", &State{SequenceID: 7, UpdatedAt: now}))

			got, err = s.Get(ctx, "tv-livingroom", "live")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, int64(42), got.SequenceID)
			assert.Equal(t, int64(376), got.SegmentOffset)
			assert.True(t, now.Equal(got.UpdatedAt), "updated_at %v != %v", got.UpdatedAt, now)

			other, err := s.Get(ctx, "tv-livingroom", "kitchen")
			require.NoError(t, err)
			assert.Nil(t, other, "positions are per stream")

			require.NoError(t, s.Delete(ctx, "tv-livingroom", "live"))
			got, err = s.Get(ctx, "tv-livingroom", "live")
			require.NoError(t, err)
			assert.Nil(t, got)

			kitchen, err := s.Get(ctx, "tv-kitchen", "live")
			require.NoError(t, err)
			require.NotNil(t, kitchen)
			assert.Equal(t, int64(7), kitchen.SequenceID)
		})
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	now := time.Date(2026, 10, 1, 20, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "c", "live", &State{SequenceID: 3, UpdatedAt: now}))
	got, err := s.Get(ctx, "c", "live")
	require.NoError(t, err)
	require.NotNil(t, got)

	now = now.Add(2 * time.Minute)
	got, err = s.Get(ctx, "c", "live")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSqliteStore_ExpiryAndPrune(t *testing.T) {
	s, err := NewSqliteStore(t.TempDir()+"/resume.sqlite", time.Minute, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "c", "old", &State{SequenceID: 1, UpdatedAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, s.Put(ctx, "c", "new", &State{SequenceID: 2, UpdatedAt: time.Now()}))

	got, err := s.Get(ctx, "c", "old")
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = s.Get(ctx, "c", "new")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestSqliteStore_ReopenKeepsPositions(t *testing.T) {
	path := t.TempDir() + "/resume.sqlite"
	ctx := context.Background()

	s, err := NewSqliteStore(path, time.Hour, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "c", "live", &State{SequenceID: 9, SegmentOffset: 10, UpdatedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = NewSqliteStore(path, time.Hour, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	got, err := s.Get(ctx, "c", "live")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(9), got.SequenceID)
}

func TestSqliteStore_CorruptFileIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resume.sqlite")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("not sqlite "), 800), 0o600))

	s, err := NewSqliteStore(path, time.Hour, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := s.Get(context.Background(), "c", "live")
	require.NoError(t, err)
	assert.Nil(t, got)

	moved, err := filepath.Glob(filepath.Join(dir, "resume.sqlite.corrupt-*"))
	require.NoError(t, err)
	assert.Len(t, moved, 1)
}

func TestRedisStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := newRedisStore(client, time.Minute, zerolog.Nop())
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "c", "live", &State{SequenceID: 5, UpdatedAt: time.Now()}))
	assert.Equal(t, time.Minute, mr.TTL(redisKey("c", "live")))

	mr.FastForward(2 * time.Minute)
	got, err := s.Get(ctx, "c", "live")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_UndecodableEntryIsMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set(redisKey("c", "live"), "{not json"))
	s := newRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute, zerolog.Nop())
	defer func() { _ = s.Close() }()

	got, err := s.Get(context.Background(), "c", "live")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNewStore_Backends(t *testing.T) {
	s, err := NewStore(Options{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = NewStore(Options{Backend: BackendSqlite})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s, "sqlite without a dir stays in memory")

	_, err = NewStore(Options{Backend: BackendBadger})
	assert.Error(t, err)

	_, err = NewStore(Options{Backend: "bolt"})
	assert.ErrorContains(t, err, "unknown resume store backend")
}
