// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package resume remembers where a client stopped following a stream so a
// reconnect continues from the same byte.
package resume

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Backend names accepted by NewStore.
const (
	BackendMemory = "memory"
	BackendSqlite = "sqlite"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// DefaultTTL bounds how long an untouched position is kept.
const DefaultTTL = 24 * time.Hour

// State is a position that survives reader restarts: virtual offsets are local
// to one reader, but sequence ids are derived from the manifest counters.
type State struct {
	SequenceID    int64     `json:"sequence_id"`
	SegmentOffset int64     `json:"segment_offset"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store persists positions per client and stream. Get returns (nil, nil) when
// nothing is stored or the entry expired.
type Store interface {
	Put(ctx context.Context, clientID, stream string, state *State) error
	Get(ctx context.Context, clientID, stream string) (*State, error)
	Delete(ctx context.Context, clientID, stream string) error
	Close() error
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Dir holds the sqlite and badger files. An empty Dir falls back to memory
	// for sqlite and is an error for badger.
	Dir    string
	TTL    time.Duration
	Redis  RedisConfig
	Logger zerolog.Logger
}

// NewStore creates a resume store for the configured backend.
func NewStore(opts Options) (Store, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryStore(opts.TTL), nil
	case BackendSqlite:
		if opts.Dir == "" {
			return NewMemoryStore(opts.TTL), nil
		}
		return NewSqliteStore(filepath.Join(opts.Dir, "resume.sqlite"), opts.TTL, opts.Logger)
	case BackendBadger:
		if opts.Dir == "" {
			return nil, fmt.Errorf("badger resume store needs a directory")
		}
		return NewBadgerStore(filepath.Join(opts.Dir, "resume.badger"), opts.TTL)
	case BackendRedis:
		return NewRedisStore(opts.Redis, opts.TTL, opts.Logger)
	default:
		return nil, fmt.Errorf("unknown resume store backend: %s (supported: memory, sqlite, badger, redis)", opts.Backend)
	}
}

// MemoryStore implements Store using a map (thread-safe).
type MemoryStore struct {
	mu   sync.RWMutex
	ttl  time.Duration
	now  func() time.Time
	data map[string]State
}

// NewMemoryStore creates an in-memory resume store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:  ttl,
		now:  time.Now,
		data: make(map[string]State),
	}
}

func (s *MemoryStore) Put(_ context.Context, clientID, stream string, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return errClosed
	}
	s.data[compositeKey(clientID, stream)] = *state
	return nil
}

func (s *MemoryStore) Get(_ context.Context, clientID, stream string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.data[compositeKey(clientID, stream)]
	if !ok || s.expired(val) {
		return nil, nil
	}
	return &val, nil
}

func (s *MemoryStore) Delete(_ context.Context, clientID, stream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, compositeKey(clientID, stream))
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) expired(st State) bool {
	return s.ttl > 0 && s.now().Sub(st.UpdatedAt) > s.ttl
}

var errClosed = fmt.Errorf("resume store closed")

func compositeKey(clientID, stream string) string {
	return clientID + "\x00" + stream
}
