// Package store provides the durable key-value layer the timer persists its
// snapshot to, plus the snapshot codec that validates what it reads back.
//
// Backend failures (disk full, permission denied, database down) are always
// returned to the caller. Only a value that cannot be decoded is swallowed
// and reported as absent.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tabtimer/go/internal/timer/session"
)

// DefaultKey is the storage key holding the timer snapshot.
const DefaultKey = "tabtimer:state"

// ErrInvalidKey is returned for keys a backend cannot address.
var ErrInvalidKey = errors.New("invalid storage key")

// KV is the durable store contract. Read returns nil, nil for a missing key.
type KV interface {
	Write(ctx context.Context, key string, value []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}

// Memory is a KV that lives as long as the process. Useful for tests and
// for running without durable recovery.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory KV.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Write(_ context.Context, key string, value []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Read(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Snapshots reads and writes the timer snapshot under one key of a KV.
type Snapshots struct {
	kv  KV
	key string
}

// NewSnapshots binds the snapshot codec to a KV. An empty key uses DefaultKey.
func NewSnapshots(kv KV, key string) *Snapshots {
	if key == "" {
		key = DefaultKey
	}
	return &Snapshots{kv: kv, key: key}
}

// Save writes the snapshot. Backend errors are returned unchanged in meaning.
func (s *Snapshots) Save(ctx context.Context, state session.PersistedState) error {
	data, err := session.MarshalState(state)
	if err != nil {
		return fmt.Errorf("encode timer state: %w", err)
	}
	if err := s.kv.Write(ctx, s.key, data); err != nil {
		return fmt.Errorf("write timer state: %w", err)
	}
	return nil
}

// Load returns the stored snapshot, or nil when it is absent or does not
// pass validation.
func (s *Snapshots) Load(ctx context.Context) (*session.PersistedState, error) {
	data, err := s.kv.Read(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("read timer state: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	state, err := session.UnmarshalState(data)
	if err != nil {
		log.Warn().Err(err).Str("key", s.key).Msg("ignoring corrupted timer state")
		return nil, nil
	}
	return state, nil
}

// Clear removes the stored snapshot.
func (s *Snapshots) Clear(ctx context.Context) error {
	if err := s.kv.Remove(ctx, s.key); err != nil {
		return fmt.Errorf("remove timer state: %w", err)
	}
	return nil
}
