// Package keystore caches per-conversation key material on the client device.
// It is a cache only: the backend conversation record stays authoritative.
package keystore

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrMiss is returned by Get when no key is cached for the conversation.
var ErrMiss = errors.New("keystore: key not cached")

// Store holds base64-encoded conversation keys keyed by conversation id.
// Entries survive only as long as the backing medium does; the cache is
// scoped to a single device and never synced.
type Store interface {
	Get(ctx context.Context, conversationID uuid.UUID) (string, error)
	Put(ctx context.Context, conversationID uuid.UUID, encodedKey string) error
	Remove(ctx context.Context, conversationID uuid.UUID) error
	Close() error
}

// Memory is a mutex-guarded in-memory Store used in tests and as the
// fallback when no cache path is configured.
type Memory struct {
	mu   sync.RWMutex
	keys map[uuid.UUID]string
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{keys: make(map[uuid.UUID]string)}
}

func (m *Memory) Get(_ context.Context, conversationID uuid.UUID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[conversationID]
	if !ok {
		return "", ErrMiss
	}
	return k, nil
}

func (m *Memory) Put(_ context.Context, conversationID uuid.UUID, encodedKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[conversationID] = encodedKey
	return nil
}

func (m *Memory) Remove(_ context.Context, conversationID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, conversationID)
	return nil
}

func (m *Memory) Close() error { return nil }
