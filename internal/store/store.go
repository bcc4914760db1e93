// Package store persists per-user records and the trade history.
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Record is the flat document kept per user.
type Record map[string]any

// KV is the user record store. Update merges the given fields into the stored record.
type KV interface {
	Get(ctx context.Context, userID string) (Record, error)
	Update(ctx context.Context, userID string, fields Record) error
	// ServerTimestamp returns a value that Update resolves to the store's own clock.
	ServerTimestamp() any
}

// String reads a string field, returning "" when absent or of another type.
func (r Record) String(key string) string {
	v, _ := r[key].(string)
	return v
}

// Memory is an in-process KV.
type Memory struct {
	mu    sync.RWMutex
	users map[string]Record
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{users: make(map[string]Record), now: time.Now}
}

type serverTimestamp struct{}

func (m *Memory) ServerTimestamp() any { return serverTimestamp{} }

func (m *Memory) Get(_ context.Context, userID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Update(ctx context.Context, userID string, fields Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.users[userID]
	if !ok {
		rec = make(Record, len(fields))
		m.users[userID] = rec
	}
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			v = m.now().UTC()
		}
		rec[k] = v
	}
	return nil
}

// Users lists the ids currently stored.
func (m *Memory) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.users))
	for id := range m.users {
		out = append(out, id)
	}
	return out
}
