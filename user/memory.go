package user

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryBackend keeps accounts in process memory.
type MemoryBackend struct {
	mu        sync.RWMutex
	byEmail   map[string]*Record
	bySubject map[string]string
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		byEmail:   make(map[string]*Record),
		bySubject: make(map[string]string),
	}
}

func (m *MemoryBackend) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[rec.Account.Email]; ok {
		return ErrExists
	}
	m.byEmail[rec.Account.Email] = clone(rec)
	m.bySubject[rec.Account.Subject] = rec.Account.Email
	return nil
}

func (m *MemoryBackend) GetByEmail(_ context.Context, email string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(rec), nil
}

func (m *MemoryBackend) GetBySubject(ctx context.Context, subject string) (*Record, error) {
	m.mu.RLock()
	email, ok := m.bySubject[subject]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetByEmail(ctx, email)
}

func (m *MemoryBackend) Update(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[rec.Account.Email]; !ok {
		return ErrNotFound
	}
	m.byEmail[rec.Account.Email] = clone(rec)
	return nil
}

func clone(rec *Record) *Record {
	cp := *rec
	cp.PasswordHash = slices.Clone(rec.PasswordHash)
	cp.Account.Attributes = maps.Clone(rec.Account.Attributes)
	return &cp
}
