package session

import (
	"context"
	"slices"
	"sync"
)

// MemoryBackend keeps sessions in process memory.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{sessions: make(map[string]*Session)}
}

func (m *MemoryBackend) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

func (m *MemoryBackend) ListBySubject(_ context.Context, subject string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Subject == subject {
			out = append(out, copySession(s))
		}
	}
	slices.SortFunc(out, func(a, b *Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func copySession(s *Session) *Session {
	cp := *s
	cp.Scopes = slices.Clone(s.Scopes)
	return &cp
}
