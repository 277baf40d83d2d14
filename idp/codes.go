package idp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// authCode is a pending authorization code grant.
type authCode struct {
	clientID    string
	redirectURI string
	subject     string
	scopes      []string
	nonce       string
	authTime    time.Time
	expiresAt   time.Time
}

// codeStore holds authorization codes until they are redeemed or expire.
// A code can be taken once.
type codeStore struct {
	mu    sync.Mutex
	codes map[string]*authCode
}

func newCodeStore() *codeStore {
	return &codeStore{codes: make(map[string]*authCode)}
}

func (s *codeStore) issue(c *authCode, now time.Time) string {
	code := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.codes {
		if !now.Before(v.expiresAt) {
			delete(s.codes, k)
		}
	}
	s.codes[code] = c
	return code
}

// take removes and returns the code. It returns nil for unknown, used or
// expired codes.
func (s *codeStore) take(code string, now time.Time) *authCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return nil
	}
	delete(s.codes, code)
	if !now.Before(c.expiresAt) {
		return nil
	}
	return c
}
