package session

import (
	"context"
	"sync"
)

// TokenSource resolves the caller's current session token. An empty token
// with a nil error means "not authenticated"; lookup failures themselves are
// never propagated as authentication errors by callers.
type TokenSource interface {
	SessionToken(ctx context.Context) (string, error)
}

// StaticTokenSource serves a fixed token, typically loaded from config.
// The zero value is an unauthenticated source.
type StaticTokenSource struct {
	mu    sync.RWMutex
	token string
}

// NewStaticTokenSource creates a source holding the given token.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

// SessionToken returns the stored token.
func (s *StaticTokenSource) SessionToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

// SetToken replaces the stored token, e.g. after a session refresh.
func (s *StaticTokenSource) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}
