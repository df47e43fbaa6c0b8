// Package memory provides in-memory implementations of store interfaces.
// The TokenStore implementation uses a map keyed by anchor domain with
// sync.RWMutex for thread-safe access. It is suitable for a single-process
// engine; tokens do not survive restarts, which is the desired lifecycle for
// SEP-10 bearer tokens.
package memory

import (
	"context"
	"sync"

	anchorengine "github.com/stellarbridge/anchor-engine-go"
)

// TokenStore is an in-memory implementation of anchorengine.TokenStore.
// Writes replace the prior token for a domain atomically; there is never
// more than one current token per domain.
type TokenStore struct {
	tokens map[string]*anchorengine.AuthToken
	mu     sync.RWMutex
}

// NewTokenStore creates a new in-memory token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens: make(map[string]*anchorengine.AuthToken),
	}
}

// Get returns the current token for domain, if any. The returned token is
// shared; callers must not mutate it.
func (s *TokenStore) Get(ctx context.Context, domain string) (*anchorengine.AuthToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[domain]
	return token, ok
}

// Put stores token as the current token for its domain, superseding any
// prior token.
func (s *TokenStore) Put(ctx context.Context, token *anchorengine.AuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[token.AnchorDomain] = token
	return nil
}

// Forget removes any token for domain.
func (s *TokenStore) Forget(ctx context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, domain)
	return nil
}

var _ anchorengine.TokenStore = (*TokenStore)(nil)
