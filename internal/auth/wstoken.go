package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// WSTokenTTL is how long a token is valid
	WSTokenTTL = 30 * time.Second
	// WSTokenLength is the byte length of the token (will be hex encoded to 2x)
	WSTokenLength = 32
)

// WSTokenStore issues one-time tokens for the websocket handshake, which
// cannot carry the auth cookie cross-origin.
type WSTokenStore struct {
	mu     sync.Mutex
	tokens map[string]wsTokenEntry
	ttl    time.Duration
	now    func() time.Time
}

type wsTokenEntry struct {
	user      User
	createdAt time.Time
}

// NewWSTokenStore creates a new WebSocket token store
func NewWSTokenStore() *WSTokenStore {
	return &WSTokenStore{
		tokens: make(map[string]wsTokenEntry),
		ttl:    WSTokenTTL,
		now:    time.Now,
	}
}

// Generate creates a new one-time token for a user. Expired tokens are
// dropped on the way.
func (s *WSTokenStore) Generate(user *User) (string, error) {
	bytes := make([]byte, WSTokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(bytes)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for t, entry := range s.tokens {
		if now.Sub(entry.createdAt) > s.ttl {
			delete(s.tokens, t)
		}
	}
	s.tokens[token] = wsTokenEntry{user: *user, createdAt: now}
	return token, nil
}

// Validate consumes a token and returns its user.
func (s *WSTokenStore) Validate(token string) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tokens[token]
	if !exists {
		return nil, false
	}
	delete(s.tokens, token)

	if s.now().Sub(entry.createdAt) > s.ttl {
		return nil, false
	}
	u := entry.user
	return &u, true
}

// Len returns the number of outstanding tokens.
func (s *WSTokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
