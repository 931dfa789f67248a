// Package auth validates logins against the configured user list and issues
// bearer session tokens.
package auth

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-password/password"
	"golang.org/x/crypto/bcrypt"

	"reelcoral/config"
)

const (
	tokenLength = 48
	sessionTTL  = 30 * 24 * time.Hour
	sweepEvery  = time.Hour
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

type sessionEntry struct {
	username  string
	expiresAt time.Time
}

// Service holds configured users and in-memory session tokens.
type Service struct {
	mu        sync.RWMutex
	users     map[string]string // username -> bcrypt hash
	sessions  map[string]sessionEntry
	lastSweep time.Time
}

// NewService builds the service from configured accounts. Plaintext passwords
// left over from older configs are hashed on load.
func NewService(users []config.UserConfig) (*Service, error) {
	s := &Service{
		users:     make(map[string]string, len(users)),
		sessions:  make(map[string]sessionEntry),
		lastSweep: time.Now(),
	}
	for _, u := range users {
		name := strings.TrimSpace(u.Username)
		if name == "" {
			continue
		}
		hash := u.PasswordHash
		if hash == "" && u.Password != "" {
			h, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, err
			}
			hash = string(h)
		}
		s.users[name] = hash
	}
	return s, nil
}

// Enabled reports whether any accounts are configured. With no accounts the
// API runs unauthenticated.
func (s *Service) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users) > 0
}

// Login checks credentials and returns a fresh session token.
func (s *Service) Login(username, pass string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, ok := s.users[strings.TrimSpace(username)]
	if !ok || hash == "" {
		// burn a comparison so missing users cost the same as bad passwords
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(pass))
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := password.Generate(tokenLength, 10, 0, false, true)
	if err != nil {
		return "", err
	}
	s.sweepLocked()
	s.sessions[token] = sessionEntry{
		username:  strings.TrimSpace(username),
		expiresAt: time.Now().Add(sessionTTL),
	}
	return token, nil
}

// Verify resolves a token to its username.
func (s *Service) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	s.mu.RLock()
	entry, ok := s.sessions[token]
	s.mu.RUnlock()

	if !ok {
		return "", ErrInvalidToken
	}
	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.sessions, token)
		s.mu.Unlock()
		return "", ErrInvalidToken
	}
	return entry.username, nil
}

// Logout invalidates a token. Unknown tokens are a no-op.
func (s *Service) Logout(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

func (s *Service) sweepLocked() {
	now := time.Now()
	if now.Sub(s.lastSweep) < sweepEvery {
		return
	}
	s.lastSweep = now
	for token, entry := range s.sessions {
		if now.After(entry.expiresAt) {
			delete(s.sessions, token)
		}
	}
}
