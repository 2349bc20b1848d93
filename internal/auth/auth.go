// Package auth verifies the administrative secret and issues time-limited
// operator tokens for the write API and shell channel.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"lookout/internal/db"
	"lookout/internal/fault"
)

const secretSettingKey = "admin_secret_hash"

var ErrNoSecret = errors.New("administrative secret not set")

type Service struct {
	repo *db.Repository
	ttl  time.Duration
	now  func() time.Time

	mu     sync.Mutex
	tokens map[string]time.Time // token -> expiry
}

func NewService(repo *db.Repository, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Service{repo: repo, ttl: ttl, now: time.Now, tokens: make(map[string]time.Time)}
}

// SetSecret stores the bcrypt hash of the administrative secret.
func (s *Service) SetSecret(ctx context.Context, secret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.repo.PutSetting(ctx, secretSettingKey, string(hash))
}

func (s *Service) HasSecret(ctx context.Context) (bool, error) {
	_, err := s.repo.GetSetting(ctx, secretSettingKey)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Login verifies the secret and issues a time-limited token.
func (s *Service) Login(ctx context.Context, secret string) (string, error) {
	hash, err := s.repo.GetSetting(ctx, secretSettingKey)
	if errors.Is(err, db.ErrNotFound) {
		return "", ErrNoSecret
	}
	if err != nil {
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return "", fault.New(fault.AuthFailed, "administrative secret rejected")
	}

	token := uuid.New().String()
	s.mu.Lock()
	// Logins are rare; sweeping here keeps the map bounded without a timer.
	for t, exp := range s.tokens {
		if s.now().After(exp) {
			delete(s.tokens, t)
		}
	}
	s.tokens[token] = s.now().Add(s.ttl)
	s.mu.Unlock()
	return token, nil
}

// Verify reports whether token is live; expired tokens are dropped on sight.
func (s *Service) Verify(token string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.tokens[token]
	if !ok {
		return false
	}
	if s.now().After(exp) {
		delete(s.tokens, token)
		return false
	}
	return true
}

func (s *Service) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}
