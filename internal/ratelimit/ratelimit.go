// Package ratelimit implements sliding-window admission control.
//
// Two interchangeable backends exist: Redis (shared across processes, a
// sorted set of admission timestamps per key) and Memory (in-process).
// Callers observe identical behavior through Allow regardless of backend.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrWindow is returned when a caller passes a non-positive window.
// Unlike a non-positive limit (which simply denies), a broken window is a
// configuration bug and fails fast.
var ErrWindow = errors.New("ratelimit: window must be positive")

// Limiter answers "is one more unit allowed in this window?".
//
// The check-and-admit step is atomic per key: when only one slot remains,
// concurrent callers on the same key cannot both be admitted.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Service wraps a backend with the key-composition conveniences used across
// the bot. It is pure key formatting; the backend does the work.
type Service struct {
	backend Limiter
}

func NewService(backend Limiter) *Service {
	return &Service{backend: backend}
}

func (s *Service) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return s.backend.Allow(ctx, key, limit, window)
}

// AllowUser scopes the budget to a single user, e.g. "user:broadcast:42".
func (s *Service) AllowUser(ctx context.Context, userID int64, scope string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf("user:%s:%d", scope, userID)
	return s.backend.Allow(ctx, key, limit, window)
}

// AllowGlobal scopes the budget to the whole process/deployment, e.g. "global:webhook".
func (s *Service) AllowGlobal(ctx context.Context, scope string, limit int, window time.Duration) (bool, error) {
	key := "global:" + scope
	return s.backend.Allow(ctx, key, limit, window)
}
