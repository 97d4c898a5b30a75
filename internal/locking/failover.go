package locking

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"homestay/internal/domain"

	"github.com/rs/zerolog"
)

// FailoverLocker uses the primary locker and switches to the fallback while the
// primary is failing, probing the primary again after RetryAfter.
type FailoverLocker struct {
	primary    domain.Locker
	fallback   domain.Locker
	logger     *zerolog.Logger
	RetryAfter time.Duration

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
}

var _ domain.Locker = (*FailoverLocker)(nil)

func NewFailoverLocker(primary, fallback domain.Locker, logger *zerolog.Logger) *FailoverLocker {
	return &FailoverLocker{
		primary:    primary,
		fallback:   fallback,
		logger:     logger,
		RetryAfter: time.Minute,
	}
}

func (l *FailoverLocker) Lock(ctx context.Context, key string) (func(), error) {
	if !l.isDown.Load() || l.shouldProbe() {
		unlock, err := l.primary.Lock(ctx, key)
		if err == nil {
			if l.isDown.CompareAndSwap(true, false) {
				l.logger.Info().Msg("primary locker recovered")
			}
			return unlock, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !l.isDown.Swap(true) {
			l.logger.Error().Err(err).Msg("primary locker failed, falling back to in-process locks")
		}
		l.mu.Lock()
		l.lastCheck = time.Now()
		l.mu.Unlock()
	}

	return l.fallback.Lock(ctx, key)
}

func (l *FailoverLocker) shouldProbe() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.lastCheck) > l.RetryAfter {
		l.lastCheck = time.Now()
		return true
	}
	return false
}

// Degraded reports whether the fallback is in use.
func (l *FailoverLocker) Degraded() bool {
	return l.isDown.Load()
}
