// Package wakelock keeps the device awake for bounded periods. A Guard holds
// at most one lock at a time and drops it when its timeout passes, whether or
// not Release is ever called.
package wakelock

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"tracking-service/internal/clock"
)

// Lock is a held power resource.
type Lock interface {
	Release() error
}

// Locker grants power resources. Implementations may honor timeout natively;
// the Guard enforces it regardless.
type Locker interface {
	Lock(timeout time.Duration) (Lock, error)
}

type Guard struct {
	locker Locker
	clock  clock.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	lock      Lock
	expiry    clock.Timer
	expiresAt time.Time
	gen       uint64
	onChange  func(held bool)
}

func NewGuard(locker Locker, clk clock.Clock, logger zerolog.Logger) *Guard {
	return &Guard{
		locker: locker,
		clock:  clk,
		logger: logger.With().Str("component", "wakelock").Logger(),
	}
}

// OnChange registers a callback invoked whenever the held state flips.
func (g *Guard) OnChange(f func(held bool)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = f
}

// Acquire grants the resource for at most timeout. Calling it while held
// renews: the new lock is taken before the old one is dropped. On failure a
// previously held lock keeps its original expiry.
func (g *Guard) Acquire(timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	lock, err := g.locker.Lock(timeout)
	if err != nil {
		return errors.Wrap(err, "failed to acquire wake lock")
	}

	wasHeld := g.lock != nil
	old := g.lock
	if g.expiry != nil {
		g.expiry.Stop()
	}

	g.gen++
	gen := g.gen
	g.lock = lock
	g.expiresAt = g.clock.Now().Add(timeout)
	g.expiry = g.clock.AfterFunc(timeout, func() { g.expire(gen) })

	if old != nil {
		if err := old.Release(); err != nil {
			g.logger.Warn().Err(err).Msg("failed to release superseded wake lock")
		}
	}

	if !wasHeld {
		g.logger.Debug().Dur("timeout", timeout).Msg("wake lock acquired")
		g.notify(true)
	}
	return nil
}

// Release drops the resource if held. Safe to call any number of times.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.release() {
		g.logger.Debug().Msg("wake lock released")
	}
}

func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lock != nil
}

// ExpiresAt returns when the current lock lapses; zero when not held.
func (g *Guard) ExpiresAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lock == nil {
		return time.Time{}
	}
	return g.expiresAt
}

func (g *Guard) expire(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gen != g.gen || g.lock == nil {
		return
	}
	g.logger.Warn().Msg("wake lock expired without renewal")
	g.release()
}

// release must be called with mu held.
func (g *Guard) release() bool {
	if g.expiry != nil {
		g.expiry.Stop()
		g.expiry = nil
	}
	g.gen++
	if g.lock == nil {
		return false
	}
	if err := g.lock.Release(); err != nil {
		g.logger.Warn().Err(err).Msg("failed to release wake lock")
	}
	g.lock = nil
	g.expiresAt = time.Time{}
	g.notify(false)
	return true
}

func (g *Guard) notify(held bool) {
	if g.onChange != nil {
		g.onChange(held)
	}
}

// Nop grants locks that do nothing, for hosts without a power manager.
type Nop struct{}

func (Nop) Lock(time.Duration) (Lock, error) { return nopLock{}, nil }

type nopLock struct{}

func (nopLock) Release() error { return nil }
