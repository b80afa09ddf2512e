// Package lockreg provides per-key mutual exclusion with bounded acquisition
// and forced release of locks held past a safety threshold.
package lockreg

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrAcquireTimeout is returned when a caller gives up waiting for a key's
// lock. It is recoverable: the caller falls back or retries later.
var ErrAcquireTimeout = errors.New("lockreg: timed out waiting for key lock")

// Token proves a successful acquisition. Its generation ties a Release to the
// exact hold it ends, so releasing a stale or swept-away token is a no-op.
type Token struct {
	key string
	gen uint64
}

// keyLock is shared by every goroutine interested in one key. waiters counts
// the holder plus everyone blocked in Acquire; the lock object is removed from
// the registry only when that count reaches zero.
type keyLock struct {
	sem       chan struct{} // capacity 1, full while held
	waiters   int
	gen       uint64
	held      bool
	heldSince time.Time
}

// Registry hands out per-key locks. A background sweep force-releases any lock
// held longer than maxHold, which bounds the damage of a holder that hung or
// crashed without releasing.
type Registry struct {
	maxHold time.Duration
	logger  *zap.Logger

	locks map[string]*keyLock
	// nextGen is registry-wide so a generation is never reused, even after a
	// key's lock object is removed and recreated. A token from an earlier lock
	// therefore can never match a later hold.
	nextGen uint64
	mutex   sync.Mutex

	stopSweep chan struct{}
	stopOnce  sync.Once
}

func New(maxHold, sweepInterval time.Duration, logger *zap.Logger) *Registry {
	r := &Registry{
		maxHold:   maxHold,
		logger:    logger,
		locks:     make(map[string]*keyLock),
		stopSweep: make(chan struct{}),
	}

	if sweepInterval > 0 {
		go r.sweep(sweepInterval)
	}

	return r
}

// Stop stops the background sweep goroutine. Safe to call multiple times.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopSweep)
	})
}

// Acquire blocks until the key's lock is obtained, the timeout elapses, or the
// caller's context is canceled. All callers for the same key wait on the same
// underlying lock; exactly one of them holds it at a time.
func (r *Registry) Acquire(ctx context.Context, key string, timeout time.Duration) (Token, error) {
	r.mutex.Lock()
	kl, ok := r.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		r.locks[key] = kl
	}
	kl.waiters++
	r.mutex.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case kl.sem <- struct{}{}:
		r.mutex.Lock()
		r.nextGen++
		kl.gen = r.nextGen
		kl.held = true
		kl.heldSince = time.Now()
		tok := Token{key: key, gen: kl.gen}
		r.mutex.Unlock()
		return tok, nil
	case <-timer.C:
		r.detach(key, kl)
		return Token{}, ErrAcquireTimeout
	case <-ctx.Done():
		r.detach(key, kl)
		return Token{}, ctx.Err()
	}
}

// Release ends the hold proven by tok. Releasing an already-released or
// swept-away token is a no-op, never an error.
func (r *Registry) Release(tok Token) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	kl, ok := r.locks[tok.key]
	if !ok || !kl.held || kl.gen != tok.gen {
		return
	}

	r.releaseLocked(tok.key, kl)
}

// IsHeld reports whether some goroutine currently holds the key's lock.
func (r *Registry) IsHeld(key string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	kl, ok := r.locks[key]
	return ok && kl.held
}

// HeldCount returns the number of keys whose locks are currently held.
func (r *Registry) HeldCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	count := 0
	for _, kl := range r.locks {
		if kl.held {
			count++
		}
	}
	return count
}

// detach removes a waiter that gave up without acquiring.
func (r *Registry) detach(key string, kl *keyLock) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	kl.waiters--
	if kl.waiters <= 0 && !kl.held {
		delete(r.locks, key)
	}
}

// releaseLocked drains the semaphore and drops the (former) holder's waiter
// reference. Caller must hold r.mutex.
func (r *Registry) releaseLocked(key string, kl *keyLock) {
	select {
	case <-kl.sem:
	default:
	}

	kl.held = false
	kl.waiters--
	if kl.waiters <= 0 {
		delete(r.locks, key)
	}
}

func (r *Registry) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.forceReleaseStale()
		case <-r.stopSweep:
			return
		}
	}
}

// forceReleaseStale releases locks held past maxHold on behalf of their
// vanished holders. The next hold gets a fresh registry-wide generation, so
// the stale holder's own Release is a no-op if it ever arrives.
func (r *Registry) forceReleaseStale() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	cutoff := time.Now().Add(-r.maxHold)
	for key, kl := range r.locks {
		if !kl.held || kl.heldSince.After(cutoff) {
			continue
		}

		r.logger.Warn("Force-releasing lock held past max hold duration",
			zap.String("key", key),
			zap.Duration("held", time.Since(kl.heldSince)),
			zap.Int("waiters", kl.waiters))

		r.releaseLocked(key, kl)
	}
}
