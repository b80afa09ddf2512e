package core

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"novastream/internal/cache"
	"novastream/internal/lockreg"
)

// minSuccessTTL keeps a success usable for at least one playback start even
// when the upstream expiry is nearly exhausted.
const minSuccessTTL = time.Minute

// Orchestrator is the engine's public entry point. It coordinates cache
// lookups, per-key locking, extraction, and cache population so that
// concurrent Resolve calls for one key share a single extraction.
type Orchestrator struct {
	config   *Config
	success  *cache.Cache[*StreamInfo]
	failures *cache.Cache[FailureKind]
	locks    *lockreg.Registry
	resolver Extractor
	queue    QueueStats
	logger   *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewOrchestrator(
	config *Config,
	success *cache.Cache[*StreamInfo],
	failures *cache.Cache[FailureKind],
	locks *lockreg.Registry,
	resolver Extractor,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		config:   config,
		success:  success,
		failures: failures,
		locks:    locks,
		resolver: resolver,
		logger:   logger,
	}
}

// SetQueueStats wires in the prefetch scheduler for Stats reporting. The
// scheduler depends on the orchestrator, so this is set after construction.
func (o *Orchestrator) SetQueueStats(queue QueueStats) {
	o.queue = queue
}

// Resolve returns a playable stream for key, from cache when possible. On a
// miss it acquires the key's lock, re-checks both caches (another caller may
// have finished the extraction while this one waited), extracts once, and
// populates the matching cache before returning.
func (o *Orchestrator) Resolve(ctx context.Context, key string) (*StreamInfo, error) {
	if info, err, done := o.checkCaches(key, true); done {
		return info, err
	}
	o.misses.Add(1)

	tok, err := o.locks.Acquire(ctx, key, o.config.Locks.AcquireTimeout)
	if err != nil {
		if errors.Is(err, lockreg.ErrAcquireTimeout) {
			o.logger.Warn("Gave up waiting for key lock", zap.String("key", key))
		}
		return nil, err
	}
	defer o.locks.Release(tok)

	// Double-check: the previous holder may have resolved this key already.
	if info, err, done := o.checkCaches(key, false); done {
		return info, err
	}

	info, err := o.resolver.Extract(ctx, key)
	if err != nil {
		var exErr *ExtractionError
		if !errors.As(err, &exErr) {
			// Caller-side cancellation or another unclassified error: not a
			// verdict on the key, so nothing is cached.
			return nil, err
		}

		// Delete before Set so the key is never in both caches at once
		ttl := o.failureTTL(exErr.Kind)
		o.success.Delete(key)
		o.failures.Set(key, exErr.Kind, ttl)

		o.logger.Debug("Cached extraction failure",
			zap.String("key", key),
			zap.String("kind", exErr.Kind.String()),
			zap.Duration("ttl", ttl))
		return nil, err
	}

	ttl := o.successTTL(info)
	o.failures.Delete(key)
	o.success.Set(key, info, ttl)

	o.logger.Debug("Cached resolved stream",
		zap.String("key", key),
		zap.Duration("ttl", ttl))

	return info, nil
}

// checkCaches consults the success then the failure cache. done=true means the
// key was answered from cache; countHit updates the hit counters only for the
// first, lock-free check so the double-check does not skew the hit rate.
func (o *Orchestrator) checkCaches(key string, countHit bool) (*StreamInfo, error, bool) {
	if info, ok := o.success.Get(key); ok {
		if countHit {
			o.hits.Add(1)
		}
		return info, nil, true
	}

	if kind, ok := o.failures.Get(key); ok {
		if countHit {
			o.hits.Add(1)
		}
		return nil, &ExtractionError{Key: key, Kind: kind, Cached: true}, true
	}

	return nil, nil, false
}

// Cached reports whether key is answerable from either cache. Used by the
// prefetch scheduler's submission filter.
func (o *Orchestrator) Cached(key string) bool {
	if _, ok := o.success.Get(key); ok {
		return true
	}
	_, ok := o.failures.Get(key)
	return ok
}

// InFlight reports whether an extraction for key is currently running.
func (o *Orchestrator) InFlight(key string) bool {
	return o.locks.IsHeld(key)
}

func (o *Orchestrator) Stats() Stats {
	hits := o.hits.Load()
	misses := o.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	depth := 0
	if o.queue != nil {
		depth = o.queue.Depth()
	}

	return Stats{
		SuccessCacheSize: o.success.Len(),
		FailureCacheSize: o.failures.Len(),
		InFlight:         o.locks.HeldCount(),
		QueueDepth:       depth,
		HitRate:          hitRate,
	}
}

// successTTL honors the upstream expiry when the stream URL declares one,
// bounded by the configured ceiling and a one-minute floor.
func (o *Orchestrator) successTTL(info *StreamInfo) time.Duration {
	ttl := o.config.Cache.SuccessTTL
	if info.ExpiresAt.IsZero() {
		return ttl
	}

	if upstream := time.Until(info.ExpiresAt); upstream < ttl {
		ttl = upstream
	}
	if ttl < minSuccessTTL {
		ttl = minSuccessTTL
	}
	return ttl
}

// failureTTL rate-limits retries per failure kind. Rate-limit rejections back
// off twice as long as other failures.
func (o *Orchestrator) failureTTL(kind FailureKind) time.Duration {
	if kind == FailureRateLimited {
		return 2 * o.config.Cache.FailureTTL
	}
	return o.config.Cache.FailureTTL
}
