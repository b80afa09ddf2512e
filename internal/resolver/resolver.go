// Package resolver wraps the extraction client with a hard per-attempt
// timeout, a shared rate limiter, and failure classification. It performs no
// caching and no retries; both are orchestrator decisions.
package resolver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"novastream/internal/core"
)

type Resolver struct {
	extractor core.Extractor
	limiter   *rate.Limiter
	timeout   time.Duration
	logger    *zap.Logger
}

func New(extractor core.Extractor, cfg *core.ExtractorConfig, logger *zap.Logger) *Resolver {
	return &Resolver{
		extractor: extractor,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		timeout:   cfg.Timeout,
		logger:    logger,
	}
}

// Extract performs one bounded extraction attempt for key. Failures come back
// as *core.ExtractionError with a kind; a cancellation of the caller's own
// context is passed through unclassified so it is never cached.
func (r *Resolver) Extract(ctx context.Context, key string) (*core.StreamInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.limiter.Wait(ctx); err != nil {
		// Could not get a slot inside the attempt window: the local limiter is
		// saturated, which is rate limiting by another name.
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &core.ExtractionError{Key: key, Kind: core.FailureRateLimited, Err: err}
	}

	start := time.Now()
	info, err := r.extractor.Extract(ctx, key)
	if err != nil {
		return nil, r.classify(key, err)
	}

	r.logger.Debug("Extraction succeeded",
		zap.String("key", key),
		zap.Duration("elapsed", time.Since(start)))

	return info, nil
}

func (r *Resolver) classify(key string, err error) error {
	var exErr *core.ExtractionError
	if errors.As(err, &exErr) {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	kind := core.FailureUnknown
	if errors.Is(err, context.DeadlineExceeded) {
		kind = core.FailureTimeout
	}

	return &core.ExtractionError{Key: key, Kind: kind, Err: err}
}
