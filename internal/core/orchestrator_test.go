package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"novastream/internal/cache"
	"novastream/internal/lockreg"
)

// scriptedExtractor counts extraction attempts and answers from a settable
// function, standing in for the resolver.
type scriptedExtractor struct {
	calls   atomic.Int64
	mutex   sync.Mutex
	extract func(ctx context.Context, key string) (*StreamInfo, error)
}

func (s *scriptedExtractor) Extract(ctx context.Context, key string) (*StreamInfo, error) {
	s.calls.Add(1)
	s.mutex.Lock()
	fn := s.extract
	s.mutex.Unlock()
	return fn(ctx, key)
}

func (s *scriptedExtractor) set(fn func(ctx context.Context, key string) (*StreamInfo, error)) {
	s.mutex.Lock()
	s.extract = fn
	s.mutex.Unlock()
}

func succeedWith(url string) func(ctx context.Context, key string) (*StreamInfo, error) {
	return func(_ context.Context, key string) (*StreamInfo, error) {
		return &StreamInfo{Key: key, URL: url}, nil
	}
}

func failWith(kind FailureKind) func(ctx context.Context, key string) (*StreamInfo, error) {
	return func(_ context.Context, key string) (*StreamInfo, error) {
		return nil, &ExtractionError{Key: key, Kind: kind}
	}
}

type testEngine struct {
	orchestrator *Orchestrator
	extractor    *scriptedExtractor
	locks        *lockreg.Registry
}

func newTestEngine(t *testing.T, mutate func(*Config)) *testEngine {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Cache.SuccessTTL = 80 * time.Millisecond
	cfg.Cache.FailureTTL = 50 * time.Millisecond
	cfg.Locks.AcquireTimeout = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	success, err := cache.New[*StreamInfo](cfg.Cache.SuccessSize, 0)
	if err != nil {
		t.Fatalf("failed to create success cache: %v", err)
	}
	t.Cleanup(success.Stop)

	failures, err := cache.New[FailureKind](cfg.Cache.FailureSize, 0)
	if err != nil {
		t.Fatalf("failed to create failure cache: %v", err)
	}
	t.Cleanup(failures.Stop)

	locks := lockreg.New(cfg.Locks.MaxHoldDuration, cfg.Locks.SweepInterval, zap.NewNop())
	t.Cleanup(locks.Stop)

	extractor := &scriptedExtractor{}
	extractor.set(succeedWith("https://cdn.example/stream"))

	return &testEngine{
		orchestrator: NewOrchestrator(cfg, success, failures, locks, extractor, zap.NewNop()),
		extractor:    extractor,
		locks:        locks,
	}
}

func TestOrchestrator_Resolve_CoalescesConcurrentRequests(t *testing.T) {
	e := newTestEngine(t, nil)
	e.extractor.set(func(_ context.Context, key string) (*StreamInfo, error) {
		time.Sleep(200 * time.Millisecond)
		return &StreamInfo{Key: key, URL: "https://cdn.example/vid123"}, nil
	})

	const callers = 10
	var wg sync.WaitGroup
	urls := make([]string, callers)
	errs := make([]error, callers)

	start := time.Now()
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := e.orchestrator.Resolve(context.Background(), "vid123")
			if err == nil {
				urls[i] = info.URL
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if urls[i] != "https://cdn.example/vid123" {
			t.Errorf("caller %d got URL %q", i, urls[i])
		}
	}

	if got := e.extractor.calls.Load(); got != 1 {
		t.Errorf("extractor called %d times for concurrent callers, expected 1", got)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("callers took %v, expected them to share one ~200ms extraction", elapsed)
	}
	if inFlight := e.orchestrator.Stats().InFlight; inFlight != 0 {
		t.Errorf("Stats().InFlight = %d after all callers returned, expected 0", inFlight)
	}
}

func TestOrchestrator_Resolve_SuccessCachedUntilTTLExpires(t *testing.T) {
	e := newTestEngine(t, nil)

	if _, err := e.orchestrator.Resolve(context.Background(), "k"); err != nil {
		t.Fatalf("first Resolve() failed: %v", err)
	}
	if _, err := e.orchestrator.Resolve(context.Background(), "k"); err != nil {
		t.Fatalf("second Resolve() failed: %v", err)
	}

	if got := e.extractor.calls.Load(); got != 1 {
		t.Fatalf("extractor called %d times inside the TTL window, expected 1", got)
	}

	time.Sleep(100 * time.Millisecond) // past the 80ms success TTL

	if _, err := e.orchestrator.Resolve(context.Background(), "k"); err != nil {
		t.Fatalf("Resolve() after expiry failed: %v", err)
	}
	if got := e.extractor.calls.Load(); got != 2 {
		t.Errorf("extractor called %d times after TTL expiry, expected 2", got)
	}
}

func TestOrchestrator_Resolve_UpstreamExpiryBoundsTTL(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) {
		cfg.Cache.SuccessTTL = time.Hour
	})

	ttl := e.orchestrator.successTTL(&StreamInfo{ExpiresAt: time.Now().Add(10 * time.Minute)})
	if ttl > 10*time.Minute || ttl < 9*time.Minute {
		t.Errorf("successTTL = %v, expected ~10m from upstream expiry", ttl)
	}

	// A nearly exhausted upstream expiry is floored, not discarded
	ttl = e.orchestrator.successTTL(&StreamInfo{ExpiresAt: time.Now().Add(time.Second)})
	if ttl != minSuccessTTL {
		t.Errorf("successTTL = %v, expected the %v floor", ttl, minSuccessTTL)
	}

	// No upstream expiry: configured ceiling applies untouched
	ttl = e.orchestrator.successTTL(&StreamInfo{})
	if ttl != time.Hour {
		t.Errorf("successTTL = %v, expected 1h config value", ttl)
	}
}

func TestOrchestrator_Resolve_FailureSuppression(t *testing.T) {
	e := newTestEngine(t, nil)
	e.extractor.set(failWith(FailureNotFound))

	_, err := e.orchestrator.Resolve(context.Background(), "bad")
	if err == nil {
		t.Fatal("Resolve() should fail")
	}

	_, err = e.orchestrator.Resolve(context.Background(), "bad")
	var exErr *ExtractionError
	if !errors.As(err, &exErr) {
		t.Fatalf("second Resolve() = %v, expected *ExtractionError", err)
	}
	if !exErr.Cached {
		t.Error("second failure should be served from the failure cache")
	}
	if exErr.Kind != FailureNotFound {
		t.Errorf("cached Kind = %v, expected FailureNotFound", exErr.Kind)
	}
	if got := e.extractor.calls.Load(); got != 1 {
		t.Fatalf("extractor called %d times inside the failure TTL, expected 1", got)
	}

	time.Sleep(70 * time.Millisecond) // past the 50ms failure TTL

	if _, err := e.orchestrator.Resolve(context.Background(), "bad"); err == nil {
		t.Fatal("Resolve() should fail again after failure TTL expiry")
	}
	if got := e.extractor.calls.Load(); got != 2 {
		t.Errorf("extractor called %d times after failure TTL expiry, expected 2", got)
	}
}

func TestOrchestrator_Resolve_RateLimitedFailuresBackOffLonger(t *testing.T) {
	e := newTestEngine(t, nil)
	e.extractor.set(failWith(FailureRateLimited))

	if _, err := e.orchestrator.Resolve(context.Background(), "hot"); err == nil {
		t.Fatal("Resolve() should fail")
	}

	// Past the base 50ms TTL but inside the doubled rate-limit TTL
	time.Sleep(70 * time.Millisecond)

	if _, err := e.orchestrator.Resolve(context.Background(), "hot"); err == nil {
		t.Fatal("Resolve() should still serve the cached failure")
	}
	if got := e.extractor.calls.Load(); got != 1 {
		t.Errorf("extractor called %d times inside the extended TTL, expected 1", got)
	}

	time.Sleep(60 * time.Millisecond) // now past 2×50ms

	if _, err := e.orchestrator.Resolve(context.Background(), "hot"); err == nil {
		t.Fatal("Resolve() should re-extract after the extended TTL")
	}
	if got := e.extractor.calls.Load(); got != 2 {
		t.Errorf("extractor called %d times after extended TTL, expected 2", got)
	}
}

func TestOrchestrator_Resolve_LockTimeoutSurfaced(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) {
		cfg.Locks.AcquireTimeout = 50 * time.Millisecond
	})

	release := make(chan struct{})
	e.extractor.set(func(_ context.Context, key string) (*StreamInfo, error) {
		<-release
		return &StreamInfo{Key: key, URL: "u"}, nil
	})
	defer close(release)

	go func() {
		_, _ = e.orchestrator.Resolve(context.Background(), "k")
	}()

	// Let the first caller take the lock and block in extraction
	deadline := time.Now().Add(time.Second)
	for !e.orchestrator.InFlight("k") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	_, err := e.orchestrator.Resolve(context.Background(), "k")
	if !errors.Is(err, lockreg.ErrAcquireTimeout) {
		t.Fatalf("Resolve() = %v, expected lock acquire timeout", err)
	}
}

func TestOrchestrator_Resolve_CanceledCallerDoesNotPoisonCache(t *testing.T) {
	e := newTestEngine(t, nil)
	e.extractor.set(func(ctx context.Context, _ string) (*StreamInfo, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := e.orchestrator.Resolve(ctx, "k")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Resolve() = %v, expected context.Canceled", err)
	}

	if stats := e.orchestrator.Stats(); stats.FailureCacheSize != 0 {
		t.Errorf("FailureCacheSize = %d after caller cancellation, expected 0", stats.FailureCacheSize)
	}

	// The key resolves normally for the next caller
	e.extractor.set(succeedWith("https://cdn.example/ok"))
	if _, err := e.orchestrator.Resolve(context.Background(), "k"); err != nil {
		t.Fatalf("Resolve() after cancellation failed: %v", err)
	}
}

func TestOrchestrator_Resolve_ProceedsAfterLockSweep(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) {
		cfg.Locks.MaxHoldDuration = 40 * time.Millisecond
		cfg.Locks.SweepInterval = 15 * time.Millisecond
		cfg.Locks.AcquireTimeout = 2 * time.Second
	})

	// Simulated holder that never releases
	if _, err := e.locks.Acquire(context.Background(), "stuck", time.Second); err != nil {
		t.Fatalf("simulated holder Acquire() failed: %v", err)
	}

	info, err := e.orchestrator.Resolve(context.Background(), "stuck")
	if err != nil {
		t.Fatalf("Resolve() = %v, expected the sweep to unblock it", err)
	}
	if info.URL == "" {
		t.Error("Resolve() returned empty URL")
	}
}

func TestOrchestrator_Resolve_KeyNeverInBothCaches(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) {
		cfg.Cache.SuccessTTL = 40 * time.Millisecond
		cfg.Cache.FailureTTL = 50 * time.Millisecond
	})

	if _, err := e.orchestrator.Resolve(context.Background(), "k"); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if stats := e.orchestrator.Stats(); stats.SuccessCacheSize != 1 || stats.FailureCacheSize != 0 {
		t.Fatalf("after success: caches = %d/%d, expected 1/0",
			stats.SuccessCacheSize, stats.FailureCacheSize)
	}

	// The key flips to a failure once its success entry expires
	time.Sleep(60 * time.Millisecond)
	e.extractor.set(failWith(FailureNotFound))
	if _, err := e.orchestrator.Resolve(context.Background(), "k"); err == nil {
		t.Fatal("Resolve() should fail")
	}
	if stats := e.orchestrator.Stats(); stats.SuccessCacheSize != 0 || stats.FailureCacheSize != 1 {
		t.Errorf("after failure: caches = %d/%d, expected 0/1",
			stats.SuccessCacheSize, stats.FailureCacheSize)
	}

	// And back to a success once the failure entry expires
	time.Sleep(70 * time.Millisecond)
	e.extractor.set(succeedWith("https://cdn.example/again"))
	if _, err := e.orchestrator.Resolve(context.Background(), "k"); err != nil {
		t.Fatalf("Resolve() after failure TTL failed: %v", err)
	}
	if stats := e.orchestrator.Stats(); stats.SuccessCacheSize != 1 || stats.FailureCacheSize != 0 {
		t.Errorf("after re-success: caches = %d/%d, expected 1/0",
			stats.SuccessCacheSize, stats.FailureCacheSize)
	}
}

func TestOrchestrator_Stats(t *testing.T) {
	e := newTestEngine(t, nil)

	if _, err := e.orchestrator.Resolve(context.Background(), "k"); err != nil { // miss
		t.Fatalf("Resolve() failed: %v", err)
	}
	if _, err := e.orchestrator.Resolve(context.Background(), "k"); err != nil { // hit
		t.Fatalf("Resolve() failed: %v", err)
	}

	stats := e.orchestrator.Stats()
	if stats.SuccessCacheSize != 1 {
		t.Errorf("SuccessCacheSize = %d, expected 1", stats.SuccessCacheSize)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("HitRate = %v, expected 0.5", stats.HitRate)
	}
	if stats.InFlight != 0 {
		t.Errorf("InFlight = %d, expected 0", stats.InFlight)
	}
}

func TestOrchestrator_CachedAndInFlight(t *testing.T) {
	e := newTestEngine(t, nil)

	if e.orchestrator.Cached("k") {
		t.Error("Cached(k) should be false before any resolution")
	}

	if _, err := e.orchestrator.Resolve(context.Background(), "k"); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if !e.orchestrator.Cached("k") {
		t.Error("Cached(k) should be true after a successful resolution")
	}

	e.extractor.set(failWith(FailureNotFound))
	_, _ = e.orchestrator.Resolve(context.Background(), "bad")
	if !e.orchestrator.Cached("bad") {
		t.Error("Cached(bad) should be true for a cached failure")
	}
}
