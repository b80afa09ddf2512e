package core

import (
	"time"
)

type Config struct {
	Cache     CacheConfig
	Locks     LockConfig
	Extractor ExtractorConfig
	Prefetch  PrefetchConfig
	Popular   PopularConfig
	Server    ServerConfig
	Log       LogConfig
}

// CacheConfig sizes the two result caches. Failures live in a smaller cache
// with a much shorter TTL so bad keys are retried sooner than good keys are
// re-extracted.
type CacheConfig struct {
	SuccessSize   int
	SuccessTTL    time.Duration
	FailureSize   int
	FailureTTL    time.Duration
	SweepInterval time.Duration
}

type LockConfig struct {
	AcquireTimeout  time.Duration
	MaxHoldDuration time.Duration
	SweepInterval   time.Duration
}

type ExtractorConfig struct {
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int
}

type PrefetchConfig struct {
	Workers    int
	QueueDepth int
}

type PopularConfig struct {
	Path          string
	FlushInterval time.Duration
	WarmCount     int
}

type ServerConfig struct {
	Host          string
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ResolvePerMin int
}

type LogConfig struct {
	Level  string
	Format string
}

func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			SuccessSize:   4096,
			SuccessTTL:    2 * time.Hour,
			FailureSize:   512,
			FailureTTL:    5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Locks: LockConfig{
			AcquireTimeout:  10 * time.Second,
			MaxHoldDuration: 16 * time.Second,
			SweepInterval:   30 * time.Second,
		},
		Extractor: ExtractorConfig{
			BaseURL:        "https://music.youtube.com",
			Timeout:        8 * time.Second,
			RequestsPerSec: 4,
			Burst:          8,
		},
		Prefetch: PrefetchConfig{
			Workers:    8,
			QueueDepth: 256,
		},
		Popular: PopularConfig{
			Path:          "./novastream.db",
			FlushInterval: time.Minute,
			WarmCount:     50,
		},
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  30 * time.Second,
			ResolvePerMin: 120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
