package core

import (
	"context"
	"time"
)

// StreamInfo is a successfully resolved stream for a track key. ExpiresAt is
// the upstream expiry embedded in the stream URL; the zero value means the
// upstream did not declare one.
type StreamInfo struct {
	Key       string
	URL       string
	Title     string
	Thumbnail string
	Duration  time.Duration
	ExpiresAt time.Time
}

type Track struct {
	ID        string
	Title     string
	Artist    string
	Album     string
	Thumbnail string
	Duration  time.Duration
}

type Playlist struct {
	ID          string
	Title       string
	Description string
	Thumbnail   string
	Tracks      []Track
}

type Priority int

const (
	// PriorityLow is for speculative warming (trending, playlist browses)
	PriorityLow Priority = iota
	// PriorityMedium is for search results the user may pick from
	PriorityMedium
	// PriorityHigh is for playback-adjacent keys (recommendations, up-next)
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Stats is a point-in-time snapshot of the resolution engine.
type Stats struct {
	SuccessCacheSize int     `json:"success_cache_size"`
	FailureCacheSize int     `json:"failure_cache_size"`
	InFlight         int     `json:"in_flight"`
	QueueDepth       int     `json:"queue_depth"`
	HitRate          float64 `json:"hit_rate"`
}

// Extractor performs a single extraction attempt for a track key. The
// orchestrator never calls an extractor directly; it goes through the
// resolver, which adds the timeout, rate limiting and failure classification.
type Extractor interface {
	Extract(ctx context.Context, key string) (*StreamInfo, error)
}

// Catalog looks up track metadata from the upstream music service. Its results
// carry the keys that discovery endpoints hand to the prefetch scheduler.
type Catalog interface {
	Search(ctx context.Context, query string, limit int) ([]Track, error)
	Trending(ctx context.Context, limit int) ([]Track, error)
	Recommended(ctx context.Context, key string, limit int) ([]Track, error)
	Featured(ctx context.Context, limit int) ([]Playlist, error)
	Playlist(ctx context.Context, playlistID string, limit int) (*Playlist, error)
}

// QueueStats reports the prefetch scheduler's pending task count.
type QueueStats interface {
	Depth() int
}
