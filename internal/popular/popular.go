// Package popular persists per-key resolution demand so the prefetch queue can
// be warmed with the most-requested keys after a restart.
package popular

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS track_requests (
	key        TEXT PRIMARY KEY,
	count      INTEGER NOT NULL DEFAULT 0,
	last_seen  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_track_requests_count ON track_requests(count DESC);
`

// Store buffers request counts in memory and flushes them to sqlite. Record is
// cheap enough to sit on the resolve hot path.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	buffer map[string]int
	mutex  sync.Mutex
}

func NewStore(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open popularity db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init popularity schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger,
		buffer: make(map[string]int),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record notes one resolution request for key.
func (s *Store) Record(key string) {
	if key == "" {
		return
	}

	s.mutex.Lock()
	s.buffer[key]++
	s.mutex.Unlock()
}

// Flush writes the buffered counts to sqlite. Counts are re-buffered on error
// so a transient write failure loses nothing.
func (s *Store) Flush(ctx context.Context) error {
	s.mutex.Lock()
	if len(s.buffer) == 0 {
		s.mutex.Unlock()
		return nil
	}
	batch := s.buffer
	s.buffer = make(map[string]int)
	s.mutex.Unlock()

	err := s.writeBatch(ctx, batch)
	if err != nil {
		s.mutex.Lock()
		for key, n := range batch {
			s.buffer[key] += n
		}
		s.mutex.Unlock()
	}
	return err
}

func (s *Store) writeBatch(ctx context.Context, batch map[string]int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin popularity flush: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO track_requests (key, count, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			count = count + excluded.count,
			last_seen = excluded.last_seen`)
	if err != nil {
		return fmt.Errorf("prepare popularity upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for key, n := range batch {
		if _, err := stmt.ExecContext(ctx, key, n, now); err != nil {
			return fmt.Errorf("upsert popularity for %q: %w", key, err)
		}
	}

	return tx.Commit()
}

// Top returns the n most-requested keys, most popular first.
func (s *Store) Top(ctx context.Context, n int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM track_requests ORDER BY count DESC, last_seen DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query top keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// Run flushes on a fixed interval until ctx is canceled, then flushes once
// more so shutdown loses nothing.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("Popularity flush failed", zap.Error(err))
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Flush(flushCtx); err != nil {
				s.logger.Warn("Final popularity flush failed", zap.Error(err))
			}
			return nil
		}
	}
}
