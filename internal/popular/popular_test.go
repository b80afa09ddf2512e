package popular

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewStore(filepath.Join(t.TempDir(), "popular.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RecordFlushTop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Record("hot")
	}
	s.Record("warm")
	s.Record("warm")
	s.Record("cold")
	s.Record("") // ignored

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	keys, err := s.Top(ctx, 10)
	if err != nil {
		t.Fatalf("Top() failed: %v", err)
	}

	want := []string{"hot", "warm", "cold"}
	if len(keys) != len(want) {
		t.Fatalf("Top() = %v, expected %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Top() = %v, expected %v", keys, want)
		}
	}
}

func TestStore_Top_Limit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Record("a")
	s.Record("b")
	s.Record("c")
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	keys, err := s.Top(ctx, 2)
	if err != nil {
		t.Fatalf("Top() failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Top(2) returned %d keys", len(keys))
	}
}

func TestStore_Flush_AccumulatesAcrossFlushes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Record("k")
	s.Record("k")
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("first Flush() failed: %v", err)
	}

	s.Record("k")
	s.Record("other")
	s.Record("other")
	s.Record("other")
	s.Record("other")
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("second Flush() failed: %v", err)
	}

	// other has 4 total requests, k has 3
	keys, err := s.Top(ctx, 10)
	if err != nil {
		t.Fatalf("Top() failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "other" || keys[1] != "k" {
		t.Errorf("Top() = %v, expected counts to accumulate across flushes", keys)
	}
}

func TestStore_Flush_EmptyBufferIsNoop(t *testing.T) {
	s := newTestStore(t)

	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() on empty buffer failed: %v", err)
	}
}

func TestStore_Top_EmptyDatabase(t *testing.T) {
	s := newTestStore(t)

	keys, err := s.Top(context.Background(), 10)
	if err != nil {
		t.Fatalf("Top() failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Top() = %v on an empty store", keys)
	}
}

func TestStore_Run_FlushesOnShutdown(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, time.Hour) }()

	s.Record("shutdown-key")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}

	keys, err := s.Top(context.Background(), 10)
	if err != nil {
		t.Fatalf("Top() failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "shutdown-key" {
		t.Errorf("Top() = %v, expected the final flush to persist the buffer", keys)
	}
}

func TestStore_Run_FlushesOnInterval(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 20*time.Millisecond) }()

	s.Record("periodic-key")

	deadline := time.Now().Add(2 * time.Second)
	for {
		keys, err := s.Top(context.Background(), 1)
		if err != nil {
			t.Fatalf("Top() failed: %v", err)
		}
		if len(keys) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("interval flush never persisted the buffer")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v", err)
	}
}
