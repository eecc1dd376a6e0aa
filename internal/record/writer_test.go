package record

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type testStore struct {
	mu    sync.Mutex
	count int
}

func (s *testStore) WriteExchange(_ context.Context, _ *Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return nil
}

func (s *testStore) WriteBatch(_ context.Context, exchanges []*Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count += len(exchanges)
	return nil
}

func (s *testStore) GetExchange(_ context.Context, _ string) (*Exchange, error) {
	return nil, ErrNotFound
}

func (s *testStore) QueryExchanges(_ context.Context, _ Filter) (*Result, error) {
	return &Result{}, nil
}

func (s *testStore) Stats(_ context.Context, _ Filter) (*Stats, error) {
	return &Stats{}, nil
}

func (s *testStore) Close() error { return nil }

func (s *testStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

type failingBatchStore struct {
	testStore
	failItems map[int]bool
	writes    int
}

func (s *failingBatchStore) WriteBatch(_ context.Context, _ []*Exchange) error {
	return errors.New("batch write refused")
}

func (s *failingBatchStore) WriteExchange(_ context.Context, _ *Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failItems[s.writes] {
		return errors.New("sqlite_busy: database is locked")
	}
	s.count++
	return nil
}

func TestWriterPersistsEnqueuedExchanges(t *testing.T) {
	t.Parallel()

	store := &testStore{}
	writer := NewWriter(store, 16, 4)
	writer.Start(context.Background())

	for i := 0; i < 10; i++ {
		if !writer.Enqueue(&Exchange{ID: "ex", Model: "gpt-4o"}) {
			t.Fatalf("Enqueue() rejected exchange %d", i)
		}
	}

	if err := writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if got := store.Count(); got != 10 {
		t.Fatalf("persisted %d exchanges, want 10", got)
	}
}

func TestWriterDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	store := &testStore{}
	// Never started, so the queue fills and stays full.
	writer := NewWriter(store, 2, 2)

	if !writer.Enqueue(&Exchange{ID: "a"}) || !writer.Enqueue(&Exchange{ID: "b"}) {
		t.Fatal("first two Enqueue() calls should succeed")
	}
	if writer.Enqueue(&Exchange{ID: "c"}) {
		t.Fatal("Enqueue() on a full queue should report a drop")
	}

	diagnostics := writer.PipelineDiagnostics()
	if diagnostics.EnqueueDroppedTotal != 1 {
		t.Fatalf("EnqueueDroppedTotal=%d, want 1", diagnostics.EnqueueDroppedTotal)
	}
	if diagnostics.QueuePressureState != QueuePressureSaturated {
		t.Fatalf("QueuePressureState=%q, want %q", diagnostics.QueuePressureState, QueuePressureSaturated)
	}
	if diagnostics.LastEnqueueDropAt == nil {
		t.Fatal("LastEnqueueDropAt should be recorded after a drop")
	}
}

func TestWriterRejectsEnqueueAfterShutdown(t *testing.T) {
	t.Parallel()

	store := &testStore{}
	writer := NewWriter(store, 4, 2)
	writer.Start(context.Background())
	if err := writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	if writer.Enqueue(&Exchange{ID: "late"}) {
		t.Fatal("Enqueue() after Shutdown() should be rejected")
	}
}

func TestWriterBatchFailureFallsBackPerItem(t *testing.T) {
	t.Parallel()

	store := &failingBatchStore{failItems: map[int]bool{2: true}}
	writer := NewWriter(store, 16, 8)

	var failures []WriteFailure
	var failureMu sync.Mutex
	writer.SetWriteFailureHandler(func(failure WriteFailure) {
		failureMu.Lock()
		defer failureMu.Unlock()
		failures = append(failures, failure)
	})

	for i := 0; i < 3; i++ {
		writer.Enqueue(&Exchange{ID: "ex"})
	}
	writer.Start(context.Background())
	if err := writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	if got := store.Count(); got != 2 {
		t.Fatalf("persisted %d exchanges via fallback, want 2", got)
	}

	failureMu.Lock()
	defer failureMu.Unlock()
	if len(failures) != 1 {
		t.Fatalf("got %d failure reports, want 1", len(failures))
	}
	if failures[0].Operation != "write_batch_fallback" {
		t.Fatalf("failure operation=%q, want write_batch_fallback", failures[0].Operation)
	}
	if failures[0].FailedCount != 1 {
		t.Fatalf("failure FailedCount=%d, want 1", failures[0].FailedCount)
	}
	if failures[0].ErrorClass != WriteErrorClassContention {
		t.Fatalf("failure ErrorClass=%q, want %q", failures[0].ErrorClass, WriteErrorClassContention)
	}
}

func TestWriterMetricsCallbacks(t *testing.T) {
	t.Parallel()

	store := &testStore{}
	writer := NewWriter(store, 1, 1)

	var enqueues, drops, flushes int
	var metricsMu sync.Mutex
	writer.SetMetrics(&WriterMetrics{
		OnEnqueue: func() {
			metricsMu.Lock()
			enqueues++
			metricsMu.Unlock()
		},
		OnDrop: func() {
			metricsMu.Lock()
			drops++
			metricsMu.Unlock()
		},
		OnFlush: func(_ int, _ time.Duration) {
			metricsMu.Lock()
			flushes++
			metricsMu.Unlock()
		},
	})

	writer.Enqueue(&Exchange{ID: "a"})
	writer.Enqueue(&Exchange{ID: "b"}) // queue capacity 1: dropped
	writer.Start(context.Background())
	if err := writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	metricsMu.Lock()
	defer metricsMu.Unlock()
	if enqueues != 1 {
		t.Fatalf("OnEnqueue fired %d times, want 1", enqueues)
	}
	if drops != 1 {
		t.Fatalf("OnDrop fired %d times, want 1", drops)
	}
	if flushes == 0 {
		t.Fatal("OnFlush should fire at least once")
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	t.Parallel()

	writer := NewWriter(&testStore{}, 4, 2)
	if err := writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() before Start() error: %v", err)
	}
}
