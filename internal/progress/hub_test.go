package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]Event(nil), batch...)
	s.batches = append(s.batches, cp)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	copy(out, s.batches)
	return out
}

func sampleEvent(stage Stage) Event {
	return Event{
		JobID: "job-1",
		TS:    time.Now().UTC(),
		Stage: stage,
		URL:   "https://example.com",
		Batch: 1,
	}
}

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		FlushInterval:  time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageJobStart))
	hub.Emit(sampleEvent(StageItemDone))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubFlushByInterval verifies the periodic flush kicks in for small batches.
func TestHubFlushByInterval(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		FlushInterval:  20 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageJobStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubDropsInvalidEvents asserts malformed events never reach sinks.
func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{FlushInterval: 10 * time.Millisecond}, sink)

	hub.Emit(Event{Stage: StageJobStart}) // missing job id and timestamp
	hub.Emit(sampleEvent("BOGUS"))

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

// TestHubCloseFlushesBufferedEvents verifies Close drains pending events and
// closes sinks exactly once.
func TestHubCloseFlushesBufferedEvents(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{
		BufferSize:     64,
		MaxBatchEvents: 100,
		FlushInterval:  time.Minute,
	}, sink)

	for range 5 {
		hub.Emit(sampleEvent(StageItemDone))
	}
	require.NoError(t, hub.Close(context.Background()))

	total := 0
	for _, b := range sink.Batches() {
		total += len(b)
	}
	require.Equal(t, 5, total)
	require.True(t, sink.closed)
}

// TestHubEmitAfterCloseIsNoop ensures a closed hub silently ignores events.
func TestHubEmitAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{FlushInterval: 10 * time.Millisecond}, sink)
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(sampleEvent(StageJobDone))
	require.Empty(t, sink.Batches())
}

// TestStageTerminal covers the terminal stage partition.
func TestStageTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, StageJobDone.Terminal())
	require.True(t, StageJobError.Terminal())
	require.True(t, StageJobCancelled.Terminal())
	require.False(t, StageItemDone.Terminal())
	require.False(t, StageJobStart.Terminal())
}
