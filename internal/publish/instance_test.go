package publish

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaycdc/relaycdc/internal/publish/sink"
)

// blockingSink blocks Publish until release is closed, letting a test
// fill the instance's queue before the worker can drain it.
type blockingSink struct {
	mu       sync.Mutex
	release  chan struct{}
	received [][]byte
}

func (s *blockingSink) Name() string            { return "blocking" }
func (s *blockingSink) Version() string         { return "1.0.0" }
func (s *blockingSink) APIVersion() int         { return sink.APIVersion }
func (s *blockingSink) Init(sink.Services) error { return nil }
func (s *blockingSink) Start() error             { return nil }
func (s *blockingSink) Stop() error              { return nil }
func (s *blockingSink) Cleanup() error            { return nil }

func (s *blockingSink) Publish(event []byte) error {
	<-s.release
	s.mu.Lock()
	s.received = append(s.received, event)
	s.mu.Unlock()
	return nil
}

// TestEnqueueDropsOnFullQueue exercises the capacity-2/one-dropped
// scenario (spec §8c): a bounded queue of depth 2 whose worker is
// stalled on its first Publish call holds that record outside the
// queue, so two more enqueues fill the queue and the fourth enqueue is
// dropped rather than blocking the caller.
func TestEnqueueDropsOnFullQueue(t *testing.T) {
	impl := &blockingSink{release: make(chan struct{})}
	inst := newInstance("test", impl, 2, nil, nil)

	require.NoError(t, inst.start())
	defer close(impl.release)

	// Give the worker a moment to pop the first event and block in
	// Publish, so the queue genuinely starts empty from the caller's
	// perspective.
	inst.enqueue([]byte("a"))
	time.Sleep(20 * time.Millisecond)

	inst.enqueue([]byte("b"))
	inst.enqueue([]byte("c"))
	inst.enqueue([]byte("d")) // queue (depth 2) is full now: dropped

	counters := inst.counters()
	require.Equal(t, uint64(1), counters.Dropped)
}

func TestMatchesEmptyFilterAdmitsEverything(t *testing.T) {
	inst := newInstance("test", &blockingSink{release: make(chan struct{})}, 1, nil, nil)
	require.True(t, inst.matches("anything"))
}

func TestMatchesNonEmptyFilter(t *testing.T) {
	inst := newInstance("test", &blockingSink{release: make(chan struct{})}, 1, []string{"app"}, nil)
	require.True(t, inst.matches("app"))
	require.False(t, inst.matches("other"))
}
