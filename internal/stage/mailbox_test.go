package stage

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectMailbox builds a mailbox whose process appends into a
// mutex-guarded slice, mimicking a stage handler.
func collectMailbox(drainBatch int) (*mailbox, func() []int) {
	var mu sync.Mutex
	var got []int
	m := newMailbox(func(e entry) {
		mu.Lock()
		got = append(got, e.(testEntry).n)
		mu.Unlock()
	}, drainBatch)
	snapshot := func() []int {
		mu.Lock()
		defer mu.Unlock()
		return append([]int(nil), got...)
	}
	return m, snapshot
}

type testEntry struct{ n int }

func (testEntry) kind() string { return "test" }

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached within", timeout)
}

func TestMailbox_FIFO(t *testing.T) {
	m, snapshot := collectMailbox(0)

	const n = 1000
	for i := range n {
		require.NoError(t, m.Post(testEntry{n: i}))
	}

	waitUntil(t, 2*time.Second, func() bool { return len(snapshot()) == n })

	got := snapshot()
	for i, v := range got {
		require.Equal(t, i, v, "entries must arrive in post order")
	}
}

func TestMailbox_ConcurrentProducers(t *testing.T) {
	var processed atomic.Int64
	m := newMailbox(func(entry) { processed.Add(1) }, 0)

	const producers = 16
	const perProducer = 500

	var wg sync.WaitGroup
	for range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				_ = m.Post(testEntry{n: i})
			}
		}()
	}
	wg.Wait()

	waitUntil(t, 5*time.Second, func() bool {
		return processed.Load() == producers*perProducer
	})
	assert.Equal(t, 0, m.Len())

	// Once drained, the worker must have parked.
	waitUntil(t, time.Second, func() bool { return !m.running.Load() })
}

func TestMailbox_SingleConsumer(t *testing.T) {
	// No two process calls may overlap, whatever the producer pressure.
	var inFlight atomic.Int32
	var overlapped atomic.Bool
	var processed atomic.Int64

	m := newMailbox(func(entry) {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(10 * time.Microsecond)
		inFlight.Add(-1)
		processed.Add(1)
	}, 8) // small batch forces worker handoffs mid-stream

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				_ = m.Post(testEntry{n: i})
			}
		}()
	}
	wg.Wait()

	waitUntil(t, 10*time.Second, func() bool { return processed.Load() == 8*200 })
	assert.False(t, overlapped.Load(), "mailbox ran two handlers concurrently")
}

func TestMailbox_WorkerParksWhenIdle(t *testing.T) {
	m, snapshot := collectMailbox(0)

	require.NoError(t, m.Post(testEntry{n: 1}))
	waitUntil(t, time.Second, func() bool { return len(snapshot()) == 1 })
	waitUntil(t, time.Second, func() bool { return !m.running.Load() })

	// A post after the worker parked must spawn a fresh one.
	require.NoError(t, m.Post(testEntry{n: 2}))
	waitUntil(t, time.Second, func() bool { return len(snapshot()) == 2 })
}

func TestMailbox_SpawnCount(t *testing.T) {
	// With an idle mailbox, one post spawns exactly one worker.
	var spawns atomic.Int32
	m := newMailbox(func(entry) {}, 0)
	inner := m.spawn
	m.spawn = func(fn func()) {
		spawns.Add(1)
		inner(fn)
	}

	require.NoError(t, m.Post(testEntry{n: 1}))
	waitUntil(t, time.Second, func() bool { return m.Len() == 0 && !m.running.Load() })
	assert.Equal(t, int32(1), spawns.Load())
}

func TestMailbox_DrainBatchYields(t *testing.T) {
	// A backlog longer than drainBatch is handed to a fresh worker
	// goroutine instead of being drained in one pass.
	var spawns atomic.Int32
	block := make(chan struct{})
	var processed atomic.Int64

	m := newMailbox(func(entry) {
		if processed.Add(1) == 1 {
			<-block // hold the first worker so a backlog builds
		}
	}, 4)
	inner := m.spawn
	m.spawn = func(fn func()) {
		spawns.Add(1)
		inner(fn)
	}

	for i := range 20 {
		require.NoError(t, m.Post(testEntry{n: i}))
	}
	close(block)

	waitUntil(t, 2*time.Second, func() bool { return processed.Load() == 20 })
	assert.Greater(t, spawns.Load(), int32(1), "expected at least one batch handoff")
}

func TestMailbox_CloseEnqueueRejects(t *testing.T) {
	m, _ := collectMailbox(0)
	m.CloseEnqueue()
	assert.ErrorIs(t, m.Post(testEntry{n: 1}), ErrMailboxClosed)
}

func TestMailbox_DrainWaitsForMidPushProducer(t *testing.T) {
	m, snapshot := collectMailbox(0)
	m.spawn = func(func()) {} // the test owns the consumer side

	require.NoError(t, m.Post(testEntry{n: 1}))

	// Emulate a producer parked between the tail swap and the link store:
	// the entry is counted but not yet reachable from the head.
	n := &node{entry: testEntry{n: 2}}
	m.length.Add(1)
	prev := m.tail.Swap(n)

	m.CloseEnqueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		prev.next.Store(n)
	}()

	m.drain(m.process)

	assert.Equal(t, []int{1, 2}, snapshot(), "drain must wait for the in-flight push")
	assert.Equal(t, 0, m.Len())
}
