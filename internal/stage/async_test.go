package stage

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncPool_RunsTasks(t *testing.T) {
	p := NewAsyncPool(4)
	defer p.Stop()

	var done atomic.Int64
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			done.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int64(100), done.Load())
}

func TestAsyncPool_PanicDoesNotKillWorker(t *testing.T) {
	p := NewAsyncPool(1)
	defer p.Stop()

	require.NoError(t, p.Submit(func() { panic("task blew up") }))

	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after task panic")
	}
}

func TestAsyncPool_StopDrainsQueued(t *testing.T) {
	p := NewAsyncPool(1)

	var done atomic.Int64
	hold := make(chan struct{})
	require.NoError(t, p.Submit(func() { <-hold; done.Add(1) }))
	for range 3 {
		require.NoError(t, p.Submit(func() { done.Add(1) }))
	}

	close(hold)
	p.Stop()
	assert.Equal(t, int64(4), done.Load(), "Stop must finish queued tasks")
}

func TestAsyncPool_SubmitAfterStop(t *testing.T) {
	p := NewAsyncPool(1)
	p.Stop()
	assert.Error(t, p.Submit(func() {}))
}
