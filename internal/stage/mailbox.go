package stage

import (
	"errors"
	"runtime"
	"sync/atomic"
)

// ErrMailboxClosed is returned by Post after the stage rejected further
// enqueues.
var ErrMailboxClosed = errors.New("mailbox closed")

// DefaultDrainBatch bounds how many entries one worker pass may process
// before yielding back to the scheduler, so a hot stage cannot starve
// others.
const DefaultDrainBatch = 256

// node is an intrusive link of the MPSC list.
type node struct {
	next  atomic.Pointer[node]
	entry entry
}

// mailbox is a lock-free multi-producer single-consumer queue paired with
// an atomic running flag. The consumer side is owned by whichever
// goroutine wins the CAS on running; at most one worker is alive per
// mailbox at any time.
//
// The queue is the Vyukov intrusive MPSC list: producers swap the tail
// and link the previous node; the consumer follows next pointers from a
// stub head.
type mailbox struct {
	head *node // consumer-owned
	tail atomic.Pointer[node]

	length  atomic.Int64
	running atomic.Bool
	closed  atomic.Bool

	// process handles one dequeued entry. Runs only on the worker
	// goroutine, one entry at a time.
	process func(entry)

	// spawn schedules the worker. Normally `go fn()`; tests may override.
	spawn func(fn func())

	drainBatch int
}

func newMailbox(process func(entry), drainBatch int) *mailbox {
	if drainBatch <= 0 {
		drainBatch = DefaultDrainBatch
	}
	stub := &node{}
	m := &mailbox{
		head:       stub,
		process:    process,
		spawn:      func(fn func()) { go fn() },
		drainBatch: drainBatch,
	}
	m.tail.Store(stub)
	return m
}

// Post enqueues e and lazily spawns the worker if none is running.
func (m *mailbox) Post(e entry) error {
	if m.closed.Load() {
		return ErrMailboxClosed
	}

	// The count goes up before the push so a producer is never invisible:
	// between the tail swap and the link store the node cannot be popped,
	// but drain sees length > 0 and waits for the link to land. A Post
	// racing with Close after the closed check above still lands in the
	// queue; the close drain consumes it.
	n := &node{entry: e}
	m.length.Add(1)
	prev := m.tail.Swap(n)
	prev.next.Store(n)

	if m.running.CompareAndSwap(false, true) {
		m.spawn(m.worker)
	}
	return nil
}

// tryPop dequeues one entry. Only the worker goroutine may call it.
// Returns nil when the queue is observably empty. A nil result with
// length > 0 means a producer is mid-push; the caller treats it as empty
// and relies on the double-check to be re-entered.
func (m *mailbox) tryPop() entry {
	next := m.head.next.Load()
	if next == nil {
		return nil
	}
	m.head = next
	e := next.entry
	next.entry = nil
	m.length.Add(-1)
	return e
}

// worker drains the queue. Between the start of process(e) and its
// return, no other entry is dequeued from this mailbox. The drain is
// bounded to drainBatch entries per pass; a longer backlog re-enters via
// a fresh worker goroutine.
func (m *mailbox) worker() {
	for {
		for i := 0; i < m.drainBatch; i++ {
			e := m.tryPop()
			if e == nil {
				break
			}
			m.process(e)
		}

		if m.length.Load() > 0 {
			// Backlog remains: yield the scheduler slot and continue
			// on a fresh goroutine. running stays true so nobody else
			// can sneak in.
			m.spawn(m.worker)
			return
		}

		m.running.Store(false)
		// Double-check: a producer may have enqueued between the last
		// tryPop and the store above. If so, retake ownership; if the
		// CAS fails, that producer's Post already spawned a worker.
		if m.length.Load() == 0 || !m.running.CompareAndSwap(false, true) {
			return
		}
	}
}

// Len returns the number of queued entries.
func (m *mailbox) Len() int {
	n := m.length.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// CloseEnqueue rejects all future Posts. Entries already queued are left
// for the worker (or the close drain) to consume.
func (m *mailbox) CloseEnqueue() {
	m.closed.Store(true)
}

// drain consumes every queued entry, including ones whose producer is
// still mid-push (length bumped, link not yet visible): on an empty pop
// with length > 0 it yields and retries until the link lands. Call only
// after CloseEnqueue, from the goroutine that owns the consumer side.
func (m *mailbox) drain(fn func(entry)) {
	for {
		e := m.tryPop()
		if e == nil {
			if m.length.Load() <= 0 {
				return
			}
			runtime.Gosched()
			continue
		}
		fn(e)
	}
}
