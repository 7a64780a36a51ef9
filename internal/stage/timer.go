package stage

import (
	"container/heap"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// timerKind discriminates the three timer flavors.
type timerKind int

const (
	timerRepeat timerKind = iota
	timerCount
	timerOnce
)

// timerRecord is owned by the TimerManager and referenced from the owning
// stage's timer set. Callback execution always happens inside the owning
// stage's mailbox worker.
type timerRecord struct {
	id        int64
	stage     *Stage
	kind      timerKind
	period    time.Duration
	nextAt    time.Time
	remaining int64 // for timerCount

	cb func(missedTicks int)

	// pendingTicks counts fires not yet delivered. The first fire
	// enqueues a timerEntry; later fires while that entry is still
	// queued only bump the counter, so a delayed mailbox sees one
	// coalesced tick with missedTicks = pendingTicks-1.
	pendingTicks atomic.Int64

	cancelled atomic.Bool
}

// TimerManager schedules one-shot, count and repeat timers and delivers
// ticks as mailbox messages on the owning stage. Process-wide singleton,
// constructed at startup.
type TimerManager struct {
	mu       sync.Mutex
	queue    timerHeap
	wake     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	index  sync.Map // timer id -> *timerRecord
	nextID atomic.Int64

	now func() time.Time
}

// NewTimerManager creates and starts the scheduler goroutine.
func NewTimerManager() *TimerManager {
	tm := &TimerManager{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		now:     time.Now,
	}
	go tm.run()
	return tm
}

// Stop terminates the scheduler. Pending ticks already in mailboxes are
// still delivered (and discarded if their records were cancelled).
func (tm *TimerManager) Stop() {
	tm.stopOnce.Do(func() { close(tm.stopped) })
}

// AddRepeat schedules cb every period, first firing after initial.
func (tm *TimerManager) AddRepeat(s *Stage, initial, period time.Duration, cb func(missedTicks int)) int64 {
	return tm.add(&timerRecord{stage: s, kind: timerRepeat, period: period, cb: cb}, initial)
}

// AddCount schedules cb every period, at most count times.
func (tm *TimerManager) AddCount(s *Stage, initial, period time.Duration, count int, cb func(missedTicks int)) int64 {
	return tm.add(&timerRecord{stage: s, kind: timerCount, period: period, remaining: int64(count), cb: cb}, initial)
}

// AddOnce schedules cb once after delay.
func (tm *TimerManager) AddOnce(s *Stage, delay time.Duration, cb func()) int64 {
	return tm.add(&timerRecord{stage: s, kind: timerOnce, cb: func(int) { cb() }}, delay)
}

func (tm *TimerManager) add(rec *timerRecord, initial time.Duration) int64 {
	rec.id = tm.nextID.Add(1)
	rec.nextAt = tm.now().Add(initial)
	tm.index.Store(rec.id, rec)

	tm.mu.Lock()
	heap.Push(&tm.queue, rec)
	tm.mu.Unlock()
	tm.kick()
	return rec.id
}

// Cancel marks the timer cancelled. Ticks already queued in the mailbox
// are discarded on dequeue. Safe from any stage handler and from other
// stages.
func (tm *TimerManager) Cancel(id int64) {
	if v, ok := tm.index.Load(id); ok {
		v.(*timerRecord).cancelled.Store(true)
		tm.index.Delete(id)
	}
}

// Has reports whether the timer exists and is not cancelled.
func (tm *TimerManager) Has(id int64) bool {
	v, ok := tm.index.Load(id)
	return ok && !v.(*timerRecord).cancelled.Load()
}

// CancelStage cancels every timer owned by the given stage. Called on
// stage close.
func (tm *TimerManager) CancelStage(s *Stage) {
	tm.index.Range(func(key, value any) bool {
		rec := value.(*timerRecord)
		if rec.stage == s {
			rec.cancelled.Store(true)
			tm.index.Delete(key)
		}
		return true
	})
}

func (tm *TimerManager) kick() {
	select {
	case tm.wake <- struct{}{}:
	default:
	}
}

// run is the scheduler loop: sleep until the earliest deadline, fire
// everything due, reschedule repeat/count records against their nominal
// times so delays never skew the schedule.
func (tm *TimerManager) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		tm.mu.Lock()
		var wait time.Duration = time.Hour
		now := tm.now()
		for tm.queue.Len() > 0 {
			rec := tm.queue[0]
			if rec.cancelled.Load() {
				heap.Pop(&tm.queue)
				continue
			}
			if rec.nextAt.After(now) {
				wait = rec.nextAt.Sub(now)
				break
			}
			heap.Pop(&tm.queue)
			if tm.fire(rec, now) {
				heap.Push(&tm.queue, rec)
			}
		}
		tm.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-tm.wake:
		case <-tm.stopped:
			return
		}
	}
}

// fire advances the record past now and accounts every period boundary
// crossed while the scheduler was behind, so repeat timers target nominal
// times without skew. Reports whether the record should stay scheduled.
func (tm *TimerManager) fire(rec *timerRecord, now time.Time) bool {
	fired := int64(1)
	if rec.kind != timerOnce && rec.period > 0 {
		rec.nextAt = rec.nextAt.Add(rec.period)
		for !rec.nextAt.After(now) {
			rec.nextAt = rec.nextAt.Add(rec.period)
			fired++
		}
	}

	reschedule := rec.kind != timerOnce

	switch rec.kind {
	case timerCount:
		if fired > rec.remaining {
			fired = rec.remaining
		}
		rec.remaining -= fired
		if rec.remaining <= 0 {
			// Exhausted: the final tick is still delivered, but the
			// record leaves the schedule and the index.
			tm.index.Delete(rec.id)
			reschedule = false
		}
	case timerOnce:
		tm.index.Delete(rec.id)
	}

	// Coalescing: while a tick is still undelivered in the mailbox,
	// further fires only grow the pending count. The dequeue reports
	// pending-1 as missedTicks.
	if rec.pendingTicks.Add(fired) == fired {
		if err := rec.stage.post(timerEntry{rec: rec}); err != nil {
			rec.pendingTicks.Store(0)
			slog.Debug("timer tick dropped, stage closed", "timer", rec.id, "stage", rec.stage.ID())
			return false
		}
	}
	return reschedule
}
