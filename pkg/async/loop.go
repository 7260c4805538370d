package async

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/openset/pkg/metrics"
)

// SliceBudget bounds how long a single cell Run() gets before the loop
// considers the slice complete and moves on to the next cell. BypassSlice
// is the shortened budget background cells get while any realtime cell is
// active on the same loop.
const (
	SliceBudget  = 50 * time.Millisecond
	BypassSlice  = SliceBudget / 3
	cleanupEvery = 10
)

// Loop is a single-threaded cooperative scheduler bound to one partition.
// Every mutation of that partition's attribute store, grid, and segments
// happens only from within this loop — no locking is required on the hot
// path because nothing else ever touches that state concurrently.
type Loop struct {
	pool      *Pool
	Partition int
	Worker    int

	mu     sync.Mutex
	queued []*task
	active []*task

	completed []*task
	loopCount int64

	realtimeCells int32 // atomic
}

func newLoop(pool *Pool, partition, worker int) *Loop {
	return &Loop{pool: pool, Partition: partition, Worker: worker}
}

// InBypass reports whether this loop currently has any realtime cell
// active, putting background cells into shortened slices.
func (l *Loop) InBypass() bool {
	return atomic.LoadInt32(&l.realtimeCells) > 0
}

func (l *Loop) incRealtime() { atomic.AddInt32(&l.realtimeCells, 1) }
func (l *Loop) decRealtime() { atomic.AddInt32(&l.realtimeCells, -1) }

// Queue adds a cell to this loop. Safe to call from any goroutine; the
// cell is folded into the active set on the loop's next scheduling pass.
func (l *Loop) Queue(cell Cell, priority Priority, owningTable string) {
	t := &task{cell: cell, priority: priority, owningTable: owningTable, loop: l}
	if priority == Realtime {
		l.incRealtime()
	}

	l.mu.Lock()
	l.queued = append(l.queued, t)
	l.mu.Unlock()

	l.pool.wake(l.Worker)
}

// release forcibly removes every cell from this loop, signaling
// PartitionRemoved on each so in-flight work can fail gracefully.
func (l *Loop) release() {
	l.mu.Lock()
	queued := l.queued
	active := l.active
	l.queued = nil
	l.active = nil
	l.mu.Unlock()

	for _, t := range queued {
		t.cell.PartitionRemoved()
		if t.priority == Realtime {
			l.decRealtime()
		}
	}
	for _, t := range active {
		t.cell.PartitionRemoved()
		if t.priority == Realtime {
			l.decRealtime()
		}
	}
}

func (l *Loop) scheduleQueued() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queued) == 0 {
		return
	}
	l.active = append(l.active, l.queued...)
	l.queued = l.queued[:0]
}

// run executes one scheduling pass over every active cell, returning
// whether any cell actually did work and the earliest future run time any
// cell requested (zero if none did).
func (l *Loop) run(now time.Time) (ranAny bool, nextRun time.Time) {
	l.scheduleQueued()

	l.mu.Lock()
	active := l.active
	l.mu.Unlock()
	if len(active) == 0 {
		return false, time.Time{}
	}

	bypass := l.InBypass()
	rerun := active[:0:0]

	for _, t := range active {
		if !t.prepared {
			t.cell.Prepare()
			t.prepared = true
		}

		if t.state == StateRunning && (t.runAt.IsZero() || !t.runAt.After(now)) {
			budget := SliceBudget
			if bypass && t.priority == Background {
				budget = BypassSlice
			}

			timer := metrics.NewTimer()
			t.sliceStart = now
			result := t.cell.Run()
			timer.ObserveDurationVec(metrics.AsyncSliceDuration, cellTypeLabel(t.cell), priorityLabel(t.priority))
			_ = budget // slice budget is advisory for cells that self-check elapsed time

			ranAny = true
			if !result.RunAgain {
				t.state = StateDone
			} else {
				t.runAt = result.RunAt
			}
		}

		if t.state == StateDone {
			if t.priority == Realtime {
				l.decRealtime()
			}
			l.completed = append(l.completed, t)
		} else {
			if !t.runAt.IsZero() && (nextRun.IsZero() || t.runAt.Before(nextRun)) {
				nextRun = t.runAt
			}
			rerun = append(rerun, t)
		}
	}

	l.mu.Lock()
	l.active = rerun
	l.mu.Unlock()

	l.loopCount++
	if l.loopCount%cleanupEvery == 0 && len(l.completed) > 0 {
		l.completed = l.completed[:0]
	}

	metrics.AsyncLoopBacklog.WithLabelValues(itoa(l.Partition)).Set(float64(len(rerun)))
	metrics.AsyncBypassActive.WithLabelValues(itoa(l.Partition)).Set(boolToFloat(bypass))

	return ranAny, nextRun
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func cellTypeLabel(c Cell) string {
	return fmt.Sprintf("%T", c)
}

func priorityLabel(p Priority) string {
	if p == Realtime {
		return "realtime"
	}
	return "background"
}
