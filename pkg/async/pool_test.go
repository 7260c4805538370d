package async

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingCell struct {
	runs     int32
	maxRuns  int32
	removed  int32
	priority Priority
}

func (c *countingCell) Prepare() {}

func (c *countingCell) Run() Result {
	n := atomic.AddInt32(&c.runs, 1)
	if n >= c.maxRuns {
		return Done()
	}
	return Continue()
}

func (c *countingCell) PartitionRemoved() {
	atomic.StoreInt32(&c.removed, 1)
}

func TestQueueAndRunCompletesCell(t *testing.T) {
	p := New(1)
	loop := p.InitPartition(0)

	cell := &countingCell{maxRuns: 3}
	loop.Queue(cell, Background, "events")

	now := time.Now()
	for i := 0; i < 5; i++ {
		loop.run(now)
	}

	if atomic.LoadInt32(&cell.runs) != 3 {
		t.Fatalf("expected cell to run exactly 3 times, got %d", cell.runs)
	}
	if len(loop.active) != 0 {
		t.Fatalf("expected no active cells left, got %d", len(loop.active))
	}
}

func TestBypassActiveWhileRealtimeRunning(t *testing.T) {
	p := New(1)
	loop := p.InitPartition(0)

	realtime := &countingCell{maxRuns: 3}
	loop.Queue(realtime, Realtime, "events")

	now := time.Now()
	loop.run(now) // schedules queued into active, runs once

	if !loop.InBypass() {
		t.Fatal("expected loop to be in bypass while a realtime cell is still running")
	}

	loop.run(now)
	loop.run(now) // third run finishes the realtime cell

	if loop.InBypass() {
		t.Fatal("expected bypass to clear once the realtime cell completes")
	}
}

func TestFreePartitionSignalsRemoval(t *testing.T) {
	p := New(1)
	p.ZombieGrace = 10 * time.Millisecond
	loop := p.InitPartition(0)

	cell := &countingCell{maxRuns: 100}
	loop.Queue(cell, Background, "events")

	p.FreePartition(0)

	if _, ok := p.GetPartition(0); ok {
		t.Fatal("expected partition to be gone from lookup immediately after FreePartition")
	}
	if atomic.LoadInt32(&cell.removed) != 0 {
		t.Fatal("expected PartitionRemoved to not fire before the zombie grace period elapses")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&cell.removed) == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected PartitionRemoved to fire once the zombie grace period elapsed")
}

func TestFreePartitionHoldsZombieDuringGrace(t *testing.T) {
	p := New(1)
	p.ZombieGrace = 50 * time.Millisecond
	loop := p.InitPartition(0)
	loop.Queue(&countingCell{maxRuns: 100}, Background, "events")

	p.FreePartition(0)

	if got := p.ZombieCount(); got != 1 {
		t.Fatalf("expected 1 partition on the zombie list right after free, got %d", got)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.ZombieCount() == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected the zombie list to drain once the grace period elapsed")
}

func TestInitPartitionDistributesAcrossWorkers(t *testing.T) {
	p := New(2)
	l0 := p.InitPartition(0)
	l1 := p.InitPartition(1)

	if l0.Worker == l1.Worker {
		t.Fatalf("expected partitions to land on different workers, both got worker %d", l0.Worker)
	}
}

func TestSuspendResumeBarrier(t *testing.T) {
	p := New(2)
	p.InitPartition(0)
	p.InitPartition(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	done := make(chan struct{})
	go func() {
		p.SuspendAsync()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SuspendAsync did not return once workers parked")
	}

	if atomic.LoadInt32(&p.suspendedWorkers) != int32(p.workerCount) {
		t.Fatalf("expected %d parked workers, got %d", p.workerCount, p.suspendedWorkers)
	}

	p.ResumeAsync()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&p.suspendedWorkers) != 0 {
		select {
		case <-deadline:
			t.Fatal("workers did not resume after ResumeAsync")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
