package async

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/openset/pkg/log"
)

// idleWake bounds how long an idle worker sleeps before checking its loops
// again even without a wake signal.
const idleWake = 250 * time.Millisecond

// ZombieGrace is the default quiescent window a freed partition's loop
// sits on the zombie list before its cells are actually released — long
// enough for an in-flight query fork holding the old *Loop to finish
// rather than race a freed one. A magic constant with no written
// rationale in the original beyond "15 s"; exposed here as Pool.ZombieGrace
// so an operator can tune it instead of recompiling.
const ZombieGrace = 15 * time.Second

// Pool owns a fixed set of workers, each running a goroutine that services
// the partition loops assigned to it. Each partition's loop is assigned to
// the worker owning the fewest loops at the time it is initialized.
type Pool struct {
	workerCount int

	// ZombieGrace overrides the default grace period a freed partition's
	// loop spends on the zombie list before release. Zero means use
	// ZombieGrace. Set before traffic reaches FreePartition; not safe to
	// change concurrently with it.
	ZombieGrace time.Duration

	mu     sync.RWMutex
	loops  map[int]*Loop   // partition id -> loop
	byWork map[int][]*Loop // worker id -> loops it owns

	wake []chan struct{}

	suspendDepth     int32 // atomic; >0 means a suspend is requested
	suspendedWorkers int32 // atomic
	resumeCh         chan struct{}
	resumeMu         sync.Mutex

	running int32 // atomic

	zombiesMu sync.Mutex
	zombies   map[string]*zombieEntry // zombie list entry id -> entry
}

// zombieEntry is one partition's loop sitting on the zombie list, waiting
// out its grace period before release.
type zombieEntry struct {
	Partition int
	Loop      *Loop
	Timer     *time.Timer
}

// New returns a Pool sized to workerCount workers. Call Start to begin
// running worker goroutines.
func New(workerCount int) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	p := &Pool{
		workerCount: workerCount,
		loops:       make(map[int]*Loop),
		byWork:      make(map[int][]*Loop),
		wake:        make([]chan struct{}, workerCount),
		resumeCh:    make(chan struct{}),
	}
	for i := range p.wake {
		p.wake[i] = make(chan struct{}, 1)
	}
	return p
}

// Start launches one goroutine per worker. It returns immediately; workers
// run until ctx is canceled.
func (p *Pool) Start(ctx context.Context) {
	atomic.StoreInt32(&p.running, 1)
	for w := 0; w < p.workerCount; w++ {
		go p.runWorker(ctx, w)
	}
}

// IsRunning reports whether Start has been called and the pool has not
// since been stopped.
func (p *Pool) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

func (p *Pool) runWorker(ctx context.Context, worker int) {
	log.WithComponent("async").Debug().Int("worker", worker).Msg("worker starting")

	for {
		select {
		case <-ctx.Done():
			atomic.StoreInt32(&p.running, 0)
			return
		default:
		}

		p.parkIfSuspended(worker)

		ranAny := false
		var soonest time.Time
		now := time.Now()

		for _, loop := range p.workerLoops(worker) {
			ran, next := loop.run(now)
			if ran {
				ranAny = true
			}
			if !next.IsZero() && (soonest.IsZero() || next.Before(soonest)) {
				soonest = next
			}
		}

		if ranAny {
			continue // cooperate, but keep draining while there's real work
		}

		wait := idleWake
		if !soonest.IsZero() {
			if d := time.Until(soonest); d > 0 && d < wait {
				wait = d
			}
		}

		select {
		case <-ctx.Done():
			atomic.StoreInt32(&p.running, 0)
			return
		case <-p.wake[worker]:
		case <-time.After(wait):
		}
	}
}

func (p *Pool) workerLoops(worker int) []*Loop {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Loop(nil), p.byWork[worker]...)
}

// wake signals the worker owning a loop so queued work runs without
// waiting for the idle tick.
func (p *Pool) wake(worker int) {
	select {
	case p.wake[worker] <- struct{}{}:
	default:
	}
}

// leastBusy returns the worker id currently owning the fewest loops. The
// caller must hold p.mu.
func (p *Pool) leastBusy() int {
	best, bestCount := 0, -1
	for w := 0; w < p.workerCount; w++ {
		count := len(p.byWork[w])
		if bestCount == -1 || count < bestCount {
			best, bestCount = w, count
		}
	}
	return best
}

// InitPartition creates and registers a Loop for partition, assigning it
// to the currently least-busy worker. It is a no-op returning the existing
// loop if the partition is already initialized.
func (p *Pool) InitPartition(partition int) *Loop {
	p.mu.Lock()
	if existing, ok := p.loops[partition]; ok {
		p.mu.Unlock()
		return existing
	}
	worker := p.leastBusy()
	loop := newLoop(p, partition, worker)
	p.loops[partition] = loop
	p.byWork[worker] = append(p.byWork[worker], loop)
	p.mu.Unlock()

	return loop
}

// FreePartition unassigns the loop for partition, if any, so it is no
// longer reachable via GetPartition, then hands it to the zombie list for
// ZombieGrace (or the package default) before actually releasing its
// cells. The delay gives an in-flight query fork that already holds the
// *Loop a window to finish rather than run against freed state.
func (p *Pool) FreePartition(partition int) {
	p.mu.Lock()
	loop, ok := p.loops[partition]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.loops, partition)
	loops := p.byWork[loop.Worker]
	for i, l := range loops {
		if l == loop {
			p.byWork[loop.Worker] = append(loops[:i], loops[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	p.zombie(partition, loop)
}

// zombie parks loop on the zombie list and schedules its release after the
// grace period elapses.
func (p *Pool) zombie(partition int, loop *Loop) {
	grace := p.ZombieGrace
	if grace <= 0 {
		grace = ZombieGrace
	}

	id := uuid.NewString()
	entry := &zombieEntry{Partition: partition, Loop: loop}
	entry.Timer = time.AfterFunc(grace, func() {
		p.zombiesMu.Lock()
		delete(p.zombies, id)
		p.zombiesMu.Unlock()
		loop.release()
	})

	p.zombiesMu.Lock()
	if p.zombies == nil {
		p.zombies = make(map[string]*zombieEntry)
	}
	p.zombies[id] = entry
	p.zombiesMu.Unlock()
}

// ZombieCount returns the number of partitions currently sitting on the
// zombie list, awaiting their grace period before release.
func (p *Pool) ZombieCount() int {
	p.zombiesMu.Lock()
	defer p.zombiesMu.Unlock()
	return len(p.zombies)
}

// GetPartition returns the loop owning partition, if one exists.
func (p *Pool) GetPartition(partition int) (*Loop, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	loop, ok := p.loops[partition]
	return loop, ok
}

// Partitions returns every partition id currently owned by this pool.
func (p *Pool) Partitions() []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]int, 0, len(p.loops))
	for id := range p.loops {
		out = append(out, id)
	}
	return out
}

// CellFactory builds and queues one cell per partition in partitionIDs
// (or every owned partition if partitionIDs is nil) via factory, which
// receives the loop the cell will run on.
func (p *Pool) CellFactory(partitionIDs []int, priority Priority, owningTable string, factory func(*Loop) Cell) {
	targets := partitionIDs
	if targets == nil {
		targets = p.Partitions()
	}
	for _, id := range targets {
		loop, ok := p.GetPartition(id)
		if !ok {
			continue
		}
		loop.Queue(factory(loop), priority, owningTable)
	}
}

// SuspendAsync requests that every worker park at the barrier before its
// next scheduling pass and blocks until they all have. Nested suspends are
// reference-counted: the Nth ResumeAsync after N SuspendAsync calls is the
// one that actually lets workers proceed.
func (p *Pool) SuspendAsync() {
	p.resumeMu.Lock()
	if atomic.AddInt32(&p.suspendDepth, 1) == 1 {
		p.resumeCh = make(chan struct{})
	}
	p.resumeMu.Unlock()

	for atomic.LoadInt32(&p.suspendedWorkers) < int32(p.workerCount) && p.IsRunning() {
		time.Sleep(time.Millisecond)
	}
}

// ResumeAsync releases the barrier set up by the matching SuspendAsync.
func (p *Pool) ResumeAsync() {
	p.resumeMu.Lock()
	defer p.resumeMu.Unlock()

	if atomic.AddInt32(&p.suspendDepth, -1) == 0 {
		close(p.resumeCh)
	}
}

func (p *Pool) parkIfSuspended(worker int) {
	if atomic.LoadInt32(&p.suspendDepth) == 0 {
		return
	}

	p.resumeMu.Lock()
	ch := p.resumeCh
	p.resumeMu.Unlock()

	atomic.AddInt32(&p.suspendedWorkers, 1)
	<-ch
	atomic.AddInt32(&p.suspendedWorkers, -1)
}
