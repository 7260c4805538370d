// Package partition binds one partition id's attribute store, grid store,
// and segment cache together behind the single-threaded async.Loop that
// owns them, and implements pkg/segment's CustomerSource against its
// in-memory customer cache.
package partition

import (
	"fmt"
	"sync"

	"github.com/cuemby/openset/pkg/async"
	"github.com/cuemby/openset/pkg/attribute"
	"github.com/cuemby/openset/pkg/grid"
	"github.com/cuemby/openset/pkg/log"
	"github.com/cuemby/openset/pkg/segment"
	"github.com/rs/zerolog"
)

// Partition is one table's slice of the cluster: its attribute bitmaps,
// its customers' grids, its segment definitions and bitmaps, and the
// cooperative loop that serializes all mutation of that state. Nothing
// outside the loop's own goroutine may touch a Partition's grids directly;
// everything else goes through a queued async.Cell.
type Partition struct {
	ID          int
	Table       string
	SessionTime int64

	Attrs    *attribute.Store
	Segments *segment.Store
	Engine   *segment.Engine
	Loop     *async.Loop
	Schema   Schema

	store *Store

	mu     sync.RWMutex
	grids  map[int64]*grid.Grid // linear id -> hot, mounted+prepared grid
	stop   int64                // next linear id to be assigned
	logger zerolog.Logger
}

// New opens a Partition's durable people store under dataDir and returns it
// ready for customer lookups and inserts. The caller is expected to build
// the segment Engine afterward (it needs this Partition as its
// CustomerSource) and assign it to p.Engine.
func New(dataDir, table string, id int, sessionTime int64) (*Partition, error) {
	store, err := OpenStore(dataDir, table, id)
	if err != nil {
		return nil, err
	}
	stop, err := store.StopBit()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("partition: read stop bit: %w", err)
	}

	attrs := attribute.New()
	if err := attrs.SetPaging(attribute.DefaultHotCapacity, store); err != nil {
		store.Close()
		return nil, fmt.Errorf("partition: restore attribute pages: %w", err)
	}
	return &Partition{
		ID:          id,
		Table:       table,
		SessionTime: sessionTime,
		Attrs:       attrs,
		Segments:    segment.NewStore(attrs),
		store:       store,
		grids:       make(map[int64]*grid.Grid),
		stop:        stop,
		logger:      log.WithComponent("partition"),
	}, nil
}

// Close releases the partition's durable store. The in-memory loop, if any,
// is torn down separately via the owning async.Pool.
func (p *Partition) Close() error {
	return p.store.Close()
}

// CustomerCount implements segment.CustomerSource: the live linear-id stop
// bit, i.e. one past the highest linear id ever assigned on this partition.
func (p *Partition) CustomerCount() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stop
}

// GridAt implements segment.CustomerSource: mounts and prepares the
// customer at linearID from the hot cache or, failing that, from disk.
// ok=false means the linear id was culled or never written — callers
// evaluating a bitmap position should skip it rather than treat it as an
// error.
func (p *Partition) GridAt(linearID int64) (*grid.Grid, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gridAtLocked(linearID)
}

func (p *Partition) gridAtLocked(linearID int64) (*grid.Grid, bool) {
	if g, ok := p.grids[linearID]; ok {
		return g, true
	}
	cd, ok, err := p.store.Load(linearID)
	if err != nil {
		p.logger.Error().Err(err).Int64("linear_id", linearID).Msg("failed to load customer grid")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	g := grid.New()
	g.MapTable(p.SessionTime, nil)
	g.Mount(cd)
	if err := g.Prepare(); err != nil {
		p.logger.Error().Err(err).Int64("linear_id", linearID).Msg("failed to prepare customer grid")
		return nil, false
	}
	p.grids[linearID] = g
	return g, true
}

// ExistingLinearID returns customerID's linear id without assigning one,
// ok=false if this partition has never seen that customer. Safe for
// read-only lookups (a customer fetch, say) that must not conjure a new,
// empty customer into existence as a side effect of a miss.
func (p *Partition) ExistingLinearID(customerID int64) (int64, bool, error) {
	return p.store.LinearIDFor(customerID)
}

// LinearIDFor returns customerID's linear id, assigning a new one (and
// mounting a fresh empty grid into the hot cache) if this is the first
// time the customer has been seen on this partition.
func (p *Partition) LinearIDFor(customerID int64) (int64, error) {
	if id, ok, err := p.store.LinearIDFor(customerID); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}

	id, err := p.store.AssignLinearID(customerID)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// A brand-new customer has no compressed blob to decode: Mount alone
	// (without Prepare) leaves the Grid's column arrays at New()'s empty
	// state, which is already the correct "prepared" shape for an insert.
	g := grid.New()
	g.MapTable(p.SessionTime, nil)
	g.Mount(&grid.CustomerData{CustomerID: customerID, LinearID: id})
	p.grids[id] = g
	if id+1 > p.stop {
		p.stop = id + 1
	}
	return id, nil
}

// Insert appends one event to customerID's grid, runs on-insert segment
// evaluation against the updated row set, and commits the grid back to
// disk: the single-event form of ApplyEvent plus FinishInsert, which is
// what InsertCell uses. Must run on the owning loop — never concurrently
// with GridAt/query reads of the same partition.
func (p *Partition) Insert(customerID, stamp, eventType int64, props map[int]int64) error {
	linearID, err := p.LinearIDFor(customerID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	g := p.grids[linearID]
	p.mu.Unlock()

	g.Insert(stamp, eventType, props)

	if p.Engine != nil {
		if err := p.Engine.EvaluateOnInsert(linearID, g); err != nil {
			p.logger.Error().Err(err).Int64("linear_id", linearID).Msg("on-insert segment evaluation failed")
		}
	}

	return p.commit(linearID, g)
}

func (p *Partition) commit(linearID int64, g *grid.Grid) error {
	if !g.Dirty() {
		return nil
	}
	cd, err := g.Commit()
	if err != nil {
		return fmt.Errorf("partition: commit customer %d: %w", linearID, err)
	}
	return p.store.Save(cd)
}

// Cull runs grid.Grid.Cull against every hot customer, dropping rows older
// than cutoff and/or beyond maxRows, and evicts (and deletes on disk) any
// customer whose grid becomes entirely empty as a result. Returns the
// number of customers removed. Grounded on the original's background
// per-partition row-expiry pass.
func (p *Partition) Cull(cutoff int64, maxRows int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for linearID, g := range p.grids {
		changed := g.Cull(cutoff, maxRows)
		if !changed {
			continue
		}
		if g.RowCount() == 0 {
			delete(p.grids, linearID)
			if err := p.store.Delete(linearID); err != nil {
				p.logger.Error().Err(err).Int64("linear_id", linearID).Msg("failed to delete culled customer")
			}
			removed++
			continue
		}
		if err := p.commit(linearID, g); err != nil {
			p.logger.Error().Err(err).Int64("linear_id", linearID).Msg("failed to commit culled customer")
		}
	}
	return removed
}

// Evict drops a customer's grid from the hot cache without deleting it from
// disk, reclaiming memory for a customer that hasn't been touched recently.
// The next GridAt call re-mounts it from the store.
func (p *Partition) Evict(linearID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.grids, linearID)
}
