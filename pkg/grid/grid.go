// Package grid implements the per-customer columnar event store. A Grid is
// the decompressed working overlay over one customer's event history: rows
// ordered by timestamp, with properties laid out as parallel columns so a
// query interpreter can walk one property at a time without touching the
// others.
package grid

import (
	"math"
	"sort"
)

// NoValue marks a (row, property) cell with no value.
const NoValue = math.MinInt64

// FloatScale is the fixed-point scale applied to floating point property
// values before they are stored in an int64 column. All interpreter math
// runs in this scaled representation; values are descaled only on emit.
const FloatScale = 10000

// ScaleFloat converts a float64 into its fixed-point column representation.
func ScaleFloat(f float64) int64 {
	return int64(math.Round(f * FloatScale))
}

// DescaleFloat converts a fixed-point column value back to a float64.
func DescaleFloat(v int64) float64 {
	return float64(v) / FloatScale
}

// Meta carries the identity and settings for the customer a Grid is mounted
// against.
type Meta struct {
	CustomerID  int64
	LinearID    int64
	Flags       uint32
	SessionTime int64 // idle gap, in the same units as row stamps, that starts a new session
}

// FlagRecord is a side annotation on a customer's history — used to drive
// re-evaluation of on-insert segments without rewriting row data.
type FlagRecord struct {
	Type    int
	Ref     int64
	Context int64
	Stamp   int64
}

// Grid is the decompressed, mutable view of one customer's event history.
// It is not safe for concurrent use; a Grid is touched only by the
// partition loop that owns it.
type Grid struct {
	meta    Meta
	columns []int // projected property ids this Grid was mapped for; nil means "all"

	stamps   []int64
	events   []int64
	sessions []int32
	cells    map[int][]int64 // property id -> values aligned with stamps/events by row index

	flags []FlagRecord

	raw   *CustomerData // the blob this Grid was last mounted from, until Prepare overwrites it
	dirty bool
}

// New returns an empty, unmounted Grid.
func New() *Grid {
	return &Grid{cells: make(map[int][]int64)}
}

// MapTable pins the session-time setting and an optional reduced column
// projection used for query mounts. A nil or empty columns list maps every
// property (used for insert).
func (g *Grid) MapTable(sessionTime int64, columns []int) {
	g.meta.SessionTime = sessionTime
	if len(columns) == 0 {
		g.columns = nil
		return
	}
	g.columns = append([]int(nil), columns...)
}

// Mount attaches a raw compressed blob to the Grid without decoding it.
func (g *Grid) Mount(cd *CustomerData) {
	g.raw = cd
	g.meta.CustomerID = cd.CustomerID
	g.meta.LinearID = cd.LinearID
	g.meta.Flags = cd.Flags
	g.stamps = nil
	g.events = nil
	g.sessions = nil
	g.cells = make(map[int][]int64)
	g.flags = nil
	g.dirty = false
}

// Prepare decompresses the mounted blob into column arrays, applying the
// projection set by MapTable if one was given.
func (g *Grid) Prepare() error {
	if g.raw == nil {
		return nil
	}
	decoded, err := decode(g.raw)
	if err != nil {
		return err
	}

	g.stamps = decoded.stamps
	g.events = decoded.events
	g.sessions = decoded.sessions
	g.flags = decoded.flags

	if g.columns == nil {
		g.cells = decoded.cells
		return nil
	}

	wanted := make(map[int]bool, len(g.columns))
	for _, c := range g.columns {
		wanted[c] = true
	}
	g.cells = make(map[int][]int64, len(wanted))
	for propID, col := range decoded.cells {
		if wanted[propID] {
			g.cells[propID] = col
		}
	}
	return nil
}

// Meta returns the Grid's identity and settings.
func (g *Grid) Meta() Meta {
	return g.meta
}

// RowCount returns the number of rows currently held.
func (g *Grid) RowCount() int {
	return len(g.stamps)
}

// StampAt returns the timestamp of row i.
func (g *Grid) StampAt(i int) int64 {
	return g.stamps[i]
}

// EventAt returns the event-type id of row i.
func (g *Grid) EventAt(i int) int64 {
	return g.events[i]
}

// SessionAt returns the session ordinal of row i.
func (g *Grid) SessionAt(i int) int32 {
	return g.sessions[i]
}

// ColumnValue returns the value of propertyID at row i, or NoValue if that
// property was not set on that row (or was not part of the query
// projection).
func (g *Grid) ColumnValue(i int, propertyID int) int64 {
	col, ok := g.cells[propertyID]
	if !ok || i >= len(col) {
		return NoValue
	}
	return col[i]
}

// Flags returns the flag records attached to this customer's history.
func (g *Grid) Flags() []FlagRecord {
	return g.flags
}

// AddFlag appends a flag record.
func (g *Grid) AddFlag(flagType int, ref, context, stamp int64) {
	g.flags = append(g.flags, FlagRecord{Type: flagType, Ref: ref, Context: context, Stamp: stamp})
	g.dirty = true
}

// ClearFlag removes flag records matching (flagType, ref, context).
func (g *Grid) ClearFlag(flagType int, ref, context int64) {
	out := g.flags[:0]
	for _, f := range g.flags {
		if f.Type == flagType && f.Ref == ref && f.Context == context {
			continue
		}
		out = append(out, f)
	}
	g.flags = out
	g.dirty = true
}

// Insert adds one event row, keeping rows ordered by stamp (ties keep
// insertion order), and recomputes session ordinals across the full row
// set using the table's session_time gap.
func (g *Grid) Insert(stamp, eventType int64, props map[int]int64) {
	pos := sort.Search(len(g.stamps), func(i int) bool { return g.stamps[i] > stamp })

	g.stamps = insertAt(g.stamps, pos, stamp)
	g.events = insertAt(g.events, pos, eventType)
	g.sessions = insertAtInt32(g.sessions, pos, 0)

	for propID, col := range g.cells {
		g.cells[propID] = insertAt(col, pos, NoValue)
	}
	for propID, v := range props {
		col, ok := g.cells[propID]
		if !ok {
			col = make([]int64, len(g.stamps))
			for i := range col {
				col[i] = NoValue
			}
			g.cells[propID] = col
		}
		col[pos] = v
	}

	g.recomputeSessions()
	g.dirty = true
}

// recomputeSessions assigns session ordinals starting at 1, incrementing
// whenever the gap to the previous row exceeds the table's session_time,
// matching the spec's worked example (stamps 0, 5min, 40min, 45min at
// session_time=30min derive sessions 1,1,2,2).
func (g *Grid) recomputeSessions() {
	if len(g.stamps) == 0 {
		return
	}
	session := int32(1)
	g.sessions[0] = session
	for i := 1; i < len(g.stamps); i++ {
		if g.stamps[i]-g.stamps[i-1] > g.meta.SessionTime {
			session++
		}
		g.sessions[i] = session
	}
}

func insertAt(s []int64, pos int, v int64) []int64 {
	s = append(s, 0)
	copy(s[pos+1:], s[pos:])
	s[pos] = v
	return s
}

func insertAtInt32(s []int32, pos int, v int32) []int32 {
	s = append(s, 0)
	copy(s[pos+1:], s[pos:])
	s[pos] = v
	return s
}

// Dirty reports whether the Grid has mutations since the last Commit.
func (g *Grid) Dirty() bool {
	return g.dirty
}

// Commit re-compresses the current row set into a new CustomerData blob.
// The caller is responsible for swapping the pointer held by the people
// store; Commit does not mutate any shared state itself.
func (g *Grid) Commit() (*CustomerData, error) {
	blob, err := encode(decoded{
		stamps:   g.stamps,
		events:   g.events,
		sessions: g.sessions,
		cells:    g.cells,
		flags:    g.flags,
	}, g.meta)
	if err != nil {
		return nil, err
	}
	g.raw = blob
	g.dirty = false
	return blob, nil
}

// Cull drops rows older than cutoff (if cutoff > 0) and, after that, any
// rows beyond maxRows counted from the most recent (if maxRows > 0). It
// reports whether anything was dropped.
func (g *Grid) Cull(cutoff int64, maxRows int) bool {
	dropped := false

	if cutoff > 0 {
		start := sort.Search(len(g.stamps), func(i int) bool { return g.stamps[i] >= cutoff })
		if start > 0 {
			g.truncateFront(start)
			dropped = true
		}
	}

	if maxRows > 0 && len(g.stamps) > maxRows {
		excess := len(g.stamps) - maxRows
		g.truncateFront(excess)
		dropped = true
	}

	if dropped {
		g.recomputeSessions()
		g.dirty = true
	}
	return dropped
}

func (g *Grid) truncateFront(n int) {
	g.stamps = append([]int64(nil), g.stamps[n:]...)
	g.events = append([]int64(nil), g.events[n:]...)
	g.sessions = append([]int32(nil), g.sessions[n:]...)
	for propID, col := range g.cells {
		g.cells[propID] = append([]int64(nil), col[n:]...)
	}
}
