// Package table implements the per-table registry: property and
// customer-id configuration, event-type ordering, segment scripts, and
// change-subscriber registrations, persisted as the JSON document spec's
// "Persisted state layout" describes.
package table

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/openset/pkg/query/lang"
	"github.com/cuemby/openset/pkg/segment"
)

// PropertyType is a column's storage type; every type is carried in the
// grid's int64 column space, scaled or hashed as needed.
type PropertyType int

const (
	PropertyInt PropertyType = iota
	PropertyDouble
	PropertyText
	PropertyBool
)

func (t PropertyType) String() string {
	switch t {
	case PropertyInt:
		return "int"
	case PropertyDouble:
		return "double"
	case PropertyText:
		return "text"
	case PropertyBool:
		return "bool"
	default:
		return "unknown"
	}
}

// PropertyDef is one column's schema entry: its numeric id (stable for the
// life of the table, never reused), type, and set/customer-id flags.
// Deleted properties keep their slot (and their id, so historical grid
// columns stay valid) but are hidden from new inserts and listings.
type PropertyDef struct {
	Name         string       `json:"name"`
	ID           int          `json:"id"`
	Type         PropertyType `json:"type"`
	IsSet        bool         `json:"is_set"`
	IsCustomerID bool         `json:"is_customer_id"`
	Deleted      bool         `json:"deleted"`
}

// SegmentScript is a persisted segment definition: its script source, not
// its compiled bytecode or bitmap, both of which are rebuilt at load time.
type SegmentScript struct {
	Name            string `json:"name"`
	Script          string `json:"script"`
	ZOrder          int    `json:"z_order"`
	OnInsert        bool   `json:"on_insert"`
	RefreshSeconds  int    `json:"refresh_seconds"`
}

// SubscriberDef is one persisted change-subscriber registration. Retention
// is stored as nanoseconds so it survives the JSON round trip as a plain
// number rather than a Go duration string.
type SubscriberDef struct {
	Segment   string        `json:"segment"`
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Path      string        `json:"path"`
	Retention time.Duration `json:"retention_ns"`
}

// Config is the on-disk shape of a table: everything needed to reconstruct
// its runtime state without replaying every insert.
type Config struct {
	Name        string          `json:"name"`
	Properties  []PropertyDef   `json:"properties"`
	EventOrder  []string        `json:"event_order"`
	Settings    map[string]string `json:"settings"`
	Segments    []SegmentScript `json:"segments"`
	Subscribers []SubscriberDef `json:"subscribers"`
}

// Table is the runtime registry for one table's properties and event
// types, doubling as pkg/partition's Schema and pkg/query/lang's Resolver
// so the query compiler and insert path share one name->id source of
// truth.
type Table struct {
	mu sync.RWMutex

	name       string
	settings   map[string]string
	byName     map[string]*PropertyDef
	byID       map[int]*PropertyDef
	nextPropID int

	events   []string       // index i -> event name, id is i+1
	eventIdx map[string]int // name -> id

	segments map[string]*SegmentScript

	// Subscribers holds this table's live change-subscriber registrations.
	// Exported so pkg/segment.Engine can be constructed with it as the
	// onChange sink (via Subscribers.Dispatch).
	Subscribers *segment.Registry
}

// New returns an empty Table named name, with event id 0 reserved for
// "unknown event". Property ids start at 1000; ids below that are reserved
// for system properties such as segment.PropertySegment.
func New(name string) *Table {
	return &Table{
		name:       name,
		settings:   map[string]string{},
		byName:     map[string]*PropertyDef{},
		byID:       map[int]*PropertyDef{},
		nextPropID: 1000,
		eventIdx:    map[string]int{},
		segments:    map[string]*SegmentScript{},
		Subscribers: segment.NewRegistry(),
	}
}

// Name returns the table's name.
func (t *Table) Name() string { return t.name }

// AddProperty registers a new property, assigning it the next free id. It
// is an error to redefine a name that already exists (even a deleted one)
// since ids are never reused.
func (t *Table) AddProperty(name string, ptype PropertyType, isSet, isCustomerID bool) (*PropertyDef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byName[name]; exists {
		return nil, fmt.Errorf("table: property %q already exists", name)
	}

	def := &PropertyDef{Name: name, ID: t.nextPropID, Type: ptype, IsSet: isSet, IsCustomerID: isCustomerID}
	t.nextPropID++
	t.byName[name] = def
	t.byID[def.ID] = def
	return def, nil
}

// RemoveProperty soft-deletes a property: its id and grid column stay
// valid for historical rows, but it's hidden from PropertyID lookups and
// listings going forward.
func (t *Table) RemoveProperty(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	def, ok := t.byName[name]
	if !ok {
		return fmt.Errorf("table: property %q not found", name)
	}
	def.Deleted = true
	return nil
}

// PropertyID implements pkg/partition.Schema: resolves a live (non-deleted)
// property name to its id and whether it's a text-typed column.
func (t *Table) PropertyID(name string) (int, bool, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	def, ok := t.byName[name]
	if !ok || def.Deleted {
		return 0, false, false
	}
	return def.ID, def.Type == PropertyText, true
}

// Property returns the full definition for name, including deleted ones.
func (t *Table) Property(name string) (PropertyDef, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	def, ok := t.byName[name]
	if !ok {
		return PropertyDef{}, false
	}
	return *def, true
}

// Properties returns every live property, sorted by id.
func (t *Table) Properties() []PropertyDef {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PropertyDef, 0, len(t.byID))
	for _, def := range t.byID {
		if !def.Deleted {
			out = append(out, *def)
		}
	}
	sortPropertiesByID(out)
	return out
}

func sortPropertiesByID(defs []PropertyDef) {
	for i := 1; i < len(defs); i++ {
		for j := i; j > 0 && defs[j].ID < defs[j-1].ID; j-- {
			defs[j], defs[j-1] = defs[j-1], defs[j]
		}
	}
}

// Resolver adapts PropertyID to pkg/query/lang.Resolver for the compiler.
func (t *Table) Resolver() lang.Resolver {
	return func(name string) (int, bool) {
		id, _, ok := t.PropertyID(name)
		return id, ok
	}
}

// EventTypeID resolves name to its numeric event-type id, assigning the
// next free id (appending to the persisted event order) the first time a
// name is seen. Id 0 is reserved and never assigned to a real name.
func (t *Table) EventTypeID(name string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.eventIdx[name]; ok {
		return int64(id)
	}
	t.events = append(t.events, name)
	id := len(t.events)
	t.eventIdx[name] = id
	return int64(id)
}

// EventTypeName reverses EventTypeID, for rendering results back out.
func (t *Table) EventTypeName(id int64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id < 1 || int(id) > len(t.events) {
		return "", false
	}
	return t.events[id-1], true
}

// Setting returns a table-level setting string, ok=false if unset.
func (t *Table) Setting(key string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.settings[key]
	return v, ok
}

// SetSetting sets a table-level setting.
func (t *Table) SetSetting(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settings[key] = value
}

// UpsertSegmentScript registers or replaces a segment's persisted script
// source. Compiling it into a live segment.Definition is the caller's job
// (pkg/openset wires table + attribute store + engine together); Table
// only remembers the source text so it survives a restart.
func (t *Table) UpsertSegmentScript(s SegmentScript) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := s
	t.segments[s.Name] = &cp
}

// RemoveSegmentScript forgets a segment's persisted definition.
func (t *Table) RemoveSegmentScript(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.segments, name)
}

// SegmentScripts returns every persisted segment script.
func (t *Table) SegmentScripts() []SegmentScript {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]SegmentScript, 0, len(t.segments))
	for _, s := range t.segments {
		out = append(out, *s)
	}
	return out
}

// Config snapshots the table's persistable state.
func (t *Table) Config() Config {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cfg := Config{
		Name:       t.name,
		EventOrder: append([]string(nil), t.events...),
		Settings:   map[string]string{},
	}
	for k, v := range t.settings {
		cfg.Settings[k] = v
	}
	for _, def := range t.byID {
		cfg.Properties = append(cfg.Properties, *def)
	}
	sortPropertiesByID(cfg.Properties)
	for _, s := range t.segments {
		cfg.Segments = append(cfg.Segments, *s)
	}
	for segName, subs := range t.Subscribers.All() {
		for _, sub := range subs {
			cfg.Subscribers = append(cfg.Subscribers, SubscriberDef{
				Segment: segName, Host: sub.Host, Port: sub.Port, Path: sub.Path, Retention: sub.Retention,
			})
		}
	}
	return cfg
}

// FromConfig rebuilds a Table's runtime state from a persisted Config.
func FromConfig(cfg Config) *Table {
	t := New(cfg.Name)
	t.settings = map[string]string{}
	for k, v := range cfg.Settings {
		t.settings[k] = v
	}
	for _, def := range cfg.Properties {
		d := def
		t.byName[d.Name] = &d
		t.byID[d.ID] = &d
		if d.ID >= t.nextPropID {
			t.nextPropID = d.ID + 1
		}
	}
	for i, name := range cfg.EventOrder {
		t.events = append(t.events, name)
		t.eventIdx[name] = i + 1
	}
	for _, s := range cfg.Segments {
		cp := s
		t.segments[s.Name] = &cp
	}
	for _, s := range cfg.Subscribers {
		t.Subscribers.Register(s.Segment, segment.Subscription{Host: s.Host, Port: s.Port, Path: s.Path, Retention: s.Retention})
	}
	return t
}
