package table

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Registry owns every table known to this node, persisting each one's
// Config as its own JSON file under dataDir/tables/<name>.json — one file
// per table rather than a single cluster-wide document, so a table create
// or drop never rewrites unrelated tables' config.
type Registry struct {
	mu      sync.RWMutex
	dataDir string
	tables  map[string]*Table
}

// NewRegistry returns a Registry rooted at dataDir, loading any table
// configs already present on disk.
func NewRegistry(dataDir string) (*Registry, error) {
	r := &Registry{dataDir: dataDir, tables: map[string]*Table{}}
	if err := os.MkdirAll(r.tablesDir(), 0755); err != nil {
		return nil, fmt.Errorf("table: create tables dir: %w", err)
	}

	entries, err := os.ReadDir(r.tablesDir())
	if err != nil {
		return nil, fmt.Errorf("table: read tables dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		name := e.Name()[:len(e.Name())-len(".json")]
		t, err := r.load(name)
		if err != nil {
			return nil, fmt.Errorf("table: load %q: %w", name, err)
		}
		r.tables[name] = t
	}
	return r, nil
}

func (r *Registry) tablesDir() string {
	return filepath.Join(r.dataDir, "tables")
}

func (r *Registry) configPath(name string) string {
	return filepath.Join(r.tablesDir(), name+".json")
}

func (r *Registry) load(name string) (*Table, error) {
	data, err := os.ReadFile(r.configPath(name))
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return FromConfig(cfg), nil
}

// Save persists t's current Config to disk.
func (r *Registry) Save(t *Table) error {
	cfg := t.Config()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("table: marshal %q: %w", t.Name(), err)
	}
	if err := os.WriteFile(r.configPath(t.Name()), data, 0644); err != nil {
		return fmt.Errorf("table: write %q: %w", t.Name(), err)
	}
	return nil
}

// Create registers and persists a brand-new, empty table. It is an error
// to create a table that already exists.
func (r *Registry) Create(name string) (*Table, error) {
	r.mu.Lock()
	if _, exists := r.tables[name]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("table: %q already exists", name)
	}
	t := New(name)
	r.tables[name] = t
	r.mu.Unlock()

	if err := r.Save(t); err != nil {
		r.mu.Lock()
		delete(r.tables, name)
		r.mu.Unlock()
		return nil, err
	}
	return t, nil
}

// Get returns a registered table, ok=false if no such table exists.
func (r *Registry) Get(name string) (*Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[name]
	return t, ok
}

// Drop removes a table from the registry and deletes its config file. The
// caller is responsible for tearing down any partitions' on-disk people
// stores for this table separately.
func (r *Registry) Drop(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tables[name]; !exists {
		return fmt.Errorf("table: %q not found", name)
	}
	delete(r.tables, name)

	if err := os.Remove(r.configPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("table: remove config for %q: %w", name, err)
	}
	return nil
}

// Names returns every registered table name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tables))
	for name := range r.tables {
		out = append(out, name)
	}
	return out
}
