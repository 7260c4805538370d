package openset

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/openset/pkg/async"
	"github.com/cuemby/openset/pkg/attribute"
	"github.com/cuemby/openset/pkg/cluster"
	"github.com/cuemby/openset/pkg/log"
	"github.com/cuemby/openset/pkg/metrics"
	"github.com/cuemby/openset/pkg/openerr"
	"github.com/cuemby/openset/pkg/partition"
	"github.com/cuemby/openset/pkg/query/lang"
	"github.com/cuemby/openset/pkg/query/ops"
	"github.com/cuemby/openset/pkg/query/vm"
	"github.com/cuemby/openset/pkg/resultset"
	"github.com/cuemby/openset/pkg/segment"
	"github.com/cuemby/openset/pkg/table"
)

// requestTimeout bounds how long an HTTP handler waits on a queued loop
// cell's reply before giving up and returning 504.
const requestTimeout = 10 * time.Second

// NewServer builds the HTTP handler a node listens with: every route spec's
// wire protocol names, wired against svc. Grounded on cmd/warren's api
// package in spirit (one handler per REST-ish verb over a domain object)
// but implemented against stdlib's http.ServeMux rather than a router
// dependency — intentionally; see SPEC_FULL.md's transport section.
func NewServer(svc *Services) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("PUT /v1/cluster/init", svc.handleClusterInit)
	mux.HandleFunc("PUT /v1/cluster/join", svc.handleClusterJoin)

	mux.HandleFunc("POST /v1/table/{table}", svc.handleCreateTable)
	mux.HandleFunc("GET /v1/table/{table}", svc.handleGetTable)
	mux.HandleFunc("DELETE /v1/table/{table}", svc.handleDropTable)
	mux.HandleFunc("PUT /v1/table/{table}/property/{name}", svc.handleAddProperty)
	mux.HandleFunc("DELETE /v1/table/{table}/property/{name}", svc.handleRemoveProperty)

	mux.HandleFunc("POST /v1/insert/{table}", svc.handleInsert)

	mux.HandleFunc("POST /v1/query/{table}/event", svc.handleQuery)
	mux.HandleFunc("POST /v1/query/{table}/segment", svc.handleSegmentUpsert)
	mux.HandleFunc("GET /v1/query/{table}/customer", svc.handleFetchCustomer)
	mux.HandleFunc("GET /v1/query/{table}/property/{name}", svc.handlePropertyHistogram)
	mux.HandleFunc("POST /v1/query/{table}/histogram/{name}", svc.handleHistogram)
	mux.HandleFunc("POST /v1/query/{table}/batch", svc.handleBatch)

	mux.HandleFunc("PUT /v1/subscription/{table}/{segment}/{sub}", svc.handleSubscribe)

	mux.HandleFunc("GET /v1/internode/is_member", svc.handleIsMember)
	mux.HandleFunc("PUT /v1/internode/join_to_cluster", svc.handleJoinToCluster)
	mux.HandleFunc("PUT /v1/internode/add_node", svc.handleAddNode)
	mux.HandleFunc("POST /v1/internode/map_change", svc.handleMapChange)
	mux.HandleFunc("PUT /v1/internode/transfer", svc.handleTransfer)
	mux.HandleFunc("GET /v1/internode/translog", svc.handleTransLog)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /health", metrics.HealthHandler())
	mux.Handle("GET /ready", metrics.ReadyHandler())
	mux.Handle("GET /live", metrics.LivenessHandler())

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if oe, ok := openerr.As(err); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(oe)
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// --- cluster -----------------------------------------------------------

func (s *Services) handleClusterInit(w http.ResponseWriter, r *http.Request) {
	count, err := strconv.Atoi(r.URL.Query().Get("partitions"))
	if err != nil || count < 1 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("openset: partitions query parameter must be a positive integer"))
		return
	}
	if err := s.Cluster.InitPartitions(count); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	for _, name := range s.Tables.Names() {
		if tbl, ok := s.Tables.Get(name); ok {
			if err := s.mountPartitions(tbl); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"partitions": count})
}

// handleClusterJoin is called on an existing cluster member by an operator
// asking it to admit a brand-new node: it records the new node's route
// locally, asks the new node (via its own join_to_cluster internode
// endpoint) to adopt this node's view, then announces the new node to
// every other member it already knows about. A pragmatic simplification of
// the original's full gossip-based admission — see DESIGN.md.
func (s *Services) handleClusterJoin(w http.ResponseWriter, r *http.Request) {
	var route cluster.Route
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("openset: decode route: %w", err))
		return
	}
	s.Cluster.AddRoute(route)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.Transport.JoinToCluster(ctx, route, s.Self); err != nil {
		writeError(w, http.StatusBadGateway, fmt.Errorf("openset: tell new node to join: %w", err))
		return
	}
	for _, existing := range s.Cluster.Routes() {
		if existing.NodeID == route.NodeID || existing.NodeID == s.Self.NodeID {
			continue
		}
		if err := s.Transport.AddNode(ctx, existing, route); err != nil {
			log.WithComponent("openset").Warn().Err(err).Int64("node", existing.NodeID).Msg("failed to announce new node")
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// --- tables --------------------------------------------------------------

func (s *Services) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("table")
	tbl, err := s.CreateTable(name)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusCreated, tbl.Config())
}

func (s *Services) handleGetTable(w http.ResponseWriter, r *http.Request) {
	tbl, ok := s.Table(r.PathValue("table"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("openset: table %q not found", r.PathValue("table")))
		return
	}
	writeJSON(w, http.StatusOK, tbl.Config())
}

func (s *Services) handleDropTable(w http.ResponseWriter, r *http.Request) {
	if err := s.DropTable(r.PathValue("table")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Services) handleAddProperty(w http.ResponseWriter, r *http.Request) {
	tbl, ok := s.Table(r.PathValue("table"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("openset: table %q not found", r.PathValue("table")))
		return
	}
	ptype, err := parsePropertyType(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	isSet := r.URL.Query().Get("is_set") == "true"
	isCustomer := r.URL.Query().Get("is_customer") == "true"
	def, err := tbl.AddProperty(r.PathValue("name"), ptype, isSet, isCustomer)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err := s.Tables.Save(tbl); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Services) handleRemoveProperty(w http.ResponseWriter, r *http.Request) {
	tbl, ok := s.Table(r.PathValue("table"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("openset: table %q not found", r.PathValue("table")))
		return
	}
	if err := tbl.RemoveProperty(r.PathValue("name")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err := s.Tables.Save(tbl); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func parsePropertyType(v string) (table.PropertyType, error) {
	switch v {
	case "int", "":
		return table.PropertyInt, nil
	case "double":
		return table.PropertyDouble, nil
	case "text":
		return table.PropertyText, nil
	case "bool":
		return table.PropertyBool, nil
	default:
		return 0, fmt.Errorf("openset: unknown property type %q", v)
	}
}

// --- insert ---------------------------------------------------------------

// insertWire is one event in a POST /v1/insert/{table} body, mirroring the
// original's {person, stamp, _:{event, ...props}} shape. Person can be a
// JSON string (hashed into a customer id) or a JSON number (used as the
// customer id directly).
type insertWire struct {
	Person json.RawMessage            `json:"person"`
	Stamp  int64                      `json:"stamp"`
	Props  map[string]json.RawMessage `json:"_"`
}

func (s *Services) handleInsert(w http.ResponseWriter, r *http.Request) {
	tableName := r.PathValue("table")
	if _, ok := s.Table(tableName); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("openset: table %q not found", tableName))
		return
	}

	var rows []insertWire
	if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("openset: decode insert body: %w", err))
		return
	}

	dict := attribute.NewDictionary()
	accepted := 0
	for i, row := range rows {
		customerID, err := resolvePersonID(dict, row.Person)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("openset: row %d: %w", i, err))
			return
		}
		stamp := row.Stamp
		if stamp == 0 {
			stamp = time.Now().UnixMilli()
		}
		eventType := ""
		if raw, ok := row.Props["event"]; ok {
			_ = json.Unmarshal(raw, &eventType)
		}
		props, err := json.Marshal(row.Props)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("openset: row %d: re-marshal props: %w", i, err))
			return
		}
		if err := s.InsertRow(tableName, customerID, stamp, eventType, props); err != nil {
			writeError(w, http.StatusTooManyRequests, err)
			return
		}
		accepted++
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": accepted})
}

// resolvePersonID turns an insert row's "person" field into the int64
// customer id the rest of the system keys on. A JSON number is used
// verbatim; a JSON string is hashed through a disposable Dictionary —
// stateless (see pkg/attribute.Dictionary.Hash), so it's safe to call
// before the owning partition (and its own dictionary) is even known.
func resolvePersonID(dict *attribute.Dictionary, raw json.RawMessage) (int64, error) {
	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return dict.Hash(asString), nil
	}
	return 0, fmt.Errorf("person must be a string or an integer")
}

// --- query -----------------------------------------------------------------

type columnWire struct {
	Label string `json:"label"`
	Mode  string `json:"mode"`
}

type queryWire struct {
	Query    string                     `json:"query"`
	Columns  []columnWire               `json:"columns"`
	Segments []string                   `json:"segments"`
	Vars     map[string]json.RawMessage `json:"vars"`
}

func parseModifier(v string) (resultset.Modifier, error) {
	switch v {
	case "sum", "":
		return resultset.ModeSum, nil
	case "min":
		return resultset.ModeMin, nil
	case "max":
		return resultset.ModeMax, nil
	case "avg":
		return resultset.ModeAvg, nil
	case "count":
		return resultset.ModeCount, nil
	case "distinct":
		return resultset.ModeDistinct, nil
	case "value":
		return resultset.ModeValue, nil
	default:
		return 0, fmt.Errorf("openset: unknown column mode %q", v)
	}
}

func rawToValue(raw json.RawMessage) vm.Value {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return vm.FloatValue(f)
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return vm.BoolValue(b)
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return vm.StringValue(str)
	}
	return vm.NoneValue()
}

// runAcrossOwnedPartitions runs fn against every partition this node
// currently mounts for tableName and folds the results into one
// ResultSet, along with every partition's attribute Dictionary (needed to
// resolve a TypeString RowKey/column value back to text at emit time,
// since interning is per-partition — see pkg/attribute.Dictionary).
func (s *Services) runAcrossOwnedPartitions(tableName string, fn func(*partition.Partition) (*resultset.ResultSet, error)) (*resultset.ResultSet, []*attribute.Dictionary, error) {
	s.mu.RLock()
	parts := make([]*partition.Partition, 0, len(s.partitions[tableName]))
	for _, p := range s.partitions[tableName] {
		parts = append(parts, p)
	}
	s.mu.RUnlock()
	if len(parts) == 0 {
		return nil, nil, fmt.Errorf("openset: no locally owned partitions for table %q", tableName)
	}

	var merged *resultset.ResultSet
	dicts := make([]*attribute.Dictionary, 0, len(parts))
	for _, p := range parts {
		rs, err := fn(p)
		if err != nil {
			return nil, nil, err
		}
		if merged == nil {
			merged = rs
		} else {
			merged.Merge(rs)
		}
		dicts = append(dicts, p.Attrs.Dictionary())
	}
	return merged, dicts, nil
}

func textResolver(dicts []*attribute.Dictionary) func(int64) (string, bool) {
	return func(hash int64) (string, bool) {
		for _, d := range dicts {
			if text, ok := d.Text(hash); ok {
				return text, true
			}
		}
		return "", false
	}
}

func (s *Services) handleQuery(w http.ResponseWriter, r *http.Request) {
	tableName := r.PathValue("table")
	tbl, ok := s.Table(tableName)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("openset: table %q not found", tableName))
		return
	}

	var body queryWire
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("openset: decode query body: %w", err))
		return
	}
	raw, err := s.runQueryToJSON(r.Context(), tableName, tbl, body)
	if err != nil {
		writeQueryErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// runQueryToJSON compiles and runs one named query section against every
// partition tableName owns locally, returning the already-serialized
// ResultSet JSON. Shared by handleQuery and handleBatch's per-section
// dispatch so a batch document's query sections behave identically to a
// standalone POST /v1/query/{table}/event.
func (s *Services) runQueryToJSON(ctx context.Context, tableName string, tbl *table.Table, body queryWire) ([]byte, error) {
	bytecode, err := compileQuery(body.Query, tbl)
	if err != nil {
		return nil, err
	}
	columns, err := toColumnSpecs(body.Columns)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]vm.Value, len(body.Vars))
	for k, raw := range body.Vars {
		vars[k] = rawToValue(raw)
	}

	req := ops.QueryRequest{Bytecode: bytecode, Columns: columns, Segments: body.Segments, Vars: vars}
	result, dicts, err := s.runAcrossOwnedPartitions(tableName, func(p *partition.Partition) (*resultset.ResultSet, error) {
		return ops.RunQuery(ctx, p, req, requestTimeout)
	})
	if err != nil {
		return nil, err
	}
	return resultset.EmitJSON(result, resultset.EmitOptions{TextOf: textResolver(dicts)})
}

// writeQueryErr maps a compile/run error from a query path to a status code:
// openerr classification errors are always client-caused (bad query text),
// anything else reflects a runtime/cluster condition.
func writeQueryErr(w http.ResponseWriter, err error) {
	if _, ok := openerr.As(err); ok {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func (s *Services) handlePropertyHistogram(w http.ResponseWriter, r *http.Request) {
	tableName := r.PathValue("table")
	tbl, ok := s.Table(tableName)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("openset: table %q not found", tableName))
		return
	}
	propID, isText, ok := tbl.PropertyID(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("openset: property %q not found", r.PathValue("name")))
		return
	}

	mode, compare, err := parseCompare(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var segments []string
	if v := r.URL.Query().Get("segments"); v != "" {
		segments = append(segments, v)
	}

	req := ops.PropertyRequest{PropertyID: propID, IsText: isText, Segments: segments, Mode: mode, Compare: compare}
	result, dicts, err := s.runAcrossOwnedPartitions(tableName, func(p *partition.Partition) (*resultset.ResultSet, error) {
		return ops.RunPropertyHistogram(r.Context(), p, req, requestTimeout)
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	emitResult(w, result, dicts)
}

func parseCompare(q map[string][]string) (attribute.Mode, int64, error) {
	get := func(k string) (string, bool) {
		v, ok := q[k]
		if !ok || len(v) == 0 {
			return "", false
		}
		return v[0], true
	}
	pairs := []struct {
		key  string
		mode attribute.Mode
	}{
		{"eq", attribute.ModeEQ}, {"gt", attribute.ModeGT}, {"gte", attribute.ModeGTE},
		{"lt", attribute.ModeLT}, {"lte", attribute.ModeLTE},
	}
	for _, p := range pairs {
		if raw, ok := get(p.key); ok {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("openset: %s must be an integer: %w", p.key, err)
			}
			return p.mode, n, nil
		}
	}
	return attribute.ModePresent, 0, nil
}

type histogramWire struct {
	Query    string       `json:"query"`
	Columns  []columnWire `json:"columns"`
	Segments []string     `json:"segments"`
	Bucket   float64      `json:"bucket"`
	Min      float64      `json:"min"`
	Max      float64      `json:"max"`
}

func (s *Services) handleHistogram(w http.ResponseWriter, r *http.Request) {
	tableName := r.PathValue("table")
	tbl, ok := s.Table(tableName)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("openset: table %q not found", tableName))
		return
	}
	propID, _, ok := tbl.PropertyID(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("openset: property %q not found", r.PathValue("name")))
		return
	}
	def, _ := tbl.Property(r.PathValue("name"))

	var body histogramWire
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("openset: decode histogram body: %w", err))
		return
	}
	bytecode, err := compileQuery(body.Query, tbl)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	columns, err := toColumnSpecs(body.Columns)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req := ops.HistogramRequest{
		Bytecode: bytecode, PropertyID: propID, IsDouble: def.Type == table.PropertyDouble,
		Bucket: body.Bucket, Min: body.Min, Max: body.Max, Columns: columns, Segments: body.Segments,
	}
	result, dicts, err := s.runAcrossOwnedPartitions(tableName, func(p *partition.Partition) (*resultset.ResultSet, error) {
		return ops.RunHistogram(r.Context(), p, req, requestTimeout)
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	emitResult(w, result, dicts)
}

// segmentWire is the body of a segment upsert. Its script, refresh_seconds,
// on_insert and z_order fields are what pkg/table.SegmentScript persists;
// ttl_seconds only sets the live segment.Definition's TTL and is not
// persisted.
type segmentWire struct {
	Script         string `json:"script"`
	TTLSeconds     int64  `json:"ttl_seconds"`
	RefreshSeconds int    `json:"refresh_seconds"`
	OnInsert       bool   `json:"on_insert"`
	ZOrder         int    `json:"z_order"`
}

// handleSegmentUpsert registers or replaces a named segment's script,
// persists it on the table, and compiles+populates it on every partition
// this node owns immediately rather than waiting for the next scheduled
// segment.RefreshCell pass — matching oloop_segment.cpp's "build on
// register" behavior the segment engine's periodic refresh alone wouldn't
// give a caller who just asked for it.
func (s *Services) handleSegmentUpsert(w http.ResponseWriter, r *http.Request) {
	tableName := r.PathValue("table")
	tbl, ok := s.Table(tableName)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("openset: table %q not found", tableName))
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("openset: segment name query parameter is required"))
		return
	}

	var body segmentWire
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("openset: decode segment body: %w", err))
		return
	}

	if err := s.upsertSegment(r.Context(), tableName, tbl, name, body); err != nil {
		writeQueryErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// upsertSegment persists a segment's script on tbl and compiles+populates it
// on every partition this node owns immediately, rather than waiting for
// the next scheduled segment.RefreshCell pass. Shared by handleSegmentUpsert
// and handleBatch's per-section dispatch.
func (s *Services) upsertSegment(ctx context.Context, tableName string, tbl *table.Table, name string, body segmentWire) error {
	tbl.UpsertSegmentScript(table.SegmentScript{
		Name: name, Script: body.Script, ZOrder: body.ZOrder,
		OnInsert: body.OnInsert, RefreshSeconds: body.RefreshSeconds,
	})
	if err := s.Tables.Save(tbl); err != nil {
		return err
	}

	def := &segment.Definition{
		Name: name, Source: body.Script, TTL: time.Duration(body.TTLSeconds) * time.Second,
		RefreshInterval: time.Duration(body.RefreshSeconds) * time.Second, ZIndex: int64(body.ZOrder), OnInsert: body.OnInsert,
	}
	if err := segment.Compile(def, tbl.Resolver()); err != nil {
		return openerr.New(openerr.ClassParse, openerr.CodeSyntaxError, err.Error())
	}

	s.mu.RLock()
	parts := make([]*partition.Partition, 0, len(s.partitions[tableName]))
	for _, p := range s.partitions[tableName] {
		parts = append(parts, p)
	}
	s.mu.RUnlock()

	for _, p := range parts {
		shuttle := ops.NewShuttle[struct{}]()
		p.Loop.Queue(&segmentUpsertCell{partition: p, def: def, shuttle: shuttle}, async.Background, tableName)
		waitCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		_, err := shuttle.Wait(waitCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("openset: refresh segment %q on partition %d: %w", name, p.ID, err)
		}
	}
	return nil
}

// segmentUpsertCell registers def in a partition's segment store and
// evaluates it immediately, queued onto that partition's own loop since
// both the segment store and the attribute bitmaps it reads hold to the
// same single-writer-per-loop contract as every other partition mutation.
type segmentUpsertCell struct {
	partition *partition.Partition
	def       *segment.Definition
	shuttle   *ops.Shuttle[struct{}]
}

func (c *segmentUpsertCell) Prepare() {}

func (c *segmentUpsertCell) Run() async.Result {
	c.partition.Segments.Upsert(c.def)
	var err error
	if c.partition.Engine != nil {
		err = c.partition.Engine.RefreshOne(c.def)
	}
	c.shuttle.Reply(struct{}{}, err)
	return async.Done()
}

func (c *segmentUpsertCell) PartitionRemoved() {
	c.shuttle.Reply(struct{}{}, fmt.Errorf("openset: partition migrated, please retry"))
}

// batchWire is one document of multiple named sections: zero or more
// segment definitions to build/update before any query section runs, and
// zero or more named queries to run against them. Grounded on
// rpc_query.cpp's batch() (the original's single-text-document query
// format with embedded "segment"/"use"/plain sections), re-expressed as a
// JSON document of named arrays instead of a bespoke indentation-sensitive
// section grammar, matching the JSON wire shape every other endpoint here
// uses.
type batchWire struct {
	Segments []struct {
		Name string `json:"name"`
		segmentWire
	} `json:"segments"`
	Queries []struct {
		Name string `json:"name"`
		queryWire
	} `json:"queries"`
}

// batchResultWire is one named section's outcome: Result carries the raw
// query JSON on success, Error carries the rendered openerr/plain error
// otherwise. A batch never aborts early on a single section's failure —
// every section runs and reports independently, matching the original's
// per-section error capture inside its batch() handler.
type batchResultWire struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// handleBatch runs every segment definition in a document first (so later
// query sections can reference a segment built earlier in the same
// document), then every named query, and returns one JSON object keyed by
// section name.
func (s *Services) handleBatch(w http.ResponseWriter, r *http.Request) {
	tableName := r.PathValue("table")
	tbl, ok := s.Table(tableName)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("openset: table %q not found", tableName))
		return
	}

	var body batchWire
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("openset: decode batch body: %w", err))
		return
	}

	results := make(map[string]batchResultWire, len(body.Segments)+len(body.Queries))
	for _, section := range body.Segments {
		if err := s.upsertSegment(r.Context(), tableName, tbl, section.Name, section.segmentWire); err != nil {
			results[section.Name] = batchResultWire{Error: err.Error()}
			continue
		}
		results[section.Name] = batchResultWire{Result: json.RawMessage(`{"status":"ok"}`)}
	}
	for _, section := range body.Queries {
		raw, err := s.runQueryToJSON(r.Context(), tableName, tbl, section.queryWire)
		if err != nil {
			results[section.Name] = batchResultWire{Error: err.Error()}
			continue
		}
		results[section.Name] = batchResultWire{Result: raw}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Services) handleFetchCustomer(w http.ResponseWriter, r *http.Request) {
	tableName := r.PathValue("table")
	tbl, ok := s.Table(tableName)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("openset: table %q not found", tableName))
		return
	}
	idParam := r.URL.Query().Get("id")
	customerID, err := strconv.ParseInt(idParam, 10, 64)
	if err != nil {
		customerID = attribute.NewDictionary().Hash(idParam)
	}

	count := len(s.Cluster.PartitionIDs())
	partitionID := PartitionFor(customerID, count)
	p, ok := s.Partition(tableName, partitionID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("openset: partition %d not owned by this node", partitionID))
		return
	}
	row, err := ops.FetchCustomer(r.Context(), p, tbl, customerID, requestTimeout)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func compileQuery(src string, tbl *table.Table) (*lang.Bytecode, error) {
	prog, err := lang.Parse(src)
	if err != nil {
		return nil, openerr.New(openerr.ClassParse, openerr.CodeSyntaxError, err.Error())
	}
	bc, err := lang.Compile(prog, tbl.Resolver())
	if err != nil {
		return nil, openerr.New(openerr.ClassQuery, openerr.CodeGeneralQueryError, err.Error())
	}
	return bc, nil
}

func toColumnSpecs(cols []columnWire) ([]ops.ColumnSpec, error) {
	out := make([]ops.ColumnSpec, 0, len(cols))
	for _, c := range cols {
		mode, err := parseModifier(c.Mode)
		if err != nil {
			return nil, err
		}
		out = append(out, ops.ColumnSpec{Label: c.Label, Mode: mode})
	}
	return out, nil
}

func emitResult(w http.ResponseWriter, rs *resultset.ResultSet, dicts []*attribute.Dictionary) {
	body, err := resultset.EmitJSON(rs, resultset.EmitOptions{TextOf: textResolver(dicts)})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// --- subscriptions -----------------------------------------------------

type subscribeWire struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Path      string `json:"path"`
	Retention int64  `json:"retention_seconds"`
}

func (s *Services) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	tbl, ok := s.Table(r.PathValue("table"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("openset: table %q not found", r.PathValue("table")))
		return
	}
	var body subscribeWire
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("openset: decode subscription body: %w", err))
		return
	}
	tbl.Subscribers.Register(r.PathValue("segment"), segment.Subscription{
		Host: body.Host, Port: body.Port, Path: body.Path, Retention: time.Duration(body.Retention) * time.Second,
	})
	if err := s.Tables.Save(tbl); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// --- internode -----------------------------------------------------------

func (s *Services) handleIsMember(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{"node_id": s.Cluster.LocalNode()})
}

func (s *Services) handleJoinToCluster(w http.ResponseWriter, r *http.Request) {
	var route cluster.Route
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.Cluster.AddRoute(route)
	writeJSON(w, http.StatusOK, nil)
}

func (s *Services) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var route cluster.Route
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.Cluster.AddRoute(route)
	writeJSON(w, http.StatusOK, nil)
}

func (s *Services) handleMapChange(w http.ResponseWriter, r *http.Request) {
	var diff cluster.Diff
	if err := json.NewDecoder(r.Body).Decode(&diff); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cluster.ApplyDiff(diff,
		func(id int) { s.Cluster.SetPlacement(id, s.Cluster.LocalNode(), cluster.StateActiveOwner) },
		func(id int) { s.Cluster.SetPlacement(id, s.Cluster.LocalNode(), cluster.StateFree) },
		func(route cluster.Route) { s.Cluster.AddRoute(route) },
		func(nodeID int64) { s.Cluster.RemoveRoute(nodeID) },
	)
	writeJSON(w, http.StatusOK, nil)
}

// handleTransfer would receive a full partition snapshot blob for a clone
// node to adopt cold. No snapshot serializer exists for a Partition's
// attribute store and grid set yet (see DESIGN.md) — single-node operation
// and translog catch-up don't need it, so this is an honest stub rather
// than an invented wire format.
func (s *Services) handleTransfer(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, fmt.Errorf("openset: partition snapshot transfer is not implemented; use translog catch-up"))
}

func (s *Services) handleTransLog(w http.ResponseWriter, r *http.Request) {
	tableName := r.URL.Query().Get("table")
	partitionID, err := strconv.Atoi(r.URL.Query().Get("partition"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("openset: partition query parameter must be an integer"))
		return
	}
	blob, err := s.SideLog.TransferSegment(tableName, partitionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

// applyTransLog is the receiving side of handleTransLog's blob, used by a
// clone node catching its side log up to its owner's. It is not wired to
// an HTTP route and nothing in the repository calls it.
func (s *Services) applyTransLog(tableName string, partitionID int, blob []byte) error {
	return s.SideLog.ApplySegment(tableName, partitionID, blob)
}
