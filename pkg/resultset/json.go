package resultset

import (
	"encoding/json"
	"math"
	"sort"
)

// SortMode chooses how EmitJSON orders a ResultSet's rows at one group
// level before rendering.
type SortMode int

const (
	// SortByKey keeps the fixed RowKey tie-breaker order (the default).
	SortByKey SortMode = iota
	// SortByColumn orders rows by a named column's rendered value,
	// descending, matching "top N" style query results.
	SortByColumn
)

// HistogramBounds requests dense bucket-filling for one group level: every
// multiple of Bucket between Min and Max is present in the emitted output
// even if no row tallied into it, with the configured column's zero value.
type HistogramBounds struct {
	Enabled bool
	Min     float64
	Max     float64
	Bucket  float64
}

// EmitOptions controls EmitJSON's row ordering, trimming, and histogram
// bucket-filling.
type EmitOptions struct {
	Sort       SortMode
	SortColumn int // column index used when Sort == SortByColumn
	TrimTo     int // 0 means no trim
	Histogram  HistogramBounds
	// TextOf resolves a TypeString KeyPart's value_hash to display text.
	TextOf func(hash int64) (string, bool)
}

// Row is one group's rendered output: Key holds one value per group level
// (string for TypeString parts, float64 for TypeInt/histogram parts), and
// Columns holds one rendered value per (segment, column) cell, named "c",
// "c2", "c3"... per segment the way the original engine's JSON emit does.
type Row struct {
	Key     []interface{}          `json:"key"`
	Columns map[string]interface{} `json:"columns"`
}

// EmitJSON renders rs into a sorted, optionally bucket-filled and trimmed
// row list, then marshals it to JSON.
func EmitJSON(rs *ResultSet, opts EmitOptions) ([]byte, error) {
	rows := buildRows(rs, opts)

	switch opts.Sort {
	case SortByColumn:
		sort.SliceStable(rows, func(i, j int) bool {
			return columnValue(rows[i], 0, opts.SortColumn) > columnValue(rows[j], 0, opts.SortColumn)
		})
	default:
		sort.SliceStable(rows, func(i, j int) bool { return rowKeyLess(rows[i].Key, rows[j].Key) })
	}

	if opts.TrimTo > 0 && len(rows) > opts.TrimTo {
		rows = rows[:opts.TrimTo]
	}

	return json.Marshal(rows)
}

func buildRows(rs *ResultSet, opts EmitOptions) []Row {
	keys := rs.SortedKeys()
	rows := make([]Row, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, renderRow(rs, key, opts))
	}

	if opts.Histogram.Enabled {
		rows = fillHistogram(rs, rows, opts)
	}

	return rows
}

func renderRow(rs *ResultSet, key RowKey, opts EmitOptions) Row {
	out := Row{Key: make([]interface{}, 0, MaxGroupLevels), Columns: map[string]interface{}{}}
	for _, part := range key {
		if !part.Valid {
			continue
		}
		out.Key = append(out.Key, renderKeyPart(part, opts.TextOf))
	}

	acc := rs.Rows[key]
	for segment := 0; segment < rs.Schema.SegmentCount; segment++ {
		for column := 0; column < rs.Schema.ColumnCount; column++ {
			cell := acc[rs.Schema.index(segment, column)]
			out.Columns[columnName(segment)] = cell.Result(rs.Schema.Modifiers[column])
		}
	}
	return out
}

func renderKeyPart(part KeyPart, textOf func(int64) (string, bool)) interface{} {
	if part.Type == TypeString {
		if textOf != nil {
			if s, ok := textOf(part.Value); ok {
				return s
			}
		}
		return part.Value
	}
	return float64(part.Value)
}

// columnName mirrors the original engine's "c", "c2", "c3"... per-segment
// column naming: segment 0 is "c", segment N is "c" + (N+1).
func columnName(segment int) string {
	if segment == 0 {
		return "c"
	}
	n := segment + 1
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return "c" + string(digits)
}

func columnValue(r Row, segment, column int) float64 {
	v, ok := r.Columns[columnName(segment)]
	if !ok {
		return 0
	}
	f, _ := v.(float64)
	return f
}

func rowKeyLess(a, b []interface{}) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		af, aIsFloat := a[i].(float64)
		bf, bIsFloat := b[i].(float64)
		if aIsFloat && bIsFloat {
			if af != bf {
				return af < bf
			}
			continue
		}
		as, aIsStr := a[i].(string)
		bs, bIsStr := b[i].(string)
		if aIsStr && bIsStr {
			if as != bs {
				return as < bs
			}
			continue
		}
	}
	return len(a) < len(b)
}

// fillHistogram inserts a zero-valued row for every bucket between Min and
// Max that tallying never touched, using the first key level as the
// histogram axis. Existing rows retain their tallied values; only missing
// buckets are synthesized.
func fillHistogram(rs *ResultSet, rows []Row, opts EmitOptions) []Row {
	present := map[float64]bool{}
	for _, r := range rows {
		if len(r.Key) == 0 {
			continue
		}
		if f, ok := r.Key[0].(float64); ok {
			present[bucketKey(f, opts.Histogram.Bucket)] = true
		}
	}

	zeroColumns := func() map[string]interface{} {
		cols := map[string]interface{}{}
		for segment := 0; segment < rs.Schema.SegmentCount; segment++ {
			cols[columnName(segment)] = 0.0
		}
		return cols
	}

	b := opts.Histogram.Bucket
	if b <= 0 {
		b = 1
	}
	for v := opts.Histogram.Min; v <= opts.Histogram.Max+b/2; v += b {
		bk := bucketKey(v, b)
		if present[bk] {
			continue
		}
		rows = append(rows, Row{Key: []interface{}{bk}, Columns: zeroColumns()})
		present[bk] = true
	}
	return rows
}

// bucketKey snaps v onto the nearest bucket boundary to absorb floating
// point drift from repeated addition in the fill loop.
func bucketKey(v, bucket float64) float64 {
	if bucket <= 0 {
		return v
	}
	return math.Round(v/bucket) * bucket
}
