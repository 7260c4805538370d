package lang

import (
	"fmt"
	"strconv"
	"strings"
)

// SegmentBlock is one "@segment name k=v ..." header and the script source
// that follows it, up to the next header or end of input.
type SegmentBlock struct {
	Name   string
	TTL    int64  // seconds; 0 means no TTL
	Refresh int64 // seconds between scheduled refreshes; 0 means never
	OnInsert bool
	ZIndex int64
	UseCached bool
	Source string
	Line   int
}

// ScanSegments splits a multi-segment script file into SegmentBlocks. Each
// block starts at a line beginning with "@segment" (leading whitespace
// allowed) and runs until the next such line or EOF. A file with no
// "@segment" header at all is returned as a single unnamed block so plain
// single-script files (the common case for ad-hoc queries) still parse.
func ScanSegments(src string) ([]SegmentBlock, error) {
	lines := strings.Split(src, "\n")

	type header struct {
		line int
		text string
	}
	var headers []header
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "@segment") {
			headers = append(headers, header{line: i, text: line})
		}
	}

	if len(headers) == 0 {
		return []SegmentBlock{{Source: src}}, nil
	}

	var blocks []SegmentBlock
	for hi, h := range headers {
		end := len(lines)
		if hi+1 < len(headers) {
			end = headers[hi+1].line
		}
		body := strings.Join(lines[h.line+1:end], "\n")

		blk, err := parseSegmentHeader(h.text)
		if err != nil {
			return nil, fmt.Errorf("lang: segment header at line %d: %w", h.line+1, err)
		}
		blk.Source = body
		blk.Line = h.line + 1
		blocks = append(blocks, blk)
	}
	return blocks, nil
}

// parseSegmentHeader parses "@segment name ttl=3600 refresh=60 on_insert=true
// z_index=10 use_cached=true" style header lines. Unrecognized keys are
// rejected — a typo'd flag should fail loudly, not silently no-op.
func parseSegmentHeader(line string) (SegmentBlock, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 2 || fields[0] != "@segment" {
		return SegmentBlock{}, fmt.Errorf("expected '@segment <name> [k=v ...]'")
	}

	blk := SegmentBlock{Name: fields[1]}
	for _, f := range fields[2:] {
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			return SegmentBlock{}, fmt.Errorf("malformed param %q (want key=value)", f)
		}
		key, val := kv[0], kv[1]
		switch key {
		case "ttl":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return SegmentBlock{}, fmt.Errorf("ttl: %w", err)
			}
			blk.TTL = n
		case "refresh":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return SegmentBlock{}, fmt.Errorf("refresh: %w", err)
			}
			blk.Refresh = n
		case "on_insert":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return SegmentBlock{}, fmt.Errorf("on_insert: %w", err)
			}
			blk.OnInsert = b
		case "z_index":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return SegmentBlock{}, fmt.Errorf("z_index: %w", err)
			}
			blk.ZIndex = n
		case "use_cached":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return SegmentBlock{}, fmt.Errorf("use_cached: %w", err)
			}
			blk.UseCached = b
		default:
			return SegmentBlock{}, fmt.Errorf("unrecognized segment param %q", key)
		}
	}
	return blk, nil
}
