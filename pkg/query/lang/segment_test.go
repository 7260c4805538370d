package lang

import "testing"

func TestScanSegmentsSingleUnnamedBlock(t *testing.T) {
	blocks, err := ScanSegments("tally 1")
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Name != "" {
		t.Fatalf("expected a single unnamed block, got %+v", blocks)
	}
}

func TestScanSegmentsMultipleHeaders(t *testing.T) {
	src := `
@segment active_buyers ttl=3600 refresh=60 on_insert=true z_index=5
if purchased == 1 {
	tally 1
}

@segment churn_risk ttl=86400 use_cached=true
if last_seen == 0 {
	tally 1
}
`
	blocks, err := ScanSegments(src)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 segment blocks, got %d", len(blocks))
	}

	first := blocks[0]
	if first.Name != "active_buyers" || first.TTL != 3600 || first.Refresh != 60 || !first.OnInsert || first.ZIndex != 5 {
		t.Fatalf("unexpected first block: %+v", first)
	}
	if _, err := Parse(first.Source); err != nil {
		t.Fatalf("first block source did not parse: %v", err)
	}

	second := blocks[1]
	if second.Name != "churn_risk" || second.TTL != 86400 || !second.UseCached {
		t.Fatalf("unexpected second block: %+v", second)
	}
}

func TestParseSegmentHeaderRejectsUnknownParam(t *testing.T) {
	_, err := ScanSegments("@segment x bogus=1\ntally 1")
	if err == nil {
		t.Fatal("expected an error for an unrecognized segment param")
	}
}

func TestParseSegmentHeaderRequiresName(t *testing.T) {
	_, err := ScanSegments("@segment\ntally 1")
	if err == nil {
		t.Fatal("expected an error for a missing segment name")
	}
}
