package grid

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// CustomerData is a customer's event history at rest: identity, flags, and
// an LZ4-compressed columnar payload. It is the unit a partition's people
// store keeps in memory between uses and the unit written to the page
// store on disk.
type CustomerData struct {
	CustomerID int64
	LinearID   int64
	Flags      uint32
	Compressed []byte
}

type decoded struct {
	stamps   []int64
	events   []int64
	sessions []int32
	cells    map[int][]int64
	flags    []FlagRecord
}

// encode serializes a decoded row set and compresses it into a CustomerData
// blob carrying the given meta identity.
func encode(d decoded, meta Meta) (*CustomerData, error) {
	var raw bytes.Buffer

	writeInt64Slice(&raw, d.stamps)
	writeInt64Slice(&raw, d.events)
	writeInt32Slice(&raw, d.sessions)

	_ = binary.Write(&raw, binary.LittleEndian, int32(len(d.cells)))
	for propID, col := range d.cells {
		_ = binary.Write(&raw, binary.LittleEndian, int32(propID))
		writeInt64Slice(&raw, col)
	}

	_ = binary.Write(&raw, binary.LittleEndian, int32(len(d.flags)))
	for _, f := range d.flags {
		_ = binary.Write(&raw, binary.LittleEndian, int32(f.Type))
		_ = binary.Write(&raw, binary.LittleEndian, f.Ref)
		_ = binary.Write(&raw, binary.LittleEndian, f.Context)
		_ = binary.Write(&raw, binary.LittleEndian, f.Stamp)
	}

	var compressed bytes.Buffer
	w := lz4.NewWriter(&compressed)
	if _, err := w.Write(raw.Bytes()); err != nil {
		return nil, fmt.Errorf("grid: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("grid: compress: %w", err)
	}

	return &CustomerData{
		CustomerID: meta.CustomerID,
		LinearID:   meta.LinearID,
		Flags:      meta.Flags,
		Compressed: compressed.Bytes(),
	}, nil
}

// decode decompresses and deserializes a CustomerData blob into row
// columns. LZ4 or truncation failures are reported; callers at the
// partition boundary treat them as corruption of that customer's record.
func decode(cd *CustomerData) (decoded, error) {
	r := lz4.NewReader(bytes.NewReader(cd.Compressed))
	var raw bytes.Buffer
	if _, err := raw.ReadFrom(r); err != nil {
		return decoded{}, fmt.Errorf("grid: decompress: %w", err)
	}

	buf := bytes.NewReader(raw.Bytes())

	stamps, err := readInt64Slice(buf)
	if err != nil {
		return decoded{}, fmt.Errorf("grid: decode stamps: %w", err)
	}
	events, err := readInt64Slice(buf)
	if err != nil {
		return decoded{}, fmt.Errorf("grid: decode events: %w", err)
	}
	sessions, err := readInt32Slice(buf)
	if err != nil {
		return decoded{}, fmt.Errorf("grid: decode sessions: %w", err)
	}

	var colCount int32
	if err := binary.Read(buf, binary.LittleEndian, &colCount); err != nil {
		return decoded{}, fmt.Errorf("grid: decode column count: %w", err)
	}
	cells := make(map[int][]int64, colCount)
	for i := int32(0); i < colCount; i++ {
		var propID int32
		if err := binary.Read(buf, binary.LittleEndian, &propID); err != nil {
			return decoded{}, fmt.Errorf("grid: decode column id: %w", err)
		}
		col, err := readInt64Slice(buf)
		if err != nil {
			return decoded{}, fmt.Errorf("grid: decode column values: %w", err)
		}
		cells[int(propID)] = col
	}

	var flagCount int32
	if err := binary.Read(buf, binary.LittleEndian, &flagCount); err != nil {
		return decoded{}, fmt.Errorf("grid: decode flag count: %w", err)
	}
	flags := make([]FlagRecord, 0, flagCount)
	for i := int32(0); i < flagCount; i++ {
		var ftype int32
		var ref, context, stamp int64
		if err := binary.Read(buf, binary.LittleEndian, &ftype); err != nil {
			return decoded{}, fmt.Errorf("grid: decode flag: %w", err)
		}
		if err := binary.Read(buf, binary.LittleEndian, &ref); err != nil {
			return decoded{}, fmt.Errorf("grid: decode flag: %w", err)
		}
		if err := binary.Read(buf, binary.LittleEndian, &context); err != nil {
			return decoded{}, fmt.Errorf("grid: decode flag: %w", err)
		}
		if err := binary.Read(buf, binary.LittleEndian, &stamp); err != nil {
			return decoded{}, fmt.Errorf("grid: decode flag: %w", err)
		}
		flags = append(flags, FlagRecord{Type: int(ftype), Ref: ref, Context: context, Stamp: stamp})
	}

	return decoded{stamps: stamps, events: events, sessions: sessions, cells: cells, flags: flags}, nil
}

func writeInt64Slice(buf *bytes.Buffer, s []int64) {
	_ = binary.Write(buf, binary.LittleEndian, int32(len(s)))
	for _, v := range s {
		_ = binary.Write(buf, binary.LittleEndian, v)
	}
}

func readInt64Slice(buf *bytes.Reader) ([]int64, error) {
	var n int32
	if err := binary.Read(buf, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([]int64, n)
	for i := range out {
		if err := binary.Read(buf, binary.LittleEndian, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func writeInt32Slice(buf *bytes.Buffer, s []int32) {
	_ = binary.Write(buf, binary.LittleEndian, int32(len(s)))
	for _, v := range s {
		_ = binary.Write(buf, binary.LittleEndian, v)
	}
}

func readInt32Slice(buf *bytes.Reader) ([]int32, error) {
	var n int32
	if err := binary.Read(buf, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := range out {
		if err := binary.Read(buf, binary.LittleEndian, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
