package resultset

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// internodeMagic is the two-byte marker multiset_to_internode prefixes
// every wire blob with; the demuxer sniffs this before attempting to parse
// anything else as a premerged result.
var internodeMagic = [2]byte{0x01, 0x02}

// TextResolver looks up the interned string for a dictionary value_hash,
// e.g. pkg/attribute.Dictionary.Text. Encode uses it to ship the text
// behind every TypeString RowKey level so the receiving node does not need
// to share a dictionary.
type TextResolver func(hash int64) (string, bool)

// Encode serializes rs into the internode binary wire format: a 2-byte
// magic, row and text counts, then (row key, accumulator) pairs in sorted
// key order, then (value_hash, text) pairs for every distinct TypeString
// key value encountered.
func Encode(rs *ResultSet, resolve TextResolver) ([]byte, error) {
	keys := rs.SortedKeys()

	texts := map[int64]string{}
	for _, k := range keys {
		for _, part := range k {
			if part.Valid && part.Type == TypeString {
				if _, ok := texts[part.Value]; ok {
					continue
				}
				if resolve == nil {
					continue
				}
				if s, ok := resolve(part.Value); ok {
					texts[part.Value] = s
				}
			}
		}
	}

	var buf bytes.Buffer
	buf.Write(internodeMagic[:])
	if err := binary.Write(&buf, binary.LittleEndian, int64(len(keys))); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, int64(len(texts))); err != nil {
		return nil, err
	}

	for _, key := range keys {
		if err := writeRowKey(&buf, key); err != nil {
			return nil, err
		}
		acc := rs.Rows[key]
		for _, cell := range acc {
			if err := binary.Write(&buf, binary.LittleEndian, cell.Value); err != nil {
				return nil, err
			}
			if err := binary.Write(&buf, binary.LittleEndian, cell.Count); err != nil {
				return nil, err
			}
		}
	}

	for hash, text := range texts {
		if err := binary.Write(&buf, binary.LittleEndian, hash); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, int32(len(text))); err != nil {
			return nil, err
		}
		buf.WriteString(text)
		buf.WriteByte(0x00)
	}

	return buf.Bytes(), nil
}

func writeRowKey(buf *bytes.Buffer, key RowKey) error {
	for _, part := range key {
		valid := byte(0)
		if part.Valid {
			valid = 1
		}
		buf.WriteByte(valid)
		buf.WriteByte(part.Type)
		if err := binary.Write(buf, binary.LittleEndian, part.Value); err != nil {
			return err
		}
	}
	return nil
}

// Decode reconstructs a "premerged" ResultSet plus the text table it shipped
// with, from a blob produced by Encode. schema must match the encoding
// side's schema (column/segment counts and modifiers travel out of band,
// the same way the originator already knows what query produced the blob).
func Decode(schema Schema, blob []byte) (*ResultSet, map[int64]string, error) {
	if len(blob) < 2 || blob[0] != internodeMagic[0] || blob[1] != internodeMagic[1] {
		return nil, nil, fmt.Errorf("resultset: missing internode marker")
	}
	r := bytes.NewReader(blob[2:])

	var rowCount, textCount int64
	if err := binary.Read(r, binary.LittleEndian, &rowCount); err != nil {
		return nil, nil, fmt.Errorf("resultset: decode row count: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &textCount); err != nil {
		return nil, nil, fmt.Errorf("resultset: decode text count: %w", err)
	}

	rs := New(schema)
	for i := int64(0); i < rowCount; i++ {
		key, err := readRowKey(r)
		if err != nil {
			return nil, nil, fmt.Errorf("resultset: decode row key %d: %w", i, err)
		}
		acc := schema.newAccumulator()
		for c := range acc {
			var value float64
			var count int64
			if err := binary.Read(r, binary.LittleEndian, &value); err != nil {
				return nil, nil, fmt.Errorf("resultset: decode cell value: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
				return nil, nil, fmt.Errorf("resultset: decode cell count: %w", err)
			}
			acc[c] = Cell{Value: value, Count: count}
		}
		rs.Rows[key] = acc
	}

	texts := make(map[int64]string, textCount)
	for i := int64(0); i < textCount; i++ {
		var hash int64
		if err := binary.Read(r, binary.LittleEndian, &hash); err != nil {
			return nil, nil, fmt.Errorf("resultset: decode text hash: %w", err)
		}
		var length int32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, nil, fmt.Errorf("resultset: decode text length: %w", err)
		}
		data := make([]byte, length)
		if _, err := r.Read(data); err != nil {
			return nil, nil, fmt.Errorf("resultset: decode text bytes: %w", err)
		}
		var term [1]byte
		if _, err := r.Read(term[:]); err != nil || term[0] != 0x00 {
			return nil, nil, fmt.Errorf("resultset: text entry missing terminator")
		}
		texts[hash] = string(data)
	}

	return rs, texts, nil
}

func readRowKey(r *bytes.Reader) (RowKey, error) {
	var key RowKey
	for i := 0; i < MaxGroupLevels; i++ {
		validByte, err := r.ReadByte()
		if err != nil {
			return key, err
		}
		typeByte, err := r.ReadByte()
		if err != nil {
			return key, err
		}
		var value int64
		if err := binary.Read(r, binary.LittleEndian, &value); err != nil {
			return key, err
		}
		key[i] = KeyPart{Valid: validByte != 0, Type: typeByte, Value: value}
	}
	return key, nil
}
