package sidelog

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// TransferSegment serializes every row currently in (table, partition)'s
// log into an opaque byte block suitable for shipping to a replica over
// the internode transport. The block carries each row's original sequence
// number so ApplySegment can preserve read-head semantics across a
// promotion.
func (l *Log) TransferSegment(table string, partition int) ([]byte, error) {
	var out bytes.Buffer
	err := l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rowsBucketName(table, partition))
		if bucket == nil {
			return binary.Write(&out, binary.LittleEndian, uint32(0))
		}

		var count uint32
		_ = bucket.ForEach(func(k, v []byte) error { count++; return nil })
		if err := binary.Write(&out, binary.LittleEndian, count); err != nil {
			return err
		}

		return bucket.ForEach(func(k, v []byte) error {
			if err := binary.Write(&out, binary.LittleEndian, seqFromKey(k)); err != nil {
				return err
			}
			if err := binary.Write(&out, binary.LittleEndian, uint32(len(v))); err != nil {
				return err
			}
			_, err := out.Write(v)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("sidelog: transfer segment: %w", err)
	}
	return out.Bytes(), nil
}

// ApplySegment writes every row in a block produced by TransferSegment into
// the local log for (table, partition) under its original sequence number,
// replacing any local row stored under the same number, and raises the
// log's sequence counter to the highest number applied, so a receiving
// replica's read heads stay meaningful after promotion.
func (l *Log) ApplySegment(table string, partition int, block []byte) error {
	buf := bytes.NewReader(block)

	var count uint32
	if err := binary.Read(buf, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("sidelog: apply segment: %w", err)
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(rowsBucketName(table, partition))
		if err != nil {
			return err
		}

		for i := uint32(0); i < count; i++ {
			var seq uint64
			if err := binary.Read(buf, binary.LittleEndian, &seq); err != nil {
				return fmt.Errorf("sidelog: apply segment: decode seq: %w", err)
			}
			var size uint32
			if err := binary.Read(buf, binary.LittleEndian, &size); err != nil {
				return fmt.Errorf("sidelog: apply segment: decode size: %w", err)
			}
			data := make([]byte, size)
			if _, err := buf.Read(data); err != nil {
				return fmt.Errorf("sidelog: apply segment: decode row: %w", err)
			}

			var row Row
			if err := json.Unmarshal(data, &row); err != nil {
				return fmt.Errorf("sidelog: apply segment: invalid row: %w", err)
			}

			if err := bucket.Put(seqKey(seq), data); err != nil {
				return err
			}
			if seq >= bucket.Sequence() {
				if err := bucket.SetSequence(seq); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
