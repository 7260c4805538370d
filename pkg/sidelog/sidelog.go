// Package sidelog implements the append-only per-(table, partition) insert
// log that sits in front of the grid. Inserts land here first so an HTTP
// handler can acknowledge a POST durably before the insert cell has
// actually mounted and committed the affected customers' grids. A read
// head per consumer survives restarts, so the insert cell resumes draining
// exactly where it left off.
package sidelog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/openset/pkg/metrics"
)

// BackpressureLimit is the backlog depth, per (table, partition), past
// which the insert path should stop acking new rows until the drain
// catches up.
const BackpressureLimit = 5000

var (
	bucketReadHeads = []byte("readheads")
)

// Row is one pending insert: a single JSON event destined for one
// customer on one table partition.
type Row struct {
	CustomerID int64           `json:"customer_id"`
	Stamp      int64           `json:"stamp"`
	EventType  string          `json:"event_type"`
	Props      json.RawMessage `json:"props"`
	Seq        uint64          `json:"-"`
}

// Log is a durable, append-only insert queue backed by bbolt. Safe for
// concurrent use.
type Log struct {
	mu sync.Mutex
	db *bolt.DB
}

// Open opens (creating if absent) a side log database under dataDir.
func Open(dataDir string) (*Log, error) {
	path := filepath.Join(dataDir, "sidelog.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("sidelog: open: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketReadHeads)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sidelog: init: %w", err)
	}

	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

func rowsBucketName(table string, partition int) []byte {
	return []byte(fmt.Sprintf("rows/%s/%d", table, partition))
}

func readHeadKey(table string, partition int, consumer string) []byte {
	return []byte(fmt.Sprintf("%s/%d/%s", table, partition, consumer))
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func seqFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}

// Append adds one row to the log for (table, partition), returning the
// sequence number it was assigned. Sequence numbers are monotonic within a
// (table, partition) pair and start at 1.
func (l *Log) Append(table string, partition int, row Row) (uint64, error) {
	var seq uint64
	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(rowsBucketName(table, partition))
		if err != nil {
			return err
		}
		seq, err = bucket.NextSequence()
		if err != nil {
			return err
		}
		row.Seq = seq
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("sidelog: append: %w", err)
	}

	backlog, _ := l.Backlog(table, partition, "")
	metrics.SideLogBacklog.WithLabelValues(table, fmt.Sprintf("%d", partition)).Set(float64(backlog))
	return seq, nil
}

func (l *Log) readHead(tx *bolt.Tx, table string, partition int, consumer string) uint64 {
	b := tx.Bucket(bucketReadHeads)
	v := b.Get(readHeadKey(table, partition, consumer))
	if v == nil {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

// Drain returns up to max rows after the consumer's current read head,
// without advancing it. Call Advance once the caller has durably applied
// the returned rows.
func (l *Log) Drain(table string, partition int, consumer string, max int) ([]Row, error) {
	var rows []Row
	err := l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rowsBucketName(table, partition))
		if bucket == nil {
			return nil
		}
		head := l.readHead(tx, table, partition, consumer)

		c := bucket.Cursor()
		for k, v := c.Seek(seqKey(head + 1)); k != nil && len(rows) < max; k, v = c.Next() {
			var row Row
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("sidelog: decode row %d: %w", seqFromKey(k), err)
			}
			row.Seq = seqFromKey(k)
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Advance moves consumer's read head past seq, so future Drain calls no
// longer return rows at or before it.
func (l *Log) Advance(table string, partition int, consumer string, seq uint64) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReadHeads)
		return b.Put(readHeadKey(table, partition, consumer), seqKey(seq))
	})
	if err != nil {
		return fmt.Errorf("sidelog: advance: %w", err)
	}

	backlog, _ := l.Backlog(table, partition, consumer)
	metrics.SideLogBacklog.WithLabelValues(table, fmt.Sprintf("%d", partition)).Set(float64(backlog))
	return nil
}

// Backlog returns the number of rows after consumer's read head. An empty
// consumer name reports the total row count regardless of any read head.
func (l *Log) Backlog(table string, partition int, consumer string) (int, error) {
	count := 0
	err := l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rowsBucketName(table, partition))
		if bucket == nil {
			return nil
		}
		var head uint64
		if consumer != "" {
			head = l.readHead(tx, table, partition, consumer)
		}

		c := bucket.Cursor()
		for k, _ := c.Seek(seqKey(head + 1)); k != nil; k, _ = c.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sidelog: backlog: %w", err)
	}
	return count, nil
}

// OverBackpressureLimit reports whether consumer's backlog on (table,
// partition) has reached BackpressureLimit, signaling the insert path
// should hold its HTTP reply until the drain catches up.
func (l *Log) OverBackpressureLimit(table string, partition int, consumer string) (bool, error) {
	backlog, err := l.Backlog(table, partition, consumer)
	if err != nil {
		return false, err
	}
	return backlog >= BackpressureLimit, nil
}
