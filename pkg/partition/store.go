package partition

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/openset/pkg/attribute"
	"github.com/cuemby/openset/pkg/grid"
)

var (
	bucketCustomers = []byte("customers")   // linear_id -> gob(CustomerData)
	bucketLinearIDs = []byte("linear_ids")  // customer_id -> linear_id
	bucketMeta      = []byte("meta")        // "stop_bit" -> next linear id
	bucketAttrPages = []byte("attr_pages")  // (property_id, value_hash) -> LZ4(roaring bitmap)
)

var keyStopBit = []byte("stop_bit")

// Store is the durable home for one (table, partition)'s customer blobs,
// keyed by linear id with a secondary customer-id-to-linear-id index so a
// repeat customer reuses their slot instead of growing the linear space
// unbounded. Mirrors the bucket-per-kind bbolt layout warren's boltdb.go
// store uses for cluster state, scoped down to one partition's people.
type Store struct {
	mu sync.Mutex
	db *bolt.DB
}

// OpenStore opens (creating if absent) the people store for a single
// partition of table under dataDir.
func OpenStore(dataDir, table string, partitionID int) (*Store, error) {
	path := filepath.Join(dataDir, fmt.Sprintf("%s.part%d.people.db", table, partitionID))
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("partition: open people store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCustomers, bucketLinearIDs, bucketMeta, bucketAttrPages} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("partition: init people store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func linearKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

// StopBit returns the next linear id that would be assigned, i.e. one past
// the highest ever handed out on this partition.
func (s *Store) StopBit() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stop int64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyStopBit)
		if v != nil {
			stop = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return stop, err
}

// LinearIDFor returns the linear id already assigned to customerID, if any.
func (s *Store) LinearIDFor(customerID int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id int64
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLinearIDs).Get(linearKey(customerID))
		if v != nil {
			id = int64(binary.BigEndian.Uint64(v))
			ok = true
		}
		return nil
	})
	return id, ok, err
}

// AssignLinearID allocates the next linear id for customerID and persists
// the customer_id -> linear_id mapping and the advanced stop bit in one
// transaction.
func (s *Store) AssignLinearID(customerID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var assigned int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		var next int64
		if v := meta.Get(keyStopBit); v != nil {
			next = int64(binary.BigEndian.Uint64(v))
		}
		assigned = next
		if err := meta.Put(keyStopBit, linearKey(next+1)); err != nil {
			return err
		}
		return tx.Bucket(bucketLinearIDs).Put(linearKey(customerID), linearKey(assigned))
	})
	if err != nil {
		return 0, fmt.Errorf("partition: assign linear id: %w", err)
	}
	return assigned, nil
}

// Load reads a customer's blob back from disk, ok=false if the linear id
// has never been written (a brand-new customer whose grid is still empty).
func (s *Store) Load(linearID int64) (*grid.CustomerData, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cd *grid.CustomerData
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCustomers).Get(linearKey(linearID))
		if v == nil {
			return nil
		}
		var decoded grid.CustomerData
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&decoded); err != nil {
			return fmt.Errorf("partition: decode customer %d: %w", linearID, err)
		}
		cd = &decoded
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return cd, cd != nil, nil
}

// Save persists cd under its linear id.
func (s *Store) Save(cd *grid.CustomerData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cd); err != nil {
		return fmt.Errorf("partition: encode customer %d: %w", cd.LinearID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCustomers).Put(linearKey(cd.LinearID), buf.Bytes())
	})
}

// Delete removes a customer's blob, used when Cull empties their grid.
func (s *Store) Delete(linearID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCustomers).Delete(linearKey(linearID))
	})
}

// attrPageKey packs (propertyID, valueHash) into the attr_pages bucket's
// fixed-width key: 4 bytes property id, 8 bytes value hash.
func attrPageKey(propertyID int, valueHash int64) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint32(key[:4], uint32(propertyID))
	binary.BigEndian.PutUint64(key[4:], uint64(valueHash))
	return key
}

// SaveAttrPage implements attribute.PageStore: persists a cold attribute
// cell's LZ4-compressed bitmap, called by attribute.Store when its hot LRU
// evicts that cell.
func (s *Store) SaveAttrPage(propertyID int, valueHash int64, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttrPages).Put(attrPageKey(propertyID, valueHash), blob)
	})
}

// LoadAttrPages implements attribute.PageStore: returns every persisted
// attribute page, used once at partition startup to restore attribute
// state that would otherwise vanish across a restart.
func (s *Store) LoadAttrPages() (map[attribute.PageKey][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[attribute.PageKey][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttrPages).ForEach(func(k, v []byte) error {
			if len(k) != 12 {
				return nil
			}
			key := attribute.PageKey{
				PropertyID: int(binary.BigEndian.Uint32(k[:4])),
				ValueHash:  int64(binary.BigEndian.Uint64(k[4:])),
			}
			out[key] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
