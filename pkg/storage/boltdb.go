package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/wasm-watchdog/pkg/types"
)

var (
	// Bucket names
	bucketInstances = []byte("instances")
	bucketModules   = []byte("modules")
	bucketEvents    = []byte("events")
)

// DefaultMaxEvents bounds the event log
const DefaultMaxEvents = 10000

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db        *bolt.DB
	maxEvents int
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "watchdog.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketInstances, bucketModules, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, maxEvents: DefaultMaxEvents}, nil
}

// SetMaxEvents changes how many events are retained; n <= 0 keeps all
func (s *BoltStore) SetMaxEvents(n int) {
	s.maxEvents = n
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %s: %w", bucket, key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

// Instance operations
func (s *BoltStore) SaveInstance(rec *types.InstanceRecord) error {
	return s.put(bucketInstances, rec.ID, rec)
}

func (s *BoltStore) GetInstance(id string) (*types.InstanceRecord, error) {
	var rec types.InstanceRecord
	if err := s.get(bucketInstances, id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListInstances() ([]*types.InstanceRecord, error) {
	return s.listInstances(func(*types.InstanceRecord) bool { return true })
}

func (s *BoltStore) ListInstancesByFunction(function string) ([]*types.InstanceRecord, error) {
	return s.listInstances(func(rec *types.InstanceRecord) bool {
		return rec.Function == function
	})
}

func (s *BoltStore) listInstances(keep func(*types.InstanceRecord) bool) ([]*types.InstanceRecord, error) {
	var recs []*types.InstanceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var rec types.InstanceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if keep(&rec) {
				recs = append(recs, &rec)
			}
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) DeleteInstance(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete([]byte(id))
	})
}

// PruneInstances deletes records of instances terminated before the cutoff
func (s *BoltStore) PruneInstances(before time.Time) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec types.InstanceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.TerminatedAt.IsZero() && rec.TerminatedAt.Before(before) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		pruned = len(stale)
		return nil
	})
	return pruned, err
}

// Module operations
func (s *BoltStore) SaveModule(rec *types.ModuleRecord) error {
	return s.put(bucketModules, rec.Name, rec)
}

func (s *BoltStore) GetModule(name string) (*types.ModuleRecord, error) {
	var rec types.ModuleRecord
	if err := s.get(bucketModules, name, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListModules() ([]*types.ModuleRecord, error) {
	var recs []*types.ModuleRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModules).ForEach(func(k, v []byte) error {
			var rec types.ModuleRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// Event operations

// AppendEvent stores the event under the next sequence number and trims
// the log to the retention limit
func (s *BoltStore) AppendEvent(rec *EventRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.Seq = seq

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}

		if s.maxEvents > 0 && seq > uint64(s.maxEvents) {
			cutoff := seqKey(seq - uint64(s.maxEvents))
			var stale [][]byte
			c := b.Cursor()
			for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) <= 0; k, _ = c.Next() {
				stale = append(stale, append([]byte(nil), k...))
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ListEvents returns up to limit of the most recent events, oldest first.
// limit <= 0 returns all of them.
func (s *BoltStore) ListEvents(limit int) ([]*EventRecord, error) {
	var recs []*EventRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(recs) >= limit {
				break
			}
			var rec EventRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// seqKey encodes big-endian so keys sort numerically
func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

var _ Store = (*BoltStore)(nil)
