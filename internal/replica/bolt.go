package replica

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRecords = []byte("records")

// BoltStore keeps records in a BoltDB file, one bucket keyed by id.
// Each value is an 8-byte big-endian version followed by the JSON data.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt creates or opens a BoltDB file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketRecords, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Begin(_ context.Context) (Tx, error) {
	btx, err := s.db.Begin(true)
	if err != nil {
		return nil, boltErr(err)
	}
	return &tx{kv: &boltTx{tx: btx, b: btx.Bucket(bucketRecords)}}, nil
}

func (s *BoltStore) Get(_ context.Context, id string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRecords).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		st, err := unpackValue(v)
		if err != nil {
			return fmt.Errorf("record %q: %w", id, err)
		}
		rec, err = toRecord(id, st)
		return err
	})
	return rec, boltErr(err)
}

func (s *BoltStore) List(_ context.Context) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			st, err := unpackValue(v)
			if err != nil {
				return fmt.Errorf("record %q: %w", k, err)
			}
			rec, err := toRecord(string(k), st)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, boltErr(err)
}

type boltTx struct {
	tx *bolt.Tx
	b  *bolt.Bucket
}

func (t *boltTx) get(_ context.Context, id string) (stored, bool, error) {
	v := t.b.Get([]byte(id))
	if v == nil {
		return stored{}, false, nil
	}
	st, err := unpackValue(v)
	if err != nil {
		return stored{}, false, err
	}
	return st, true, nil
}

func (t *boltTx) put(_ context.Context, id string, rec stored) error {
	return t.b.Put([]byte(id), packValue(rec))
}

func (t *boltTx) del(_ context.Context, id string) error {
	return t.b.Delete([]byte(id))
}

func (t *boltTx) truncate(context.Context) error {
	if err := t.tx.DeleteBucket(bucketRecords); err != nil {
		return fmt.Errorf("truncate records: %w", err)
	}
	b, err := t.tx.CreateBucket(bucketRecords)
	if err != nil {
		return fmt.Errorf("truncate records: %w", err)
	}
	t.b = b
	return nil
}

func (t *boltTx) commit() error {
	return t.tx.Commit()
}

func (t *boltTx) rollback() error {
	return t.tx.Rollback()
}

func packValue(st stored) []byte {
	buf := make([]byte, 8+len(st.data))
	binary.BigEndian.PutUint64(buf, st.version)
	copy(buf[8:], st.data)
	return buf
}

// unpackValue copies v, which is only valid for the life of the bolt
// transaction.
func unpackValue(v []byte) (stored, error) {
	if len(v) < 8 {
		return stored{}, fmt.Errorf("corrupt value of %d bytes", len(v))
	}
	data := make([]byte, len(v)-8)
	copy(data, v[8:])
	return stored{data: data, version: binary.BigEndian.Uint64(v)}, nil
}

func boltErr(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}
