package localstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("alfred")

// BoltRepository stores records in a single bbolt bucket.
type BoltRepository struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the bbolt file at path.
func OpenBolt(path string) (*BoltRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltRepository{db: db}, nil
}

func (r *BoltRepository) Get(name string) ([]byte, error) {
	var out []byte
	err := r.db.View(func(tx *bolt.Tx) error {
		v, err := (boltTx{tx}).Get(name)
		out = v
		return err
	})
	return out, err
}

func (r *BoltRepository) Update(fn func(tx Tx) error) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return fn(boltTx{tx})
	})
}

func (r *BoltRepository) Close() error {
	return r.db.Close()
}

type boltTx struct {
	tx *bolt.Tx
}

func (t boltTx) Get(name string) ([]byte, error) {
	v := t.tx.Bucket(boltBucket).Get([]byte(name))
	if v == nil {
		return nil, ErrNoRecord
	}
	// bolt values are only valid for the life of the transaction.
	return append([]byte(nil), v...), nil
}

func (t boltTx) Put(name string, value []byte) error {
	return t.tx.Bucket(boltBucket).Put([]byte(name), value)
}

func (t boltTx) Delete(name string) error {
	return t.tx.Bucket(boltBucket).Delete([]byte(name))
}
