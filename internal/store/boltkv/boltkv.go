// Package boltkv backs internal/transport.KV with go.etcd.io/bbolt, the
// default embedded store for embedders that don't want to bring their
// own (§6).
package boltkv

import (
	"errors"
	"fmt"
	"os"

	"go.etcd.io/bbolt"

	"github.com/hollowline/portal/internal/transport"
)

var bucketName = []byte("portal")

// KV implements transport.KV over a single bbolt file and bucket.
type KV struct {
	path string
	db   *bbolt.DB
}

// New returns a KV backed by the bbolt file at path. Open must be called
// before use, matching transport.KV's Open/Close lifecycle.
func New(path string) *KV {
	return &KV{path: path}
}

func (k *KV) Open() error {
	db, err := bbolt.Open(k.path, 0600, nil)
	if err != nil {
		return fmt.Errorf("boltkv: opening %s: %w", k.path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return fmt.Errorf("boltkv: creating bucket: %w", err)
	}
	k.db = db
	return nil
}

func (k *KV) Close() error {
	if k.db == nil {
		return nil
	}
	return k.db.Close()
}

func (k *KV) Get(key string) ([]byte, bool, error) {
	var val []byte
	err := k.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return val, val != nil, nil
}

func (k *KV) Put(key string, value []byte) error {
	return k.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), value)
	})
}

func (k *KV) Delete(key string) error {
	return k.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}

// Batch applies ops atomically in a single bbolt transaction.
func (k *KV) Batch(ops []transport.BatchOp) error {
	return k.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		for _, op := range ops {
			if op.Delete {
				if err := b.Delete([]byte(op.Key)); err != nil {
					return err
				}
				continue
			}
			if err := b.Put([]byte(op.Key), op.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Size returns the on-disk database file size in bytes.
func (k *KV) Size() (int64, error) {
	if k.db == nil {
		return 0, errors.New("boltkv: not open")
	}
	info, err := os.Stat(k.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

var _ transport.KV = (*KV)(nil)
