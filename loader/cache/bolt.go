// Package cache the code cache stores
package cache

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// DefaultPath the default directory of the code cache
	DefaultPath = "cache"
	// DefaultName the default file name of the code cache
	DefaultName = "code_cache.db"
)

var bucketName = []byte("code_cache")

// Bolt a code cache store backed by bbolt.
// The value of a specifier is the source hash followed by the cache data.
type Bolt struct {
	db *bbolt.DB
}

// NewBolt opens the code cache store at dir/name.
func NewBolt(dir, name string) (*Bolt, error) {
	if dir == "" {
		dir = DefaultPath
	}
	if name == "" {
		name = DefaultName
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(filepath.Join(dir, name), 0600, &bbolt.Options{
		Timeout:         1 * time.Second,
		InitialMmapSize: 1024,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db}, nil
}

// Get the code cache of the specifier, it is only returned if the
// hash matches the hash it was stored with.
func (b *Bolt) Get(specifier string, hash uint64) (data []byte, ok bool) {
	_ = b.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketName).Get([]byte(specifier))
		if len(value) < 8 || binary.BigEndian.Uint64(value) != hash {
			return nil
		}
		// the value is only valid during the transaction
		data = append([]byte(nil), value[8:]...)
		ok = true
		return nil
	})
	return
}

// Put the code cache of the specifier.
func (b *Bolt) Put(specifier string, hash uint64, data []byte) error {
	value := make([]byte, 8, 8+len(data))
	binary.BigEndian.PutUint64(value, hash)
	value = append(value, data...)
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(specifier), value)
	})
}

// Delete the code cache of the specifiers.
func (b *Bolt) Delete(specifiers ...string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		for _, specifier := range specifiers {
			if err := bucket.Delete([]byte(specifier)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Specifiers returns the specifiers which have a code cache.
func (b *Bolt) Specifiers() ([]string, error) {
	var ret []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, _ []byte) error {
			ret = append(ret, string(k))
			return nil
		})
	})
	return ret, err
}

// Close the store.
func (b *Bolt) Close() error { return b.db.Close() }
