package history

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// ErrClosed is returned by a closed archive.
var ErrClosed = errors.New("history archive closed")

// BoltArchive stores history entries in a bbolt file, one top-level bucket
// per kind with a nested bucket per user. Keys sort chronologically.
type BoltArchive struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the archive at path.
func OpenBolt(path string) (*BoltArchive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening history archive: %w", err)
	}
	return &BoltArchive{db: db}, nil
}

// Close releases the underlying database.
func (a *BoltArchive) Close() error {
	if a.db == nil {
		return ErrClosed
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func entryKey(id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(time.Now().UnixNano()))
	return append(key, id...)
}

// Append stores data and trims the user's bucket to the newest limit entries.
func (a *BoltArchive) Append(kind, userID, id string, data []byte, limit int) error {
	if a.db == nil {
		return ErrClosed
	}
	return a.db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(kind))
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		b, err := root.CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return fmt.Errorf("failed to create user bucket: %w", err)
		}
		if err := b.Put(entryKey(id), data); err != nil {
			return err
		}
		if limit <= 0 {
			return nil
		}

		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for i := 0; i < len(keys)-limit; i++ {
			if err := b.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recent returns up to limit of the user's newest entries, oldest first.
func (a *BoltArchive) Recent(kind, userID string, limit int) ([][]byte, error) {
	if a.db == nil {
		return nil, ErrClosed
	}
	var out [][]byte
	err := a.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(kind))
		if root == nil {
			return nil
		}
		b := root.Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Prev() {
			out = append(out, append([]byte(nil), v...))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
