package durablefs

import (
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/wippyai/wasm-kernel/errors"
)

var (
	bucketData      = []byte("FILE_DATA")
	bucketTimestamp = []byte("timestamp")
	bucketMeta      = []byte("meta")

	keyMountpoint = []byte("mountpoint")
)

// BoltStore persists entries in a bbolt database file. The FILE_DATA bucket
// holds full records, the timestamp bucket the index scanned on every sync.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Storage("open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketData, bucketTimestamp, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Storage("create buckets", err)
	}
	return &BoltStore{db: db}, nil
}

// Path returns the database file name.
func (s *BoltStore) Path() string { return s.db.Path() }

// SetMountpoint records the guest path the store is mounted at.
func (s *BoltStore) SetMountpoint(p string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyMountpoint, []byte(p))
	})
	if err != nil {
		return errors.Storage("set mountpoint", err)
	}
	return nil
}

// Mountpoint returns the recorded guest path, or "" if none was stored.
func (s *BoltStore) Mountpoint() (string, error) {
	var p string
	err := s.db.View(func(tx *bolt.Tx) error {
		p = string(tx.Bucket(bucketMeta).Get(keyMountpoint))
		return nil
	})
	if err != nil {
		return "", errors.Storage("get mountpoint", err)
	}
	return p, nil
}

func (s *BoltStore) Timestamps() (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTimestamp).ForEach(func(k, v []byte) error {
			ts, err := decodeTimestamp(v)
			if err != nil {
				return err
			}
			out[string(k)] = ts
			return nil
		})
	})
	if err != nil {
		return nil, errors.Storage("scan index", err)
	}
	return out, nil
}

func (s *BoltStore) Load(paths []string) (map[string]Entry, error) {
	out := make(map[string]Entry, len(paths))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketData)
		for _, p := range paths {
			raw := b.Get([]byte(p))
			if raw == nil {
				return errors.NotFound(errors.PhasePersist, "entry", p)
			}
			// decodeEntry copies contents out of the mmapped page
			e, err := decodeEntry(raw)
			if err != nil {
				return err
			}
			out[p] = e
		}
		return nil
	})
	if err != nil {
		return nil, errors.Storage("load", err)
	}
	return out, nil
}

func (s *BoltStore) Apply(put map[string]Entry, remove []string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketData)
		index := tx.Bucket(bucketTimestamp)
		for p, e := range put {
			if err := data.Put([]byte(p), encodeEntry(e)); err != nil {
				return err
			}
			if err := index.Put([]byte(p), encodeTimestamp(e.Timestamp)); err != nil {
				return err
			}
		}
		for _, p := range remove {
			if err := data.Delete([]byte(p)); err != nil {
				return err
			}
			if err := index.Delete([]byte(p)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Storage("apply", err)
	}
	return nil
}

func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Storage("close", err)
	}
	return nil
}
