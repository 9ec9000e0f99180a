package durablefs

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
)

// Entry is one persisted node. Contents is nil for directories.
type Entry struct {
	Timestamp time.Time
	Contents  []byte
	Mode      vfs.Mode
}

// Store is the persistent key/value side of a durable mount, keyed by
// absolute guest path.
type Store interface {
	// Timestamps returns the index of every stored path.
	Timestamps() (map[string]time.Time, error)
	// Load returns the entries for paths. Missing paths are an error.
	Load(paths []string) (map[string]Entry, error)
	// Apply stores put and deletes remove in one transaction.
	Apply(put map[string]Entry, remove []string) error
	Close() error
}

const entryHeader = 4 + 8 + 1

// encodeEntry lays out mode u32, timestamp i64 in milliseconds, a contents
// flag and the contents.
func encodeEntry(e Entry) []byte {
	buf := make([]byte, entryHeader+len(e.Contents))
	binary.LittleEndian.PutUint32(buf[0:], uint32(e.Mode))
	binary.LittleEndian.PutUint64(buf[4:], uint64(e.Timestamp.UnixMilli()))
	if e.Contents != nil {
		buf[12] = 1
		copy(buf[entryHeader:], e.Contents)
	}
	return buf
}

func decodeEntry(buf []byte) (Entry, error) {
	if len(buf) < entryHeader {
		return Entry{}, errors.InvalidData(errors.PhasePersist, "entry record too short")
	}
	e := Entry{
		Mode:      vfs.Mode(binary.LittleEndian.Uint32(buf[0:])),
		Timestamp: time.UnixMilli(int64(binary.LittleEndian.Uint64(buf[4:]))),
	}
	if buf[12] != 0 {
		e.Contents = append([]byte{}, buf[entryHeader:]...)
	}
	return e, nil
}

func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(t.UnixMilli()))
	return buf
}

func decodeTimestamp(buf []byte) (time.Time, error) {
	if len(buf) != 8 {
		return time.Time{}, errors.InvalidData(errors.PhasePersist, "timestamp record has wrong size")
	}
	return time.UnixMilli(int64(binary.LittleEndian.Uint64(buf))), nil
}

// MemStore keeps entries in process memory. It is safe for concurrent use.
type MemStore struct {
	mu      sync.Mutex
	entries map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string][]byte)}
}

func (s *MemStore) Timestamps() (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.entries))
	for p, raw := range s.entries {
		e, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}
		out[p] = e.Timestamp
	}
	return out, nil
}

func (s *MemStore) Load(paths []string) (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Entry, len(paths))
	for _, p := range paths {
		raw, ok := s.entries[p]
		if !ok {
			return nil, errors.NotFound(errors.PhasePersist, "entry", p)
		}
		e, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}
		out[p] = e
	}
	return out, nil
}

func (s *MemStore) Apply(put map[string]Entry, remove []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p, e := range put {
		s.entries[p] = encodeEntry(e)
	}
	for _, p := range remove {
		delete(s.entries, p)
	}
	return nil
}

func (s *MemStore) Close() error { return nil }
