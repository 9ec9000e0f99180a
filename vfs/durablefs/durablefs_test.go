package durablefs

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
	"github.com/wippyai/wasm-kernel/vfs/memfs"
)

func ms(n int64) time.Time { return time.UnixMilli(n) }

func setup(t *testing.T, exec vfs.Executor, opts Options) (*vfs.FS, *Backend) {
	t.Helper()
	fs := vfs.New(vfs.Options{Executor: exec})
	if _, err := fs.Mount(memfs.New(memfs.Options{}), nil, "/"); err != nil {
		t.Fatalf("mount root: %v", err)
	}
	if _, err := fs.Mkdir("/data", 0); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	b := New(opts)
	if _, err := fs.Mount(b, nil, "/data"); err != nil {
		t.Fatalf("mount durable: %v", err)
	}
	return fs, b
}

func writeAt(t *testing.T, fs *vfs.FS, p, content string, ts time.Time) {
	t.Helper()
	if err := fs.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	if err := fs.Utime(p, ts, ts); err != nil {
		t.Fatalf("utime %s: %v", p, err)
	}
}

func syncNow(t *testing.T, b *Backend, populate bool) {
	t.Helper()
	called := false
	fn := b.Persist
	if populate {
		fn = b.Populate
	}
	fn(func(err error) {
		called = true
		if err != nil {
			t.Fatalf("sync: %v", err)
		}
	})
	if !called {
		t.Fatal("sync did not complete inline")
	}
}

func TestReconcile(t *testing.T) {
	local := map[string]time.Time{"/a": ms(1), "/b": ms(2)}
	remote := map[string]time.Time{"/b": ms(2), "/c": ms(3)}

	d := reconcile(local, remote)
	if len(d.create) != 1 || d.create[0] != "/a" {
		t.Errorf("create = %v, want [/a]", d.create)
	}
	if len(d.remove) != 1 || d.remove[0] != "/c" {
		t.Errorf("remove = %v, want [/c]", d.remove)
	}

	d = reconcile(map[string]time.Time{"/d": ms(1), "/d/x": ms(1)}, map[string]time.Time{"/e": ms(1), "/e/y": ms(1)})
	if d.create[0] != "/d" || d.remove[0] != "/e/y" {
		t.Errorf("ordering: create %v remove %v", d.create, d.remove)
	}

	d = reconcile(map[string]time.Time{"/a": time.UnixMilli(5).Add(300 * time.Microsecond)}, map[string]time.Time{"/a": ms(5)})
	if !d.empty() {
		t.Errorf("sub-millisecond difference produced %v", d.create)
	}
}

func TestSync_Persist(t *testing.T) {
	store := NewMemStore()
	store.Apply(map[string]Entry{
		"/data/b": {Mode: vfs.S_IFREG | 0o644, Timestamp: ms(2000), Contents: []byte("old b")},
		"/data/c": {Mode: vfs.S_IFREG | 0o644, Timestamp: ms(3000), Contents: []byte("c")},
	}, nil)
	fs, b := setup(t, nil, Options{Store: store})
	writeAt(t, fs, "/data/a", "a", ms(1000))
	writeAt(t, fs, "/data/b", "b", ms(2000))

	syncNow(t, b, false)

	got, err := store.Timestamps()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !got["/data/a"].Equal(ms(1000)) || !got["/data/b"].Equal(ms(2000)) {
		t.Errorf("remote = %v, want {a:1000 b:2000}", got)
	}
	// equal timestamps are not re-sent
	entries, _ := store.Load([]string{"/data/b"})
	if string(entries["/data/b"].Contents) != "old b" {
		t.Errorf("b was rewritten: %q", entries["/data/b"].Contents)
	}
}

func TestSync_Populate(t *testing.T) {
	store := NewMemStore()
	store.Apply(map[string]Entry{
		"/data/b":     {Mode: vfs.S_IFREG | 0o644, Timestamp: ms(2000), Contents: []byte("b")},
		"/data/c":     {Mode: vfs.S_IFREG | 0o600, Timestamp: ms(3000), Contents: []byte("remote c")},
		"/data/dir":   {Mode: vfs.S_IFDIR | 0o755, Timestamp: ms(4000)},
		"/data/dir/f": {Mode: vfs.S_IFREG | 0o644, Timestamp: ms(5000), Contents: []byte{}},
		"/data/ln":    {Mode: vfs.S_IFLNK | 0o777, Timestamp: ms(6000), Contents: []byte("c")},
	}, nil)
	fs, b := setup(t, nil, Options{Store: store})
	writeAt(t, fs, "/data/a", "a", ms(1000))
	writeAt(t, fs, "/data/b", "b", ms(2000))

	syncNow(t, b, true)

	if fs.Exists("/data/a") {
		t.Error("a survived populate")
	}
	data, err := fs.ReadFile("/data/ln")
	if err != nil || string(data) != "remote c" {
		t.Errorf("read through link = %q, %v", data, err)
	}
	a, err := fs.Stat("/data/c")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Mtime.Equal(ms(3000)) || a.Mode != vfs.S_IFREG|0o600 {
		t.Errorf("c attrs: mtime %v mode %o", a.Mtime, a.Mode)
	}
	if a, err := fs.Stat("/data/dir/f"); err != nil || a.Size != 0 {
		t.Errorf("dir/f: %+v, %v", a, err)
	}

	// a second populate has nothing to do
	b.Populate(func(err error) {
		if err != nil {
			t.Errorf("second populate: %v", err)
		}
	})
	if !fs.Exists("/data/c") {
		t.Error("c lost on second populate")
	}
}

func TestSync_TypeChange(t *testing.T) {
	store := NewMemStore()
	store.Apply(map[string]Entry{
		"/data/x": {Mode: vfs.S_IFDIR | 0o755, Timestamp: ms(10)},
	}, nil)
	fs, b := setup(t, nil, Options{Store: store})
	writeAt(t, fs, "/data/x", "file", ms(1))

	syncNow(t, b, true)

	a, err := fs.Lstat("/data/x")
	if err != nil || !a.Mode.IsDir() {
		t.Errorf("x: %+v, %v", a, err)
	}
}

func TestSync_NotMounted(t *testing.T) {
	b := New(Options{})
	var got error
	b.Persist(func(err error) { got = err })
	if got == nil {
		t.Fatal("expected error")
	}
	var e *errors.Error
	if !errors.As(got, &e) || e.Kind != errors.KindNotInitialized {
		t.Errorf("got %v", got)
	}
}

type loop struct {
	ch chan func()
}

func newLoop() *loop { return &loop{ch: make(chan func(), 64)} }

func (l *loop) Post(fn func()) { l.ch <- fn }

func (l *loop) step(t *testing.T) {
	t.Helper()
	select {
	case fn := <-l.ch:
		fn()
	case <-time.After(5 * time.Second):
		t.Fatal("loop starved")
	}
}

func (l *loop) runUntil(t *testing.T, done func() bool) {
	t.Helper()
	for !done() {
		l.step(t)
	}
}

type countingStore struct {
	*MemStore
	mu      sync.Mutex
	applies int
}

func (s *countingStore) Apply(put map[string]Entry, remove []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applies++
	return s.MemStore.Apply(put, remove)
}

func (s *countingStore) Timestamps() (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MemStore.Timestamps()
}

func TestAutoPersist_Coalesces(t *testing.T) {
	l := newLoop()
	store := &countingStore{MemStore: NewMemStore()}
	fs, b := setup(t, l, Options{Store: store, AutoPersist: true})

	for _, name := range []string{"/data/1", "/data/2", "/data/3"} {
		if err := fs.WriteFile(name, []byte(name), 0); err != nil {
			t.Fatal(err)
		}
	}
	if !b.Pending() {
		t.Fatal("no persist scheduled")
	}
	l.runUntil(t, func() bool { return !b.Pending() })

	if store.applies != 1 {
		t.Errorf("applies = %d, want 1", store.applies)
	}
	got, _ := store.Timestamps()
	if len(got) != 3 {
		t.Errorf("stored %d entries, want 3", len(got))
	}
}

func TestAutoPersist_QueuesBehindRunningPass(t *testing.T) {
	l := newLoop()
	store := &countingStore{MemStore: NewMemStore()}
	fs, b := setup(t, l, Options{Store: store, AutoPersist: true})

	if err := fs.WriteFile("/data/first", nil, 0); err != nil {
		t.Fatal(err)
	}
	// start the pass; its store write is now in flight
	l.step(t)
	if err := fs.WriteFile("/data/second", nil, 0); err != nil {
		t.Fatal(err)
	}
	l.runUntil(t, func() bool { return !b.Pending() })

	if store.applies != 2 {
		t.Errorf("applies = %d, want 2", store.applies)
	}
	got, _ := store.Timestamps()
	if _, ok := got["/data/second"]; !ok {
		t.Errorf("second pass missed /data/second: %v", got)
	}
}

func TestAutoPersist_PopulateDoesNotSchedule(t *testing.T) {
	l := newLoop()
	store := NewMemStore()
	store.Apply(map[string]Entry{
		"/data/f": {Mode: vfs.S_IFREG | 0o644, Timestamp: ms(1), Contents: []byte("f")},
	}, nil)
	fs, b := setup(t, l, Options{Store: store, AutoPersist: true})

	done := false
	b.Populate(func(err error) {
		if err != nil {
			t.Errorf("populate: %v", err)
		}
		done = true
	})
	l.runUntil(t, func() bool { return done })
	if b.Pending() {
		t.Error("populate scheduled a persist pass")
	}
	if !fs.Exists("/data/f") {
		t.Error("f not populated")
	}
}

func TestSync_ExplicitPersistWaitsForAutoPass(t *testing.T) {
	l := newLoop()
	store := NewMemStore()
	fs, b := setup(t, l, Options{Store: store, AutoPersist: true})

	for i, name := range []string{"/data/a", "/data/b", "/data/c"} {
		if err := fs.WriteFile(name, []byte(name), 0); err != nil {
			t.Fatal(err)
		}
		// the auto pass is now in flight on its store goroutine
		l.step(t)
		if !b.Busy() {
			t.Fatalf("write %d: no pass running", i)
		}

		done := false
		b.Persist(func(err error) {
			if err != nil {
				t.Errorf("persist: %v", err)
			}
			done = true
		})
		if done {
			t.Fatalf("write %d: persist finished while a pass was running", i)
		}
		l.runUntil(t, func() bool { return done && !b.Pending() && !b.Busy() })
	}

	got, err := store.Timestamps()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("stored %v, want 3 entries", got)
	}
}

func TestSync_ReloadsReadOnlyDirectory(t *testing.T) {
	store := NewMemStore()
	fs, b := setup(t, nil, Options{Store: store})
	fs.SetPermissions(true)
	if _, err := fs.Mkdir("/data/ro", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile("/data/ro/f", []byte("kept"), 0o444); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile("/data/ro/secret", []byte("s"), 0o200); err != nil {
		t.Fatal(err)
	}
	if err := fs.Chmod("/data/ro", 0o555); err != nil {
		t.Fatal(err)
	}
	syncNow(t, b, false)

	fs, b = setup(t, nil, Options{Store: store})
	fs.SetPermissions(true)
	syncNow(t, b, true)

	data, err := fs.ReadFile("/data/ro/f")
	if err != nil || string(data) != "kept" {
		t.Errorf("f = %q, %v", data, err)
	}
	if a, err := fs.Stat("/data/ro"); err != nil || a.Mode.Perm() != 0o555 {
		t.Errorf("ro: %+v, %v", a, err)
	}
	if a, err := fs.Stat("/data/ro/secret"); err != nil || a.Mode.Perm() != 0o200 {
		t.Errorf("secret: %+v, %v", a, err)
	}
	if !fs.Permissions() {
		t.Fatal("permission checks left off after populate")
	}
	err = fs.WriteFile("/data/ro/new", nil, 0o644)
	if code, ok := errors.ToErrno(err); !ok || code != errors.EACCES {
		t.Errorf("guest create in read-only dir: %v", err)
	}
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetMountpoint("/data"); err != nil {
		t.Fatal(err)
	}
	err = s.Apply(map[string]Entry{
		"/data/dir":  {Mode: vfs.S_IFDIR | 0o755, Timestamp: ms(10)},
		"/data/file": {Mode: vfs.S_IFREG | 0o644, Timestamp: ms(20), Contents: []byte("payload")},
		"/data/gone": {Mode: vfs.S_IFREG | 0o644, Timestamp: ms(30), Contents: []byte{}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(nil, []string{"/data/gone"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if mp, _ := s.Mountpoint(); mp != "/data" {
		t.Errorf("mountpoint = %q", mp)
	}
	ts, err := s.Timestamps()
	if err != nil {
		t.Fatal(err)
	}
	if len(ts) != 2 || !ts["/data/file"].Equal(ms(20)) {
		t.Errorf("timestamps = %v", ts)
	}
	entries, err := s.Load([]string{"/data/dir", "/data/file"})
	if err != nil {
		t.Fatal(err)
	}
	if entries["/data/dir"].Contents != nil {
		t.Error("directory has contents")
	}
	if f := entries["/data/file"]; !bytes.Equal(f.Contents, []byte("payload")) || f.Mode != vfs.S_IFREG|0o644 {
		t.Errorf("file = %+v", f)
	}
	if _, err := s.Load([]string{"/data/gone"}); err == nil {
		t.Error("load of removed entry succeeded")
	}
}

func TestBoltStore_PersistsMount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	fs, b := setup(t, nil, Options{Store: s})
	writeAt(t, fs, "/data/keep", "kept", ms(42))
	syncNow(t, b, false)
	s.Close()

	s, err = OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	fs, b = setup(t, nil, Options{Store: s})
	syncNow(t, b, true)
	data, err := fs.ReadFile("/data/keep")
	if err != nil || string(data) != "kept" {
		t.Errorf("keep = %q, %v", data, err)
	}
}
