// Package pipefs implements anonymous pipes as a pseudo-mounted backend.
package pipefs

import (
	"strconv"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
)

// BucketSize is the capacity of one pipe buffer bucket.
const BucketSize = 8192

type bucket struct {
	buf     []byte
	offset  int // write offset
	roffset int // read offset
}

// Pipe is a FIFO shared by a read end and a write end.
type Pipe struct {
	buckets []*bucket
	nodes   [2]*vfs.Node
	readers int
	writers int
}

// Buffered returns the number of unread bytes.
func (p *Pipe) Buffered() int {
	n := 0
	for _, b := range p.buckets {
		n += b.offset - b.roffset
	}
	return n
}

// Write appends data, filling the last bucket before allocating new ones.
func (p *Pipe) Write(data []byte) int {
	total := len(data)
	if total == 0 {
		return 0
	}
	if len(p.buckets) == 0 {
		p.buckets = append(p.buckets, &bucket{buf: make([]byte, BucketSize)})
	}
	cur := p.buckets[len(p.buckets)-1]
	free := BucketSize - cur.offset
	if free >= len(data) {
		cur.offset += copy(cur.buf[cur.offset:], data)
		return total
	}
	if free > 0 {
		cur.offset += copy(cur.buf[cur.offset:], data[:free])
		data = data[free:]
	}
	for len(data) > 0 {
		b := &bucket{buf: make([]byte, BucketSize)}
		b.offset = copy(b.buf, data)
		data = data[b.offset:]
		p.buckets = append(p.buckets, b)
	}
	return total
}

// Read drains up to len(buf) bytes FIFO, dropping exhausted buckets. The last
// bucket is kept and rewound for reuse.
func (p *Pipe) Read(buf []byte) int {
	want := min(len(buf), p.Buffered())
	n := 0
	drained := 0
	for _, b := range p.buckets {
		if n == want {
			break
		}
		c := copy(buf[n:want], b.buf[b.roffset:b.offset])
		b.roffset += c
		n += c
		if b.roffset == b.offset {
			drained++
		}
	}
	if drained > 0 && drained == len(p.buckets) {
		drained--
		last := p.buckets[drained]
		last.offset, last.roffset = 0, 0
	}
	p.buckets = p.buckets[drained:]
	return n
}

// Backend is the pipe pseudo filesystem.
type Backend struct {
	root *vfs.Node
	ops  *streamOps
	next int
}

// New creates a pipe backend. Mount it with an empty mountpoint.
func New() *Backend {
	return &Backend{ops: &streamOps{}}
}

func (b *Backend) Name() string { return "pipefs" }

func (b *Backend) Mount(fs *vfs.FS, m *vfs.Mount) (*vfs.Node, error) {
	b.root = fs.NewRoot(m, vfs.S_IFDIR|0o777, nil, nil)
	return b.root, nil
}

func (b *Backend) nextName() string {
	name := "pipe[" + strconv.Itoa(b.next) + "]"
	b.next++
	return name
}

// Create makes a pipe and returns its read and write descriptors.
func (b *Backend) Create() (r, w *vfs.Stream, err error) {
	if b.root == nil {
		return nil, nil, errors.NotInitialized(errors.PhaseStream, "pipefs mount")
	}
	fs := b.root.FS()
	p := &Pipe{readers: 1, writers: 1}

	rName, wName := b.nextName(), b.nextName()
	rNode := fs.NewNode(b.root, rName, vfs.S_IFIFO|0o600, 0, nodeOps{}, b.ops)
	wNode := fs.NewNode(b.root, wName, vfs.S_IFIFO|0o600, 0, nodeOps{}, b.ops)
	rNode.Data, wNode.Data = p, p
	p.nodes = [2]*vfs.Node{rNode, wNode}

	r = &vfs.Stream{Node: rNode, Path: rName, Data: p}
	r.SetFlags(vfs.O_RDONLY)
	if _, err := fs.NewStream(r, 0); err != nil {
		return nil, nil, err
	}
	w = &vfs.Stream{Node: wNode, Path: wName, Data: p}
	w.SetFlags(vfs.O_WRONLY)
	if _, err := fs.NewStream(w, 0); err != nil {
		fs.Close(r)
		return nil, nil, err
	}
	return r, w, nil
}

type nodeOps struct {
	vfs.BaseNodeOps
}

func (nodeOps) GetAttr(n *vfs.Node) (vfs.Attr, error) {
	p, _ := n.Data.(*Pipe)
	a := vfs.Attr{
		Dev:     14,
		Ino:     uint64(n.ID),
		Mode:    n.Mode,
		Nlink:   1,
		Atime:   n.Atime,
		Mtime:   n.Mtime,
		Ctime:   n.Ctime,
		Blksize: 4096,
	}
	if p != nil {
		a.Size = int64(p.Buffered())
	}
	return a, nil
}

type streamOps struct {
	vfs.BaseStreamOps
}

func pipeOf(s *vfs.Stream) *Pipe {
	return s.Data.(*Pipe)
}

func (streamOps) Open(s *vfs.Stream) error {
	p := pipeOf(s)
	if s.Flags()&vfs.O_ACCMODE == vfs.O_WRONLY {
		p.writers++
	} else {
		p.readers++
	}
	return nil
}

func (streamOps) Close(s *vfs.Stream) error {
	p := pipeOf(s)
	if s.Flags()&vfs.O_ACCMODE == vfs.O_WRONLY {
		p.writers--
	} else {
		p.readers--
	}
	fs := s.Node.FS()
	if p.readers == 0 && p.writers == 0 {
		p.buckets = nil
		for _, n := range p.nodes {
			if n != nil {
				fs.DestroyNode(n)
			}
		}
		p.nodes = [2]*vfs.Node{}
	}
	fs.NotifyReady()
	return nil
}

func (streamOps) Read(s *vfs.Stream, buf []byte, _ int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	p := pipeOf(s)
	if p.Buffered() == 0 {
		if p.writers == 0 {
			return 0, nil
		}
		return 0, errors.Domain(errors.PhaseStream, errors.EAGAIN, "pipe read")
	}
	n := p.Read(buf)
	s.Node.FS().NotifyReady()
	return n, nil
}

func (streamOps) Write(s *vfs.Stream, buf []byte, _ int64) (int, error) {
	p := pipeOf(s)
	if p.readers == 0 {
		return 0, errors.Domain(errors.PhaseStream, errors.EPIPE, "pipe write")
	}
	n := p.Write(buf)
	if n > 0 {
		s.Node.Touch()
		s.Node.FS().NotifyReady()
	}
	return n, nil
}

func (streamOps) Poll(s *vfs.Stream) uint32 {
	p := pipeOf(s)
	if s.Flags()&vfs.O_ACCMODE == vfs.O_WRONLY {
		if p.readers == 0 {
			return vfs.POLLERR
		}
		return vfs.POLLOUT | vfs.POLLWRNORM
	}
	switch {
	case p.Buffered() > 0:
		return vfs.POLLIN | vfs.POLLRDNORM
	case p.writers == 0:
		return vfs.POLLIN | vfs.POLLHUP
	}
	return 0
}

func (streamOps) Ioctl(*vfs.Stream, uint32, *vfs.IoctlArg) (int32, error) {
	return 0, errors.Domain(errors.PhaseStream, errors.EINVAL, "pipe ioctl")
}

func (streamOps) Fsync(*vfs.Stream) error {
	return errors.Domain(errors.PhaseStream, errors.EINVAL, "pipe fsync")
}
