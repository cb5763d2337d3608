// Package filetable implements per-process file descriptor tables. Slots
// point at shared OpenFile objects; fork copies the slots and bumps each
// object's reference count so parent and child share offsets, as on Unix.
package filetable

import (
	"errors"
	"sync"
	"sync/atomic"

	"kproc/pkg/vfs"
)

// DefaultSize is the number of descriptor slots per process (OPEN_MAX).
const DefaultSize = 128

// File descriptor errors.
var (
	ErrBadFD     = errors.New("bad file descriptor")
	ErrTableFull = errors.New("too many open files")
)

// Open flags.
const (
	ReadOnly  = 0
	WriteOnly = 1
	ReadWrite = 2
)

// OpenFile is an open-file object shared by every descriptor that refers to
// it. The underlying vnode reference is dropped when the last descriptor
// closes.
type OpenFile struct {
	// Name is the path the file was opened by.
	Name string
	// Flags is the open mode.
	Flags int

	node   vfs.Vnode
	mu     sync.Mutex
	offset int64
	refs   atomic.Int32
}

// NewOpenFile wraps node, taking ownership of one reference to it. The
// returned object has a reference count of one.
func NewOpenFile(name string, node vfs.Vnode, flags int) *OpenFile {
	f := &OpenFile{Name: name, Flags: flags, node: node}
	f.refs.Store(1)
	return f
}

// Retain adds a descriptor reference.
func (f *OpenFile) Retain() {
	f.refs.Add(1)
}

// Release drops a descriptor reference and reports whether it was the last.
func (f *OpenFile) Release() bool {
	switch refs := f.refs.Add(-1); {
	case refs == 0:
		if f.node != nil {
			f.node.Decref()
		}
		return true
	case refs < 0:
		panic("filetable: release of closed file " + f.Name)
	}
	return false
}

// Refs returns the current reference count.
func (f *OpenFile) Refs() int {
	return int(f.refs.Load())
}

// Seek sets the shared offset.
func (f *OpenFile) Seek(offset int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offset = offset
}

// Offset returns the shared offset.
func (f *OpenFile) Offset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

// Table is a fixed-size descriptor table.
type Table struct {
	mu    sync.Mutex
	slots []*OpenFile
}

// New creates a table with size slots.
func New(size int) *Table {
	if size <= 0 {
		size = DefaultSize
	}
	return &Table{slots: make([]*OpenFile, size)}
}

// Size returns the number of slots.
func (t *Table) Size() int {
	return len(t.slots)
}

// Install places f in the lowest free slot and returns its descriptor. The
// table takes over the caller's reference.
func (t *Table) Install(f *OpenFile) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for fd, slot := range t.slots {
		if slot == nil {
			t.slots[fd] = f
			return fd, nil
		}
	}
	return -1, ErrTableFull
}

// Get returns the open file at fd.
func (t *Table) Get(fd int) (*OpenFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return nil, ErrBadFD
	}
	return t.slots[fd], nil
}

// Close empties fd and releases its reference.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		t.mu.Unlock()
		return ErrBadFD
	}
	f := t.slots[fd]
	t.slots[fd] = nil
	t.mu.Unlock()

	f.Release()
	return nil
}

// CloseAll closes every open descriptor and returns how many were open.
func (t *Table) CloseAll() int {
	closed := 0
	for fd := range t.slots {
		if t.Close(fd) == nil {
			closed++
		}
	}
	return closed
}

// CloneInto copies every open slot into dst at the same descriptor number,
// retaining each shared file. dst must be empty and at least as large.
func (t *Table) CloneInto(dst *Table) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	for fd, f := range t.slots {
		if f == nil || fd >= len(dst.slots) {
			continue
		}
		f.Retain()
		dst.slots[fd] = f
	}
}

// Open returns the number of open descriptors.
func (t *Table) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, f := range t.slots {
		if f != nil {
			n++
		}
	}
	return n
}
