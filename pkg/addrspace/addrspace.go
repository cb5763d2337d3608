// Package addrspace implements simulated user address spaces: a set of
// byte regions at fixed virtual addresses that can be duplicated on fork,
// activated on the running CPU, and read or written by the kernel on behalf
// of a syscall.
package addrspace

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"kproc/pkg/kheap"
)

// KindAddrSpace is the heap kind charged for each address space.
const KindAddrSpace = "addrspace"

// UserPtr is a user virtual address.
type UserPtr uint32

// Null is the invalid user address.
const Null UserPtr = 0

// Default layout used by New.
const (
	DataBase  UserPtr = 0x10000000
	StackTop  UserPtr = 0x80000000
	PageSize          = 4096
	StackSize         = 4 * PageSize
)

// Address space errors.
var (
	ErrFault     = errors.New("bad user address")
	ErrOverlap   = errors.New("region overlaps an existing region")
	ErrDestroyed = errors.New("address space destroyed")
)

// AddressSpace is the contract the process core needs from the VM system.
type AddressSpace interface {
	// Copy duplicates the space into a new, independently owned one.
	Copy() (AddressSpace, error)
	// Activate makes the space current on the running CPU.
	Activate()
	// Destroy releases the space. It must be called exactly once.
	Destroy()
	// Copyin reads len(dst) bytes at src.
	Copyin(src UserPtr, dst []byte) error
	// Copyout writes src at dst.
	Copyout(dst UserPtr, src []byte) error
}

var _ AddressSpace = (*Space)(nil)

type region struct {
	base UserPtr
	data []byte
}

func (r *region) contains(addr UserPtr, n int) bool {
	end := uint64(r.base) + uint64(len(r.data))
	return addr >= r.base && uint64(addr)+uint64(n) <= end
}

// Space is an in-memory AddressSpace.
type Space struct {
	mu          sync.Mutex
	heap        kheap.Allocator
	regions     []*region
	destroyed   bool
	activations atomic.Int64
}

// NewEmpty creates a space with no regions, charged to heap. A nil heap is
// not charged.
func NewEmpty(heap kheap.Allocator) (*Space, error) {
	if heap != nil {
		if err := heap.Alloc(KindAddrSpace); err != nil {
			return nil, err
		}
	}
	return &Space{heap: heap}, nil
}

// New creates a space with one data page at DataBase and a stack below
// StackTop.
func New(heap kheap.Allocator) (*Space, error) {
	s, err := NewEmpty(heap)
	if err != nil {
		return nil, err
	}
	if err := s.DefineRegion(DataBase, PageSize); err != nil {
		s.Destroy()
		return nil, err
	}
	if err := s.DefineRegion(StackTop-StackSize, StackSize); err != nil {
		s.Destroy()
		return nil, err
	}
	return s, nil
}

// DefineRegion maps size zeroed bytes at base.
func (s *Space) DefineRegion(base UserPtr, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return ErrDestroyed
	}
	if base == Null || size <= 0 {
		return fmt.Errorf("region at %#x size %d: %w", uint32(base), size, ErrFault)
	}
	end := uint64(base) + uint64(size)
	for _, r := range s.regions {
		rend := uint64(r.base) + uint64(len(r.data))
		if uint64(base) < rend && end > uint64(r.base) {
			return fmt.Errorf("region at %#x: %w", uint32(base), ErrOverlap)
		}
	}
	s.regions = append(s.regions, &region{base: base, data: make([]byte, size)})
	return nil
}

// Copy implements AddressSpace.
func (s *Space) Copy() (AddressSpace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil, ErrDestroyed
	}
	dup, err := NewEmpty(s.heap)
	if err != nil {
		return nil, err
	}
	for _, r := range s.regions {
		data := make([]byte, len(r.data))
		copy(data, r.data)
		dup.regions = append(dup.regions, &region{base: r.base, data: data})
	}
	return dup, nil
}

// Activate implements AddressSpace. The simulated TLB has nothing to flush,
// so activation is only counted.
func (s *Space) Activate() {
	s.activations.Add(1)
}

// Activations returns how many times the space was activated.
func (s *Space) Activations() int {
	return int(s.activations.Load())
}

// Destroy implements AddressSpace.
func (s *Space) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		panic("addrspace: destroyed twice")
	}
	s.destroyed = true
	s.regions = nil
	if s.heap != nil {
		s.heap.Free(KindAddrSpace)
	}
}

// Destroyed reports whether Destroy has been called.
func (s *Space) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Copyin implements AddressSpace.
func (s *Space) Copyin(src UserPtr, dst []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.find(src, len(dst))
	if r == nil {
		return ErrFault
	}
	off := src - r.base
	copy(dst, r.data[off:])
	return nil
}

// Copyout implements AddressSpace.
func (s *Space) Copyout(dst UserPtr, src []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.find(dst, len(src))
	if r == nil {
		return ErrFault
	}
	off := dst - r.base
	copy(r.data[off:], src)
	return nil
}

// find must be called with mu held.
func (s *Space) find(addr UserPtr, n int) *region {
	if addr == Null || s.destroyed {
		return nil
	}
	for _, r := range s.regions {
		if r.contains(addr, n) {
			return r
		}
	}
	return nil
}
