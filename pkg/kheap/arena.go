// Package kheap provides the kernel heap accounting used by the simulated
// kernel. Every kernel object that the real kernel would kmalloc is charged
// against an Arena under a kind label, so leaks show up as non-zero live
// counts.
package kheap

import (
	"errors"
	"sort"
	"sync"
)

// ErrNoMemory is returned when an allocation cannot be satisfied.
var ErrNoMemory = errors.New("out of kernel memory")

// Allocator is the heap contract consumed by other kernel packages.
type Allocator interface {
	// Alloc charges one object of the given kind.
	Alloc(kind string) error
	// Free releases one object of the given kind.
	Free(kind string)
}

// Stats is a point-in-time view of arena usage for one kind.
type Stats struct {
	Kind  string
	Live  int
	Total int
}

// Arena is an allocation-counting heap with failure injection.
type Arena struct {
	mu    sync.Mutex
	live  map[string]int
	total map[string]int
	// budget holds, per kind, how many more allocations succeed before one
	// fails. Kinds without an entry never fail.
	budget map[string]int
	limit  int
}

// NewArena creates an empty arena with no global limit.
func NewArena() *Arena {
	return &Arena{
		live:   make(map[string]int),
		total:  make(map[string]int),
		budget: make(map[string]int),
	}
}

// SetLimit caps the total number of live objects across all kinds. Zero
// removes the cap.
func (a *Arena) SetLimit(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.limit = n
}

// FailAfter arranges for the allocation of kind that follows n successful
// ones to fail. The injection is consumed by that failure.
func (a *Arena) FailAfter(kind string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.budget[kind] = n
}

// Alloc implements Allocator.
func (a *Arena) Alloc(kind string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n, ok := a.budget[kind]; ok {
		if n == 0 {
			delete(a.budget, kind)
			return ErrNoMemory
		}
		a.budget[kind] = n - 1
	}

	if a.limit > 0 && a.liveLocked() >= a.limit {
		return ErrNoMemory
	}

	a.live[kind]++
	a.total[kind]++
	return nil
}

// Free implements Allocator. Freeing a kind with no live objects panics,
// since it means a double free somewhere in the kernel.
func (a *Arena) Free(kind string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.live[kind] == 0 {
		panic("kheap: free of " + kind + " with no live objects")
	}
	a.live[kind]--
}

// Live returns the number of live objects of a kind.
func (a *Arena) Live(kind string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live[kind]
}

// LiveTotal returns the number of live objects across all kinds.
func (a *Arena) LiveTotal() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.liveLocked()
}

func (a *Arena) liveLocked() int {
	n := 0
	for _, v := range a.live {
		n += v
	}
	return n
}

// Snapshot returns per-kind usage sorted by kind.
func (a *Arena) Snapshot() []Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Stats, 0, len(a.total))
	for kind, total := range a.total {
		out = append(out, Stats{Kind: kind, Live: a.live[kind], Total: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
