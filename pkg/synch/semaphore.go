// Package synch provides the kernel's blocking synchronization primitives.
package synch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"kproc/pkg/kheap"
)

// KindSemaphore is the heap kind charged for each semaphore.
const KindSemaphore = "semaphore"

// maxCount bounds the value of a semaphore. The weighted semaphore is
// created with this capacity and pre-acquired down to the initial count, so
// V releases capacity and P acquires it.
const maxCount = 1 << 30

var (
	// ErrBadCount is returned for a negative or oversized initial count.
	ErrBadCount = errors.New("semaphore count out of range")
)

// Semaphore is a counting semaphore. P blocks while the count is zero; V
// increments it and wakes one waiter.
type Semaphore struct {
	name      string
	sem       *semaphore.Weighted
	heap      kheap.Allocator
	count     atomic.Int64
	destroyed atomic.Bool
}

// NewSemaphore creates a semaphore with the given initial count, charging
// one object to heap. A nil heap is not charged.
func NewSemaphore(heap kheap.Allocator, name string, initial int) (*Semaphore, error) {
	if initial < 0 || initial > maxCount {
		return nil, fmt.Errorf("%s: %w", name, ErrBadCount)
	}
	if heap != nil {
		if err := heap.Alloc(KindSemaphore); err != nil {
			return nil, err
		}
	}

	s := &Semaphore{
		name: name,
		sem:  semaphore.NewWeighted(maxCount),
		heap: heap,
	}
	if held := int64(maxCount - initial); held > 0 {
		s.sem.TryAcquire(held)
	}
	s.count.Store(int64(initial))
	return s, nil
}

// Name returns the semaphore's debug name.
func (s *Semaphore) Name() string {
	return s.name
}

// P decrements the count, blocking until it is positive.
func (s *Semaphore) P() {
	// Background is never cancelled, so Acquire cannot fail.
	_ = s.PContext(context.Background())
}

// PContext is P with cancellation. On error the count is unchanged.
func (s *Semaphore) PContext(ctx context.Context) error {
	s.checkLive("P")
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.count.Add(-1)
	return nil
}

// TryP decrements the count if it is positive and reports whether it did.
func (s *Semaphore) TryP() bool {
	s.checkLive("TryP")
	if !s.sem.TryAcquire(1) {
		return false
	}
	s.count.Add(-1)
	return true
}

// V increments the count.
func (s *Semaphore) V() {
	s.checkLive("V")
	s.count.Add(1)
	s.sem.Release(1)
}

// Count returns the current value. It is only a snapshot.
func (s *Semaphore) Count() int {
	return int(s.count.Load())
}

// Destroy releases the semaphore's heap charge. Destroying twice, or using a
// destroyed semaphore, panics.
func (s *Semaphore) Destroy() {
	if !s.destroyed.CompareAndSwap(false, true) {
		panic("synch: semaphore " + s.name + " destroyed twice")
	}
	if s.heap != nil {
		s.heap.Free(KindSemaphore)
	}
}

func (s *Semaphore) checkLive(op string) {
	if s.destroyed.Load() {
		panic("synch: " + op + " on destroyed semaphore " + s.name)
	}
}
