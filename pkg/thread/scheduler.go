// Package thread provides the execution contexts that run processes. Each
// thread is backed by a goroutine; the Go runtime does the actual
// scheduling.
package thread

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"kproc/internal/logging"
)

// ErrSpawnFailed is returned when a thread cannot be created.
var ErrSpawnFailed = errors.New("thread creation failed")

// Entry is the function a new thread starts in.
type Entry func()

// Scheduler interface defines the contract for creating and retiring
// execution contexts.
type Scheduler interface {
	// Fork creates a thread that runs entry.
	Fork(name string, entry Entry) (*Thread, error)
	// Exit terminates the calling thread. It does not return.
	Exit()
}

// Thread is a handle to an execution context.
type Thread struct {
	// ID is unique for the lifetime of the Runner.
	ID int64
	// Name is the debug name given at creation.
	Name string
	// CreatedAt is when the thread was forked.
	CreatedAt time.Time

	done chan struct{}
}

// Done is closed once the thread has finished running.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// Stats contains runner statistics.
type Stats struct {
	Forked int64
	Exited int64
	Failed int64
	Live   int
}

// Runner implements Scheduler on goroutines.
type Runner struct {
	// mu protects live and failNext.
	mu       sync.Mutex
	live     map[int64]*Thread
	failNext int
	nextID   atomic.Int64
	forked   atomic.Int64
	exited   atomic.Int64
	failed   atomic.Int64
	wg       sync.WaitGroup
	log      *slog.Logger
}

// NewRunner creates a goroutine-backed scheduler.
func NewRunner() *Runner {
	return &Runner{
		live: make(map[int64]*Thread),
		log:  logging.GetLogger("thread"),
	}
}

// FailNextFork makes the next n calls to Fork fail.
func (r *Runner) FailNextFork(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = n
}

// Fork implements Scheduler.
func (r *Runner) Fork(name string, entry Entry) (*Thread, error) {
	r.mu.Lock()
	if r.failNext > 0 {
		r.failNext--
		r.mu.Unlock()
		r.failed.Add(1)
		return nil, ErrSpawnFailed
	}

	t := &Thread{
		ID:        r.nextID.Add(1),
		Name:      name,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
	r.live[t.ID] = t
	r.mu.Unlock()

	r.forked.Add(1)
	r.wg.Add(1)
	go r.run(t, entry)

	return t, nil
}

func (r *Runner) run(t *Thread, entry Entry) {
	// Deferred so that Exit, which unwinds via runtime.Goexit, still retires
	// the thread.
	defer func() {
		r.mu.Lock()
		delete(r.live, t.ID)
		r.mu.Unlock()
		r.exited.Add(1)
		close(t.done)
		r.wg.Done()
		r.log.Debug("thread exited", "tid", t.ID, "name", t.Name)
	}()

	r.log.Debug("thread started", "tid", t.ID, "name", t.Name)
	entry()
}

// Exit implements Scheduler. It must be called from a thread created by
// this Runner.
func (r *Runner) Exit() {
	runtime.Goexit()
}

// Wait blocks until every thread has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Live returns the number of threads still running.
func (r *Runner) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Stats returns runner statistics.
func (r *Runner) Stats() Stats {
	return Stats{
		Forked: r.forked.Load(),
		Exited: r.exited.Load(),
		Failed: r.failed.Load(),
		Live:   r.Live(),
	}
}
