package process

import (
	"errors"
	"fmt"
	"log/slog"

	"kproc/internal/logging"
	"kproc/pkg/addrspace"
	"kproc/pkg/kheap"
	"kproc/pkg/synch"
	"kproc/pkg/thread"
	"kproc/pkg/trapframe"
	"kproc/pkg/vfs"
)

// Kernel errors.
var (
	ErrBadConfig   = errors.New("invalid process configuration")
	ErrMissingDep  = errors.New("missing kernel dependency")
	ErrHasParent   = errors.New("process has a parent that will reap it")
	ErrNotForkable = errors.New("process has no address space")
)

// Config sizes the process subsystem.
type Config struct {
	// PIDMin is the lowest pid handed out.
	PIDMin int
	// PIDMax is the highest valid pid. Allocation stops one below it.
	PIDMax int
	// OpenMax is the number of descriptor slots per process.
	OpenMax int
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		PIDMin:  2,
		PIDMax:  32767,
		OpenMax: 128,
	}
}

// Validate checks the limits.
func (c Config) Validate() error {
	if c.PIDMin < 1 {
		return fmt.Errorf("%w: pid_min %d < 1", ErrBadConfig, c.PIDMin)
	}
	if c.PIDMax <= c.PIDMin {
		return fmt.Errorf("%w: pid_max %d <= pid_min %d", ErrBadConfig, c.PIDMax, c.PIDMin)
	}
	if c.OpenMax < 1 {
		return fmt.Errorf("%w: open_max %d < 1", ErrBadConfig, c.OpenMax)
	}
	return nil
}

// UserMode transfers a thread into user mode. Enter does not return; the
// program it runs leaves only through exit.
type UserMode interface {
	Enter(p *Process, tf trapframe.TrapFrame)
}

// Deps are the subsystems the process core is built on.
type Deps struct {
	Scheduler thread.Scheduler
	User      UserMode
	Heap      kheap.Allocator
}

// Kernel owns the process table and implements the process syscalls.
type Kernel struct {
	cfg   Config
	table *Table
	sched thread.Scheduler
	user  UserMode
	heap  kheap.Allocator
	log   *slog.Logger
}

// NewKernel creates the process subsystem.
func NewKernel(cfg Config, deps Deps) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Scheduler == nil || deps.User == nil {
		return nil, fmt.Errorf("%w: scheduler and user mode are required", ErrMissingDep)
	}
	if deps.Heap == nil {
		deps.Heap = kheap.NewArena()
	}

	return &Kernel{
		cfg:   cfg,
		table: NewTable(cfg.PIDMin, cfg.PIDMax),
		sched: deps.Scheduler,
		user:  deps.User,
		heap:  deps.Heap,
		log:   logging.GetLogger("process"),
	}, nil
}

// Config returns the limits the kernel was built with.
func (k *Kernel) Config() Config {
	return k.cfg
}

// Table returns the process table.
func (k *Kernel) Table() *Table {
	return k.table
}

// Getpid returns the caller's pid.
func (k *Kernel) Getpid(caller *Process) int {
	return caller.PID()
}

// Spawn starts a process with no parent running tf in user mode. The new
// process takes ownership of as and a reference to cwd; on error the caller
// still owns as.
func (k *Kernel) Spawn(name string, as addrspace.AddressSpace, cwd vfs.Vnode, tf trapframe.TrapFrame) (*Process, error) {
	if as == nil {
		return nil, ErrNotForkable
	}

	var undo rollback
	defer undo.run()

	pid, err := k.table.Allocate(nil)
	if err != nil {
		return nil, err
	}
	undo.push(func() { k.table.Release(pid) })

	zombie, err := synch.NewSemaphore(k.heap, name+" zombie", 0)
	if err != nil {
		return nil, ENOMEM
	}
	undo.push(zombie.Destroy)

	p := newProcess(pid, name, NoParent, k.cfg.OpenMax)
	p.as = as
	p.zombie = zombie
	if cwd != nil {
		cwd.Incref()
		p.cwd = cwd
		undo.push(cwd.Decref)
	}

	k.table.Publish(pid, p)

	t, err := k.sched.Fork(name, func() {
		as.Activate()
		if err := p.TransitionTo(StateRunning); err != nil {
			panic(err)
		}
		k.user.Enter(p, tf)
		panic("process: returned from user mode")
	})
	if err != nil {
		return nil, ENOMEM
	}
	undo.commit()

	p.mu.Lock()
	p.thread = t
	p.mu.Unlock()

	k.log.Debug("spawned process", "pid", pid, "name", name)
	return p, nil
}

// Await blocks until a parentless process exits, reaps it, and returns its
// status. Processes with a living parent must be reaped by that parent.
func (k *Kernel) Await(p *Process) (WaitStatus, error) {
	if p.ParentPID() != NoParent {
		return 0, ErrHasParent
	}

	p.zombie.P()
	p.zombie.Destroy()
	status := p.ExitStatus()
	if err := p.TransitionTo(StateReaped); err != nil {
		panic(err)
	}
	k.table.Release(p.pid)

	k.log.Debug("reaped parentless process", "pid", p.pid, "status", int32(status))
	return status, nil
}
