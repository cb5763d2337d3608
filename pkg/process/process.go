package process

import (
	"slices"
	"sync"
	"time"

	"kproc/pkg/addrspace"
	"kproc/pkg/filetable"
	"kproc/pkg/synch"
	"kproc/pkg/thread"
	"kproc/pkg/vfs"
)

// NoParent is the parent pid of a process whose parent has exited, or that
// was started by the kernel.
const NoParent = -1

// Process is the kernel's control block for one process. The execution
// context that runs it is a separate thread.Thread linked by Thread.
//
// The children list and parent pid are only written by the process itself,
// or by its parent while the parent exits; mu orders those writes against
// readers such as the table snapshot.
type Process struct {
	pid  int
	name string

	// mu protects everything below.
	mu         sync.Mutex
	parentPID  int
	orphaned   bool
	children   []int
	files      *filetable.Table
	as         addrspace.AddressSpace
	cwd        vfs.Vnode
	exitStatus WaitStatus
	state      ProcessState
	zombie     *synch.Semaphore
	thread     *thread.Thread
	createdAt  time.Time
	startedAt  time.Time
	exitedAt   time.Time
}

func newProcess(pid int, name string, parentPID int, openMax int) *Process {
	return &Process{
		pid:       pid,
		name:      name,
		parentPID: parentPID,
		files:     filetable.New(openMax),
		state:     StateEmbryo,
		createdAt: time.Now(),
	}
}

// PID returns the process id.
func (p *Process) PID() int {
	return p.pid
}

// Name returns the debug name.
func (p *Process) Name() string {
	return p.name
}

// ParentPID returns the parent's pid, or NoParent.
func (p *Process) ParentPID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parentPID
}

// Children returns a copy of the child pid list.
func (p *Process) Children() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.children)
}

// Files returns the descriptor table.
func (p *Process) Files() *filetable.Table {
	return p.files
}

// AddrSpace returns the address space, or nil once the process has exited.
func (p *Process) AddrSpace() addrspace.AddressSpace {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.as
}

// Cwd returns the current directory, or nil once the process has exited.
func (p *Process) Cwd() vfs.Vnode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd
}

// ExitStatus returns the encoded status. It is meaningful only once the
// process is a zombie.
func (p *Process) ExitStatus() WaitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus
}

// Thread returns the execution context running the process.
func (p *Process) Thread() *thread.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.thread
}

// CreatedAt returns when the record was created.
func (p *Process) CreatedAt() time.Time {
	return p.createdAt
}

func (p *Process) hasChild(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Contains(p.children, pid)
}

func (p *Process) addChild(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.children = append(p.children, pid)
}

func (p *Process) removeChild(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := slices.Index(p.children, pid)
	if i < 0 {
		return false
	}
	p.children = slices.Delete(p.children, i, i+1)
	return true
}

// takeChildren empties the child list and returns what it held.
func (p *Process) takeChildren() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	children := p.children
	p.children = nil
	return children
}

func (p *Process) orphan() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parentPID = NoParent
	p.orphaned = true
}

// Orphaned reports whether the process outlived its parent.
func (p *Process) Orphaned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.orphaned
}

// detachResources clears the address space and cwd so that exit can
// release them outside the lock.
func (p *Process) detachResources() (addrspace.AddressSpace, vfs.Vnode) {
	p.mu.Lock()
	defer p.mu.Unlock()

	as, cwd := p.as, p.cwd
	p.as, p.cwd = nil, nil
	return as, cwd
}
