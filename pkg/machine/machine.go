// Package machine simulates user mode for the process core. User programs
// are Go functions loaded at program counter addresses; a thread entering
// user mode runs the routine loaded at its EPC and reaches the kernel only
// through system call traps.
//
// A forked child resumes at the instruction after the fork trap, so a
// program that forks at site loads the child's continuation at
// site+trapframe.InstructionSize.
package machine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"kproc/internal/logging"
	"kproc/pkg/addrspace"
	"kproc/pkg/kheap"
	"kproc/pkg/process"
	"kproc/pkg/syscalls"
	"kproc/pkg/trapframe"
	"kproc/pkg/vfs"
)

// StatusAddr is the scratch word User.Wait hands to waitpid.
const StatusAddr = addrspace.DataBase

// ExitNoProgram is the exit code of a thread whose EPC has no routine.
const ExitNoProgram = 127

// ErrNotAttached is returned by Boot before a kernel is attached.
var ErrNotAttached = errors.New("machine has no kernel attached")

// Routine is a user program.
type Routine func(u *User)

// Machine implements process.UserMode.
type Machine struct {
	mu       sync.RWMutex
	heap     kheap.Allocator
	kernel   *process.Kernel
	dispatch *syscalls.Dispatcher
	programs map[uint32]Routine
	log      *slog.Logger
}

var _ process.UserMode = (*Machine)(nil)

// New creates a machine whose address spaces are charged to heap.
func New(heap kheap.Allocator) *Machine {
	return &Machine{
		heap:     heap,
		programs: make(map[uint32]Routine),
		log:      logging.GetLogger("machine"),
	}
}

// Attach connects the kernel that traps are delivered to. The kernel is
// built with the machine as its UserMode, so the two are tied together
// after both exist.
func (m *Machine) Attach(k *process.Kernel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kernel = k
	m.dispatch = syscalls.NewDispatcher(k)
}

// Load places r at pc.
func (m *Machine) Load(pc uint32, r Routine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.programs[pc] = r
}

// Boot starts a parentless process running the routine at entry with a
// fresh address space and cwd as its working directory.
func (m *Machine) Boot(name string, entry uint32, cwd vfs.Vnode) (*process.Process, error) {
	m.mu.RLock()
	k := m.kernel
	m.mu.RUnlock()
	if k == nil {
		return nil, ErrNotAttached
	}

	as, err := addrspace.New(m.heap)
	if err != nil {
		return nil, fmt.Errorf("boot %s: %w", name, err)
	}
	tf := trapframe.TrapFrame{
		EPC: entry,
		SP:  uint32(addrspace.StackTop),
	}
	p, err := k.Spawn(name, as, cwd, tf)
	if err != nil {
		as.Destroy()
		return nil, fmt.Errorf("boot %s: %w", name, err)
	}
	return p, nil
}

// Enter implements process.UserMode. A routine that returns is treated as
// calling exit(0).
func (m *Machine) Enter(p *process.Process, tf trapframe.TrapFrame) {
	m.mu.RLock()
	r := m.programs[tf.EPC]
	d := m.dispatch
	m.mu.RUnlock()

	u := &User{proc: p, frame: tf, dispatch: d}
	if r == nil {
		m.log.Error("no program at pc", "pid", p.PID(), "pc", fmt.Sprintf("%#x", tf.EPC))
		u.Exit(ExitNoProgram)
	}
	r(u)
	u.Exit(0)
}

// User is the view a running program has of its own registers and memory.
// It belongs to a single thread.
type User struct {
	proc     *process.Process
	frame    trapframe.TrapFrame
	dispatch *syscalls.Dispatcher
}

// Frame returns the registers as of the last return to user mode.
func (u *User) Frame() trapframe.TrapFrame {
	return u.frame
}

// Process returns the process the program runs as.
func (u *User) Process() *process.Process {
	return u.proc
}

// Syscall traps into the kernel from site with call number call and up to
// three arguments. It returns V0, and the error code if A3 is set.
func (u *User) Syscall(site uint32, call uint32, args ...uint32) (int32, error) {
	tf := u.frame
	tf.EPC = site
	tf.V0 = call
	tf.A0, tf.A1, tf.A2, tf.A3 = 0, 0, 0, 0
	for i, a := range args {
		switch i {
		case 0:
			tf.A0 = a
		case 1:
			tf.A1 = a
		case 2:
			tf.A2 = a
		}
	}

	u.dispatch.Dispatch(u.proc, &tf)
	u.frame = tf
	if tf.Failed() {
		return -1, process.Errno(tf.V0)
	}
	return int32(tf.V0), nil
}

// Fork traps to fork at site. The parent gets the child's pid; the child
// starts running the routine loaded at the next instruction.
func (u *User) Fork(site uint32) (int, error) {
	pid, err := u.Syscall(site, syscalls.SysFork)
	return int(pid), err
}

// Exit traps to _exit. It does not return.
func (u *User) Exit(code int) {
	u.Syscall(u.frame.EPC, syscalls.SysExit, uint32(code))
	panic("machine: returned from exit")
}

// Getpid traps to getpid.
func (u *User) Getpid() int {
	pid, _ := u.Syscall(u.frame.EPC, syscalls.SysGetpid)
	return int(pid)
}

// Waitpid traps to waitpid.
func (u *User) Waitpid(pid int, status addrspace.UserPtr, options int) (int, error) {
	ret, err := u.Syscall(u.frame.EPC, syscalls.SysWaitpid, uint32(pid), uint32(status), uint32(options))
	return int(ret), err
}

// Wait waits for pid with the status written to StatusAddr and returns the
// decoded status.
func (u *User) Wait(pid int) (process.WaitStatus, error) {
	if _, err := u.Waitpid(pid, StatusAddr, 0); err != nil {
		return 0, err
	}
	v, err := u.Load32(StatusAddr)
	if err != nil {
		return 0, err
	}
	return process.WaitStatus(int32(v)), nil
}

// Load32 reads a word from the program's address space.
func (u *User) Load32(addr addrspace.UserPtr) (uint32, error) {
	as := u.proc.AddrSpace()
	if as == nil {
		return 0, addrspace.ErrFault
	}
	var buf [4]byte
	if err := as.Copyin(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// Store32 writes a word into the program's address space.
func (u *User) Store32(addr addrspace.UserPtr, v uint32) error {
	as := u.proc.AddrSpace()
	if as == nil {
		return addrspace.ErrFault
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return as.Copyout(addr, buf[:])
}
