// Package syscalls decodes system call traps and routes them to the process
// core. Call numbers and the return convention follow the MIPS ABI used by
// the user library: the call number arrives in V0, arguments in A0-A2, and
// on return V0 holds the result or error code with A3 flagging failure.
package syscalls

import (
	"errors"
	"log/slog"

	"kproc/internal/logging"
	"kproc/pkg/addrspace"
	"kproc/pkg/process"
	"kproc/pkg/trapframe"
)

// Call numbers.
const (
	SysFork    = 0
	SysExit    = 3
	SysWaitpid = 4
	SysGetpid  = 5
)

var callNames = map[uint32]string{
	SysFork:    "fork",
	SysExit:    "_exit",
	SysWaitpid: "waitpid",
	SysGetpid:  "getpid",
}

// Name returns the name of call number n, or "" if it is unknown.
func Name(n uint32) string {
	return callNames[n]
}

// Dispatcher routes traps from user mode to a kernel.
type Dispatcher struct {
	kernel *process.Kernel
	log    *slog.Logger
}

// NewDispatcher creates a dispatcher for k.
func NewDispatcher(k *process.Kernel) *Dispatcher {
	return &Dispatcher{
		kernel: k,
		log:    logging.GetLogger("syscall"),
	}
}

// Dispatch handles the trap described by tf on behalf of p. On return tf
// holds the result and EPC points past the trapping instruction. _exit
// does not return.
func (d *Dispatcher) Dispatch(p *process.Process, tf *trapframe.TrapFrame) {
	call := tf.V0
	var (
		ret int
		err error
	)

	switch call {
	case SysFork:
		ret, err = d.kernel.Fork(p, tf)
	case SysExit:
		d.kernel.Exit(p, int(tf.Arg(0)))
	case SysWaitpid:
		ret, err = d.kernel.Waitpid(p, int(tf.Arg(0)), addrspace.UserPtr(tf.A1), int(tf.Arg(2)))
	case SysGetpid:
		ret = d.kernel.Getpid(p)
	default:
		d.log.Warn("unknown syscall", "pid", p.PID(), "call", call)
		err = process.ENOSYS
	}

	if err != nil {
		tf.SetError(int32(errnoOf(err)))
	} else {
		tf.SetResult(int32(ret))
	}
	tf.Advance()
}

func errnoOf(err error) process.Errno {
	var errno process.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return process.ENOMEM
}
