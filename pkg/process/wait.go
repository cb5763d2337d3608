package process

import (
	"encoding/binary"

	"kproc/pkg/addrspace"
)

// Waitpid blocks until child pid of caller exits, reaps it, and writes its
// encoded status to status in the caller's address space. options must be 0.
//
// Arguments are checked in order: options, then the status pointer, then
// whether pid names an occupied slot, then whether it is caller's child.
// A status pointer that fails to copy out is reported as EFAULT after the
// child has already been reaped.
func (k *Kernel) Waitpid(caller *Process, pid int, status addrspace.UserPtr, options int) (int, error) {
	ret, err := k.waitpid(caller, pid, status, options)
	waitsTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		k.log.Debug("waitpid failed", "caller", caller.pid, "pid", pid, "error", err)
		return -1, err
	}
	return ret, nil
}

func (k *Kernel) waitpid(caller *Process, pid int, status addrspace.UserPtr, options int) (int, error) {
	if options != 0 {
		return -1, EINVAL
	}
	if status == addrspace.Null {
		return -1, EFAULT
	}
	if !k.table.Valid(pid) || !k.table.Occupied(pid) {
		return -1, ESRCH
	}
	if !caller.hasChild(pid) {
		return -1, ECHILD
	}
	// A listed child is always published before the parent lists it.
	child, ok := k.table.Lookup(pid)
	if !ok {
		return -1, ECHILD
	}

	child.zombie.P()

	caller.removeChild(pid)
	k.heap.Free(KindChildLink)
	child.zombie.Destroy()

	code := child.ExitStatus()
	if err := child.TransitionTo(StateReaped); err != nil {
		panic(err)
	}
	k.table.Release(pid)
	k.log.Debug("reaped", "parent", caller.pid, "pid", pid, "status", int32(code))

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(code))
	as := caller.AddrSpace()
	if as == nil || as.Copyout(status, buf[:]) != nil {
		return -1, EFAULT
	}
	return pid, nil
}
