package process

import (
	"errors"

	"kproc/pkg/kheap"
	"kproc/pkg/synch"
	"kproc/pkg/trapframe"
)

// Heap kinds charged by fork.
const (
	KindHandshake = "handshake"
	KindChildLink = "childlink"
)

// handshake carries the parent's trap frame to the child and the two
// semaphores the pair rendezvous on. It lives only for one fork call.
type handshake struct {
	heap kheap.Allocator
	// childGo is V'd by the parent once the child record is filled in.
	childGo *synch.Semaphore
	// parentGo is V'd by the child once it has activated its address space.
	parentGo *synch.Semaphore
	frame    trapframe.TrapFrame
}

func newHandshake(heap kheap.Allocator, tf *trapframe.TrapFrame) (*handshake, error) {
	var undo rollback
	defer undo.run()

	if err := heap.Alloc(KindHandshake); err != nil {
		return nil, err
	}
	undo.push(func() { heap.Free(KindHandshake) })

	childGo, err := synch.NewSemaphore(heap, "wait on parent", 0)
	if err != nil {
		return nil, err
	}
	undo.push(childGo.Destroy)

	parentGo, err := synch.NewSemaphore(heap, "wait on child", 0)
	if err != nil {
		return nil, err
	}
	undo.commit()

	return &handshake{
		heap:     heap,
		childGo:  childGo,
		parentGo: parentGo,
		frame:    *tf,
	}, nil
}

func (h *handshake) destroy() {
	h.parentGo.Destroy()
	h.childGo.Destroy()
	h.heap.Free(KindHandshake)
}

// Fork duplicates parent into a new child process. The parent gets the
// child's pid. The child starts in user mode at tf.EPC plus one instruction
// with V0 and A3 cleared, so from its point of view fork returned 0.
//
// Fork returns only after the child has activated its address space, and
// only then publishes the child in the table and the parent's children
// list. On failure nothing acquired along the way survives and the pid is
// free again.
func (k *Kernel) Fork(parent *Process, tf *trapframe.TrapFrame) (int, error) {
	pid, err := k.fork(parent, tf)
	forksTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		k.log.Debug("fork failed", "parent", parent.pid, "error", err)
		return -1, err
	}
	k.log.Debug("forked", "parent", parent.pid, "child", pid)
	return pid, nil
}

func (k *Kernel) fork(parent *Process, tf *trapframe.TrapFrame) (int, error) {
	parentAS := parent.AddrSpace()
	if parentAS == nil {
		return -1, ENOMEM
	}

	var undo rollback
	defer undo.run()

	pid, err := k.table.Allocate(parent)
	if err != nil {
		return -1, ENPROC
	}
	undo.push(func() { k.table.Release(pid) })

	hs, err := newHandshake(k.heap, tf)
	if err != nil {
		return -1, ENOMEM
	}
	undo.push(hs.destroy)

	childAS, err := parentAS.Copy()
	if err != nil {
		return -1, ENOMEM
	}
	undo.push(childAS.Destroy)

	zombie, err := synch.NewSemaphore(k.heap, "waiting on", 0)
	if err != nil {
		return -1, ENOMEM
	}
	undo.push(zombie.Destroy)

	if err := k.heap.Alloc(KindChildLink); err != nil {
		return -1, ENOMEM
	}
	undo.push(func() { k.heap.Free(KindChildLink) })

	child := newProcess(pid, parent.name, parent.pid, k.cfg.OpenMax)
	t, err := k.sched.Fork(parent.name, func() { k.childEntry(child, hs) })
	if err != nil {
		var errno Errno
		if errors.As(err, &errno) {
			return -1, errno
		}
		return -1, ENOMEM
	}
	undo.commit()

	// The child is parked on childGo, so the record can be filled in
	// without racing it.
	parent.files.CloneInto(child.files)
	cwd := parent.Cwd()
	if cwd != nil {
		cwd.Incref()
	}
	child.mu.Lock()
	child.as = childAS
	child.cwd = cwd
	child.zombie = zombie
	child.thread = t
	child.mu.Unlock()

	hs.childGo.V()
	hs.parentGo.P()

	parent.addChild(pid)
	k.table.Publish(pid, child)
	hs.destroy()

	return pid, nil
}

// childEntry is where the child thread starts. It waits for the parent to
// finish the record, builds its return-to-user frame, and tells the parent
// it is ready before entering user mode.
func (k *Kernel) childEntry(child *Process, hs *handshake) {
	hs.childGo.P()

	tf := hs.frame
	tf.V0 = 0
	tf.V1 = 0
	tf.A3 = 0
	tf.Advance()

	as := child.AddrSpace()
	as.Activate()
	if err := child.TransitionTo(StateRunning); err != nil {
		panic(err)
	}

	hs.parentGo.V()

	k.user.Enter(child, tf)
	panic("process: returned from user mode")
}
