package process_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kproc/pkg/addrspace"
	"kproc/pkg/filetable"
	"kproc/pkg/kheap"
	"kproc/pkg/machine"
	"kproc/pkg/process"
	"kproc/pkg/synch"
	"kproc/pkg/thread"
	"kproc/pkg/trapframe"
	"kproc/pkg/vfs"
)

// Program layout used by the tests. A fork at site resumes the child at
// site+4.
const (
	initEntry  = 0x00400000
	forkSite   = 0x00400100
	childEntry = forkSite + trapframe.InstructionSize
	forkSite2  = 0x00400200
	grandEntry = forkSite2 + trapframe.InstructionSize
	otherEntry = 0x00400300
)

type rig struct {
	k      *process.Kernel
	m      *machine.Machine
	heap   *kheap.Arena
	runner *thread.Runner
}

func newRig(t *testing.T, cfg process.Config) *rig {
	t.Helper()
	heap := kheap.NewArena()
	runner := thread.NewRunner()
	m := machine.New(heap)
	k, err := process.NewKernel(cfg, process.Deps{Scheduler: runner, User: m, Heap: heap})
	require.NoError(t, err)
	m.Attach(k)
	return &rig{k: k, m: m, heap: heap, runner: runner}
}

func (r *rig) boot(t *testing.T, name string, entry uint32, cwd vfs.Vnode) *process.Process {
	t.Helper()
	p, err := r.m.Boot(name, entry, cwd)
	require.NoError(t, err)
	return p
}

// await reaps a booted process and waits for every thread to finish.
func (r *rig) await(t *testing.T, p *process.Process) process.WaitStatus {
	t.Helper()
	var (
		status process.WaitStatus
		err    error
	)
	done := make(chan struct{})
	go func() {
		status, err = r.k.Await(p)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", p.Name())
	}
	require.NoError(t, err)
	r.runner.Wait()
	return status
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func liveByKind(a *kheap.Arena) map[string]int {
	out := make(map[string]int)
	for _, s := range a.Snapshot() {
		if s.Live > 0 {
			out[s.Kind] = s.Live
		}
	}
	return out
}

type waitResult struct {
	pid    int
	status process.WaitStatus
	err    error
}

// TestForkWaitExitCode tests that the parent sees the code the child exits
// with and that nothing is left allocated afterwards.
func TestForkWaitExitCode(t *testing.T) {
	r := newRig(t, process.DefaultConfig())
	results := make(chan waitResult, 1)
	frames := make(chan trapframe.TrapFrame, 1)

	r.m.Load(childEntry, func(u *machine.User) {
		frames <- u.Frame()
		u.Exit(7)
	})
	r.m.Load(initEntry, func(u *machine.User) {
		pid, err := u.Fork(forkSite)
		if !assert.NoError(t, err) {
			return
		}
		status, err := u.Wait(pid)
		results <- waitResult{pid: pid, status: status, err: err}
	})

	p := r.boot(t, "init", initEntry, nil)
	status := r.await(t, p)

	res := recv(t, results)
	require.NoError(t, res.err)
	assert.Equal(t, 3, res.pid)
	assert.True(t, res.status.Exited())
	assert.Equal(t, 7, res.status.ExitStatus())

	tf := recv(t, frames)
	assert.Zero(t, tf.V0)
	assert.Zero(t, tf.V1)
	assert.Zero(t, tf.A3)
	assert.Equal(t, uint32(childEntry), tf.EPC)

	assert.Equal(t, 0, status.ExitStatus())
	assert.Equal(t, 0, r.k.Table().Count())
	assert.Empty(t, liveByKind(r.heap))
}

// TestWaitBlocksUntilExit tests that waitpid does not return before the
// child exits.
func TestWaitBlocksUntilExit(t *testing.T) {
	r := newRig(t, process.DefaultConfig())
	release := make(chan struct{})
	waiting := make(chan int, 1)
	results := make(chan waitResult, 1)

	r.m.Load(childEntry, func(u *machine.User) {
		<-release
		u.Exit(3)
	})
	r.m.Load(initEntry, func(u *machine.User) {
		pid, err := u.Fork(forkSite)
		if !assert.NoError(t, err) {
			return
		}
		waiting <- pid
		status, err := u.Wait(pid)
		results <- waitResult{pid: pid, status: status, err: err}
	})

	p := r.boot(t, "init", initEntry, nil)
	pid := recv(t, waiting)

	select {
	case <-results:
		t.Fatal("waitpid returned before the child exited")
	case <-time.After(50 * time.Millisecond):
	}
	child, ok := r.k.Table().Lookup(pid)
	require.True(t, ok)
	assert.Equal(t, process.StateRunning, child.State())

	close(release)
	res := recv(t, results)
	require.NoError(t, res.err)
	assert.Equal(t, pid, res.pid)
	assert.Equal(t, 3, res.status.ExitStatus())

	r.await(t, p)
	assert.Equal(t, process.StateReaped, child.State())
}

// TestZombieStaysUntilReaped tests that an exited child keeps its pid until
// its parent waits.
func TestZombieStaysUntilReaped(t *testing.T) {
	r := newRig(t, process.DefaultConfig())
	proceed := make(chan struct{})
	forked := make(chan int, 1)
	results := make(chan waitResult, 1)

	r.m.Load(childEntry, func(u *machine.User) {
		u.Exit(42)
	})
	r.m.Load(initEntry, func(u *machine.User) {
		pid, err := u.Fork(forkSite)
		if !assert.NoError(t, err) {
			return
		}
		forked <- pid
		<-proceed
		status, err := u.Wait(pid)
		results <- waitResult{pid: pid, status: status, err: err}
	})

	p := r.boot(t, "init", initEntry, nil)
	pid := recv(t, forked)
	child, ok := r.k.Table().Lookup(pid)
	require.True(t, ok)
	recv(t, child.Thread().Done())

	assert.True(t, child.IsZombie())
	assert.True(t, r.k.Table().Occupied(pid))
	assert.Nil(t, child.AddrSpace())
	_, err := r.k.Await(child)
	assert.ErrorIs(t, err, process.ErrHasParent)

	close(proceed)
	res := recv(t, results)
	require.NoError(t, res.err)
	assert.Equal(t, 42, res.status.ExitStatus())
	assert.False(t, r.k.Table().Occupied(pid))

	r.await(t, p)
}

// TestWaitpidErrors tests argument validation and its order.
func TestWaitpidErrors(t *testing.T) {
	r := newRig(t, process.DefaultConfig())
	release := make(chan struct{})
	done := make(chan struct{})

	r.m.Load(otherEntry, func(u *machine.User) {
		<-release
	})
	other := r.boot(t, "other", otherEntry, nil)

	r.m.Load(childEntry, func(u *machine.User) {
		<-release
		u.Exit(1)
	})
	r.m.Load(initEntry, func(u *machine.User) {
		defer close(done)
		child, err := u.Fork(forkSite)
		if !assert.NoError(t, err) {
			return
		}

		tests := []struct {
			name    string
			pid     int
			status  addrspace.UserPtr
			options int
			want    process.Errno
		}{
			{"nonzero options", child, machine.StatusAddr, 1, process.EINVAL},
			{"options checked before status", 999, addrspace.Null, 5, process.EINVAL},
			{"null status", child, addrspace.Null, 0, process.EFAULT},
			{"status checked before pid", 999, addrspace.Null, 0, process.EFAULT},
			{"never allocated", 999, machine.StatusAddr, 0, process.ESRCH},
			{"above range", 40000, machine.StatusAddr, 0, process.ESRCH},
			{"negative", -1, machine.StatusAddr, 0, process.ESRCH},
			{"zero", 0, machine.StatusAddr, 0, process.ESRCH},
			{"unrelated live process", other.PID(), machine.StatusAddr, 0, process.ECHILD},
			{"self", u.Getpid(), machine.StatusAddr, 0, process.ECHILD},
		}
		for _, tt := range tests {
			ret, err := u.Waitpid(tt.pid, tt.status, tt.options)
			assert.Equal(t, -1, ret, tt.name)
			assert.ErrorIs(t, err, tt.want, tt.name)
			assert.Equal(t, uint32(1), u.Frame().A3, tt.name)
		}
		assert.Equal(t, []int{child}, u.Process().Children())

		close(release)
		status, err := u.Wait(child)
		assert.NoError(t, err)
		assert.Equal(t, 1, status.ExitStatus())
	})

	p := r.boot(t, "init", initEntry, nil)
	recv(t, done)
	r.await(t, p)
	r.await(t, other)
}

// TestWaitpidBadStatusAfterReap tests that a status pointer that cannot be
// written still reaps the child.
func TestWaitpidBadStatusAfterReap(t *testing.T) {
	r := newRig(t, process.DefaultConfig())
	results := make(chan []error, 1)

	r.m.Load(childEntry, func(u *machine.User) {
		u.Exit(5)
	})
	r.m.Load(initEntry, func(u *machine.User) {
		pid, err := u.Fork(forkSite)
		if !assert.NoError(t, err) {
			return
		}
		_, first := u.Waitpid(pid, 0x4, 0)
		_, second := u.Waitpid(pid, machine.StatusAddr, 0)
		results <- []error{first, second}
	})

	p := r.boot(t, "init", initEntry, nil)
	errs := recv(t, results)
	assert.ErrorIs(t, errs[0], process.EFAULT)
	assert.ErrorIs(t, errs[1], process.ESRCH)

	r.await(t, p)
	assert.Equal(t, 0, r.k.Table().Count())
	assert.Empty(t, liveByKind(r.heap))
}

// TestExitOrphansChildren tests that a child outliving its parent is
// orphaned and never reaped.
func TestExitOrphansChildren(t *testing.T) {
	r := newRig(t, process.DefaultConfig())
	release := make(chan struct{})
	grandchild := make(chan int, 1)
	results := make(chan waitResult, 1)

	r.m.Load(grandEntry, func(u *machine.User) {
		<-release
		u.Exit(9)
	})
	r.m.Load(childEntry, func(u *machine.User) {
		pid, err := u.Fork(forkSite2)
		if !assert.NoError(t, err) {
			return
		}
		grandchild <- pid
		u.Exit(2)
	})
	r.m.Load(initEntry, func(u *machine.User) {
		pid, err := u.Fork(forkSite)
		if !assert.NoError(t, err) {
			return
		}
		status, err := u.Wait(pid)
		results <- waitResult{pid: pid, status: status, err: err}
	})

	p := r.boot(t, "init", initEntry, nil)
	gpid := recv(t, grandchild)
	res := recv(t, results)
	require.NoError(t, res.err)
	assert.Equal(t, 2, res.status.ExitStatus())

	gc, ok := r.k.Table().Lookup(gpid)
	require.True(t, ok)
	assert.Equal(t, process.NoParent, gc.ParentPID())
	assert.True(t, gc.Orphaned())

	close(release)
	recv(t, gc.Thread().Done())
	assert.True(t, gc.IsZombie())

	r.await(t, p)
	assert.True(t, r.k.Table().Occupied(gpid))
	assert.Equal(t, 1, r.k.Table().Count())
	assert.Equal(t, map[string]int{synch.KindSemaphore: 1}, liveByKind(r.heap))
}

// TestForkFailureUnwinds tests that a failure at each fork step leaves the
// table and heap exactly as they were.
func TestForkFailureUnwinds(t *testing.T) {
	tests := []struct {
		name   string
		inject func(r *rig)
	}{
		{"handshake", func(r *rig) { r.heap.FailAfter(process.KindHandshake, 0) }},
		{"child go semaphore", func(r *rig) { r.heap.FailAfter(synch.KindSemaphore, 0) }},
		{"parent go semaphore", func(r *rig) { r.heap.FailAfter(synch.KindSemaphore, 1) }},
		{"address space copy", func(r *rig) { r.heap.FailAfter(addrspace.KindAddrSpace, 0) }},
		{"zombie semaphore", func(r *rig) { r.heap.FailAfter(synch.KindSemaphore, 2) }},
		{"child link", func(r *rig) { r.heap.FailAfter(process.KindChildLink, 0) }},
		{"thread", func(r *rig) { r.runner.FailNextFork(1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, process.DefaultConfig())
			var childRan atomic.Bool
			done := make(chan struct{})

			r.m.Load(childEntry, func(u *machine.User) {
				childRan.Store(true)
			})
			r.m.Load(initEntry, func(u *machine.User) {
				defer close(done)
				count := r.k.Table().Count()
				live := liveByKind(r.heap)

				tt.inject(r)
				pid, err := u.Fork(forkSite)
				assert.Equal(t, -1, pid)
				assert.ErrorIs(t, err, process.ENOMEM)

				tf := u.Frame()
				assert.Equal(t, uint32(process.ENOMEM), tf.V0)
				assert.Equal(t, uint32(1), tf.A3)
				assert.Equal(t, uint32(forkSite+trapframe.InstructionSize), tf.EPC)

				assert.Equal(t, count, r.k.Table().Count())
				assert.Equal(t, live, liveByKind(r.heap))
				assert.Empty(t, u.Process().Children())

				// The injection is spent and the freed pid is handed out again.
				pid, err = u.Fork(forkSite)
				if assert.NoError(t, err) {
					assert.Equal(t, 3, pid)
					_, err = u.Wait(pid)
					assert.NoError(t, err)
				}
			})

			p := r.boot(t, "init", initEntry, nil)
			recv(t, done)
			r.await(t, p)
			assert.True(t, childRan.Load())
			assert.Empty(t, liveByKind(r.heap))
		})
	}
}

// TestForkPidExhaustion tests ENPROC when the table is full.
func TestForkPidExhaustion(t *testing.T) {
	r := newRig(t, process.Config{PIDMin: 2, PIDMax: 4, OpenMax: 4})
	release := make(chan struct{})
	done := make(chan struct{})

	r.m.Load(childEntry, func(u *machine.User) {
		<-release
	})
	r.m.Load(initEntry, func(u *machine.User) {
		defer close(done)
		pid, err := u.Fork(forkSite)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, 3, pid)

		_, err = u.Fork(forkSite)
		assert.ErrorIs(t, err, process.ENPROC)
		assert.Equal(t, 2, r.k.Table().Count())

		close(release)
		_, err = u.Wait(pid)
		assert.NoError(t, err)
	})

	p := r.boot(t, "init", initEntry, nil)
	recv(t, done)
	r.await(t, p)
}

// TestConcurrentForksUniquePids tests that forks racing from several
// parents never share a pid.
func TestConcurrentForksUniquePids(t *testing.T) {
	const parents = 8
	const children = 10
	r := newRig(t, process.DefaultConfig())
	release := make(chan struct{})
	pids := make(chan int, parents*children)

	var forked sync.WaitGroup
	forked.Add(parents)
	r.m.Load(childEntry, func(u *machine.User) {
		<-release
	})
	r.m.Load(initEntry, func(u *machine.User) {
		var mine []int
		for i := 0; i < children; i++ {
			pid, err := u.Fork(forkSite)
			if assert.NoError(t, err) {
				mine = append(mine, pid)
				pids <- pid
			}
		}
		forked.Done()
		for _, pid := range mine {
			_, err := u.Wait(pid)
			assert.NoError(t, err)
		}
	})

	var booted []*process.Process
	for i := 0; i < parents; i++ {
		booted = append(booted, r.boot(t, "parent", initEntry, nil))
	}
	forked.Wait()

	seen := make(map[int]bool)
	for i := 0; i < parents*children; i++ {
		pid := recv(t, pids)
		assert.False(t, seen[pid], "pid %d handed out twice", pid)
		seen[pid] = true
	}
	assert.Equal(t, parents*(children+1), r.k.Table().Count())

	close(release)
	for _, p := range booted {
		r.await(t, p)
	}
	assert.Equal(t, 0, r.k.Table().Count())
	assert.Empty(t, liveByKind(r.heap))
}

// TestForkSharesDescriptors tests that forked descriptors share one open
// file and that the vnode is released after the last close.
func TestForkSharesDescriptors(t *testing.T) {
	r := newRig(t, process.DefaultConfig())
	node := vfs.NewNode("/var/log/kproc")
	of := filetable.NewOpenFile("log", node, filetable.WriteOnly)
	fds := make(chan int, 1)
	refs := make(chan int, 2)

	r.m.Load(childEntry, func(u *machine.User) {
		fd := <-fds
		f, err := u.Process().Files().Get(fd)
		if assert.NoError(t, err) {
			assert.Same(t, of, f)
			f.Seek(128)
		}
		refs <- of.Refs()
	})
	r.m.Load(initEntry, func(u *machine.User) {
		fd, err := u.Process().Files().Install(of)
		if !assert.NoError(t, err) {
			return
		}
		pid, err := u.Fork(forkSite)
		if !assert.NoError(t, err) {
			return
		}
		fds <- fd
		_, err = u.Wait(pid)
		assert.NoError(t, err)
		assert.Equal(t, int64(128), of.Offset())
		refs <- of.Refs()
	})

	p := r.boot(t, "init", initEntry, nil)
	assert.Equal(t, 2, recv(t, refs))
	assert.Equal(t, 1, recv(t, refs))
	r.await(t, p)
	assert.Equal(t, 0, of.Refs())
	assert.True(t, node.Reclaimed())
}

// TestForkSharesCwd tests working directory reference counting across fork
// and exit.
func TestForkSharesCwd(t *testing.T) {
	r := newRig(t, process.DefaultConfig())
	cwd := vfs.NewNode("/home")
	refs := make(chan int, 1)

	r.m.Load(childEntry, func(u *machine.User) {
		assert.Same(t, cwd, u.Process().Cwd())
		refs <- cwd.Refs()
	})
	r.m.Load(initEntry, func(u *machine.User) {
		pid, err := u.Fork(forkSite)
		if assert.NoError(t, err) {
			_, err = u.Wait(pid)
			assert.NoError(t, err)
		}
	})

	p := r.boot(t, "init", initEntry, cwd)
	assert.Equal(t, 3, recv(t, refs))
	r.await(t, p)
	assert.Equal(t, 1, cwd.Refs())
	assert.False(t, cwd.Reclaimed())
}

// TestForkCopiesAddressSpace tests that the child gets a private copy of
// the parent's memory.
func TestForkCopiesAddressSpace(t *testing.T) {
	r := newRig(t, process.DefaultConfig())
	const addr = addrspace.DataBase + 8
	seen := make(chan uint32, 2)

	r.m.Load(childEntry, func(u *machine.User) {
		v, err := u.Load32(addr)
		assert.NoError(t, err)
		seen <- v
		assert.NoError(t, u.Store32(addr, 0xbeef))
	})
	r.m.Load(initEntry, func(u *machine.User) {
		if !assert.NoError(t, u.Store32(addr, 0xdead)) {
			return
		}
		pid, err := u.Fork(forkSite)
		if !assert.NoError(t, err) {
			return
		}
		_, err = u.Wait(pid)
		assert.NoError(t, err)
		v, err := u.Load32(addr)
		assert.NoError(t, err)
		seen <- v
	})

	p := r.boot(t, "init", initEntry, nil)
	assert.Equal(t, uint32(0xdead), recv(t, seen))
	assert.Equal(t, uint32(0xdead), recv(t, seen))
	r.await(t, p)
}

// TestGetpid tests that parent and child each see their own pid.
func TestGetpid(t *testing.T) {
	r := newRig(t, process.DefaultConfig())
	childPID := make(chan int, 1)
	parentView := make(chan [2]int, 1)

	r.m.Load(childEntry, func(u *machine.User) {
		childPID <- u.Getpid()
	})
	r.m.Load(initEntry, func(u *machine.User) {
		pid, err := u.Fork(forkSite)
		if !assert.NoError(t, err) {
			return
		}
		parentView <- [2]int{u.Getpid(), pid}
		_, err = u.Wait(pid)
		assert.NoError(t, err)
	})

	p := r.boot(t, "init", initEntry, nil)
	view := recv(t, parentView)
	assert.Equal(t, p.PID(), view[0])
	assert.Equal(t, view[1], recv(t, childPID))
	r.await(t, p)
}

// TestSpawnAwait tests the parentless process path.
func TestSpawnAwait(t *testing.T) {
	r := newRig(t, process.DefaultConfig())
	r.m.Load(initEntry, func(u *machine.User) {
		assert.Equal(t, process.NoParent, u.Process().ParentPID())
		u.Exit(300)
	})

	p := r.boot(t, "init", initEntry, nil)
	assert.Equal(t, 2, p.PID())
	status := r.await(t, p)
	assert.Equal(t, 300&0xff, status.ExitStatus())
	assert.Equal(t, process.StateReaped, p.State())
	assert.False(t, p.Orphaned())
	assert.Equal(t, 0, r.k.Table().Count())
	assert.Empty(t, liveByKind(r.heap))
}
