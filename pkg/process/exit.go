package process

// Exit terminates p with the given exit code. It closes p's descriptors,
// orphans its children, releases its address space and working directory,
// records the status, and wakes a parent blocked in Waitpid. The calling
// thread is then retired; Exit does not return.
//
// Orphaned children are not reaped. Their pid and zombie semaphore stay
// allocated after they exit since no process will ever wait for them.
func (k *Kernel) Exit(p *Process, code int) {
	p.files.CloseAll()

	for _, cpid := range p.takeChildren() {
		if c, ok := k.table.Lookup(cpid); ok {
			c.orphan()
		}
		k.heap.Free(KindChildLink)
	}

	as, cwd := p.detachResources()
	if as != nil {
		as.Destroy()
	}
	if cwd != nil {
		cwd.Decref()
	}

	p.mu.Lock()
	p.exitStatus = MakeExitStatus(code)
	if err := p.transitionLocked(StateZombie); err != nil {
		p.mu.Unlock()
		panic("process: exit of pid in state " + string(p.state))
	}
	orphaned := p.orphaned
	zombie := p.zombie
	p.mu.Unlock()

	exitsTotal.Inc()
	if orphaned {
		orphansLeaked.Inc()
		k.log.Warn("orphan exited with no parent to reap it", "pid", p.pid, "code", code)
	} else {
		k.log.Debug("exited", "pid", p.pid, "code", code)
	}

	zombie.V()
	k.sched.Exit()
}
