package main

import (
	"fmt"
	"time"

	"kproc/pkg/addrspace"
	"kproc/pkg/machine"
	"kproc/pkg/process"
	"kproc/pkg/trapframe"
)

// User program layout. A child forked at a site resumes one instruction
// later.
const (
	treeEntry       = 0x00400000
	orphanTreeEntry = 0x00400010
	childSite       = 0x00400100
	middleSite      = 0x00400200
	grandSite       = 0x00400300

	// indexAddr is where a parent leaves the child's index before forking.
	indexAddr = addrspace.DataBase + 16
	baseCode  = 10
)

func (d *demo) load(children int) {
	m := d.machine

	m.Load(treeEntry, func(u *machine.User) {
		d.forkChildren(u, children)
	})
	m.Load(orphanTreeEntry, func(u *machine.User) {
		d.forkChildren(u, children)

		pid, err := u.Fork(middleSite)
		if err != nil {
			d.printf("pid %d: fork failed: %v\n", u.Getpid(), err)
			u.Exit(1)
		}
		d.report(u, pid)
	})

	m.Load(childSite+trapframe.InstructionSize, func(u *machine.User) {
		i, err := u.Load32(indexAddr)
		if err != nil {
			u.Exit(255)
		}
		u.Exit(baseCode + int(i))
	})

	// The middle process exits without waiting, orphaning its child.
	m.Load(middleSite+trapframe.InstructionSize, func(u *machine.User) {
		if _, err := u.Fork(grandSite); err != nil {
			u.Exit(1)
		}
	})
	m.Load(grandSite+trapframe.InstructionSize, func(u *machine.User) {
		time.Sleep(10 * time.Millisecond)
		d.printf("pid %d: parent is %d, nobody will reap me\n", u.Getpid(), u.Process().ParentPID())
	})
}

func (d *demo) forkChildren(u *machine.User, n int) {
	pids := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if err := u.Store32(indexAddr, uint32(i)); err != nil {
			u.Exit(1)
		}
		pid, err := u.Fork(childSite)
		if err != nil {
			d.printf("pid %d: fork failed: %v\n", u.Getpid(), err)
			break
		}
		pids = append(pids, pid)
	}
	for _, pid := range pids {
		d.report(u, pid)
	}
}

func (d *demo) report(u *machine.User, pid int) {
	status, err := u.Wait(pid)
	if err != nil {
		d.printf("pid %d: waitpid(%d) failed: %v\n", u.Getpid(), pid, err)
		return
	}
	d.printf("pid %d: child %d %s\n", u.Getpid(), pid, describe(status))
}

func describe(status process.WaitStatus) string {
	if status.Exited() {
		return fmt.Sprintf("exited with %d", status.ExitStatus())
	}
	return "ended abnormally"
}
