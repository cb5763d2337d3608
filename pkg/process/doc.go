/*
Package process implements the process lifecycle core of the kernel: the
process table, the per-process record, and the fork, exit, waitpid and
getpid system calls.

Each process is run by exactly one thread.Thread. The Process record holds
what belongs to the process rather than to the execution context:

  - its pid and the pid of its parent
  - the pids of the children it has not yet waited for
  - its descriptor table, shared by reference with its fork lineage
  - its address space and current directory
  - its exit status and the zombie semaphore that announces it

# Process States

A record moves through a small state machine:

  - Embryo: fork is still building the record and its pid is reserved
  - Running: the child has activated its address space
  - Zombie: the process has exited and its status is written
  - Reaped: the parent collected the status and the pid is free again

# Process Table

Pids are handed out from [PIDMin, PIDMax) by a linear scan for the lowest
free slot. Allocation reserves the slot by storing the forking process's
record in it, so a second fork cannot take the same pid while the first is
still building its child. Publish swaps the reservation for the child's
record once the child is running. Every table access holds the table lock.

# Fork

Kernel.Fork acquires, in order, a pid, a handshake carrying a copy of the
caller's trap frame and two semaphores, a copy of the address space, the
child's zombie semaphore, a child list entry, and finally a thread. A
failure at any step releases everything acquired before it in reverse order.

Once the thread exists the parent fills in the child record, lets the child
go, and waits for it to report that its address space is active. Only then
is the child added to the parent's children and published:

	pid, err := k.Fork(parent, tf)
	if err != nil {
		// err is ENPROC or ENOMEM and no trace of the child remains
	}

# Exit and Wait

Kernel.Exit closes descriptors, orphans children, writes the status and
signals the zombie semaphore. Kernel.Waitpid blocks on that semaphore, so a
parent can never observe a partly written status.

A child whose parent exits first is orphaned: its parent pid becomes
NoParent and nothing will ever wait for it. Its pid and zombie semaphore
remain allocated after it exits. The orphans_leaked_total metric counts
such processes.
*/
package process
