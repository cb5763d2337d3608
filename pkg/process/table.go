package process

import "sync"

// bootReservation holds a slot for a process the kernel itself is starting,
// where there is no calling process to stand in as the reservation.
var bootReservation = &Process{pid: NoParent, name: "<boot>"}

// Info is a snapshot of one table slot.
type Info struct {
	PID       int          `json:"pid"`
	ParentPID int          `json:"ppid"`
	Name      string       `json:"name"`
	State     ProcessState `json:"state"`
	Children  []int        `json:"children,omitempty"`
	Reserved  bool         `json:"reserved,omitempty"`
}

// Table maps pids to process records. Every read and write goes through mu.
//
// A slot is either empty, reserved (it holds the record of whoever is
// building the process, whose pid differs from the slot index), or
// published (it holds the process's own record).
type Table struct {
	mu     sync.Mutex
	pidMin int
	pidMax int
	slots  []*Process
	used   int
}

// NewTable creates a table handing out pids in [pidMin, pidMax).
func NewTable(pidMin, pidMax int) *Table {
	return &Table{
		pidMin: pidMin,
		pidMax: pidMax,
		slots:  make([]*Process, pidMax+1),
	}
}

// PIDMin returns the lowest valid pid.
func (t *Table) PIDMin() int {
	return t.pidMin
}

// PIDMax returns the highest valid pid.
func (t *Table) PIDMax() int {
	return t.pidMax
}

// Allocate reserves the lowest free pid on behalf of reserver. A nil
// reserver is used by the kernel when it starts a process itself.
func (t *Table) Allocate(reserver *Process) (int, error) {
	if reserver == nil {
		reserver = bootReservation
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for pid := t.pidMin; pid < t.pidMax; pid++ {
		if t.slots[pid] == nil {
			t.slots[pid] = reserver
			t.used++
			slotsInUse.Inc()
			return pid, nil
		}
	}
	return -1, ENPROC
}

// Publish replaces the reservation at pid with the finished record.
func (t *Table) Publish(pid int, p *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.slots[pid] == nil {
		panic("process: publish to unreserved pid")
	}
	t.slots[pid] = p
}

// Release frees pid for reuse.
func (t *Table) Release(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.slots[pid] == nil {
		panic("process: release of free pid")
	}
	t.slots[pid] = nil
	t.used--
	slotsInUse.Dec()
}

// Lookup returns the published record for pid. Free and reserved slots
// report false.
func (t *Table) Lookup(pid int) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.validLocked(pid) {
		return nil, false
	}
	p := t.slots[pid]
	if p == nil || p.pid != pid {
		return nil, false
	}
	return p, true
}

// Occupied reports whether pid is reserved or published.
func (t *Table) Occupied(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.validLocked(pid) && t.slots[pid] != nil
}

// Valid reports whether pid lies in [pidMin, pidMax].
func (t *Table) Valid(pid int) bool {
	return pid >= t.pidMin && pid <= t.pidMax
}

func (t *Table) validLocked(pid int) bool {
	return pid >= t.pidMin && pid <= t.pidMax
}

// Count returns the number of occupied slots.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// Snapshot returns every occupied slot in pid order.
func (t *Table) Snapshot() []Info {
	t.mu.Lock()
	type entry struct {
		pid int
		p   *Process
	}
	entries := make([]entry, 0, t.used)
	for pid := t.pidMin; pid <= t.pidMax; pid++ {
		if p := t.slots[pid]; p != nil {
			entries = append(entries, entry{pid, p})
		}
	}
	t.mu.Unlock()

	// Records are read after dropping the table lock so that the table
	// lock is never held while taking a process lock.
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		if e.p.pid != e.pid {
			out = append(out, Info{PID: e.pid, ParentPID: e.p.pid, State: StateEmbryo, Reserved: true})
			continue
		}
		out = append(out, Info{
			PID:       e.pid,
			ParentPID: e.p.ParentPID(),
			Name:      e.p.name,
			State:     e.p.State(),
			Children:  e.p.Children(),
		})
	}
	return out
}
