package process

import (
	"errors"
	"time"
)

// ProcessState represents the lifecycle state of a process record.
type ProcessState string

const (
	// StateEmbryo indicates the record is being built by fork and its pid
	// is still reserved.
	StateEmbryo ProcessState = "embryo"
	// StateRunning indicates the process has reached user mode.
	StateRunning ProcessState = "running"
	// StateZombie indicates the process has exited but has not been reaped.
	StateZombie ProcessState = "zombie"
	// StateReaped indicates the exit status was collected and the pid freed.
	StateReaped ProcessState = "reaped"
)

// State transition errors.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
)

// StateTransition represents a valid state transition.
type StateTransition struct {
	From ProcessState
	To   ProcessState
}

// ValidTransitions defines all valid state transitions.
var ValidTransitions = []StateTransition{
	// Child activated its address space: Embryo -> Running
	{From: StateEmbryo, To: StateRunning},
	// Normal exit: Running -> Zombie
	{From: StateRunning, To: StateZombie},
	// Exit before the parent finished publishing: Embryo -> Zombie
	{From: StateEmbryo, To: StateZombie},
	// Parent collected the status: Zombie -> Reaped
	{From: StateZombie, To: StateReaped},
}

// IsValidTransition checks if a state transition is valid.
func IsValidTransition(from, to ProcessState) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// TransitionTo attempts to transition the process to a new state.
func (p *Process) TransitionTo(to ProcessState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transitionLocked(to)
}

func (p *Process) transitionLocked(to ProcessState) error {
	if !IsValidTransition(p.state, to) {
		return ErrInvalidTransition
	}
	p.state = to

	switch to {
	case StateRunning:
		p.startedAt = time.Now()
	case StateZombie:
		p.exitedAt = time.Now()
	}
	return nil
}

// State returns the current lifecycle state.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsAlive returns true if the process has not exited.
func (p *Process) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateEmbryo || p.state == StateRunning
}

// IsZombie returns true if the process exited and awaits reaping.
func (p *Process) IsZombie() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateZombie
}

// Lifetime returns how long the process ran in user mode. For a process
// that has not exited it is the time since it started.
func (p *Process) Lifetime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.startedAt.IsZero() {
		return 0
	}
	if p.exitedAt.IsZero() {
		return time.Since(p.startedAt)
	}
	return p.exitedAt.Sub(p.startedAt)
}
