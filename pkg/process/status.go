package process

// WaitStatus is the encoded status word handed to waitpid callers. The low
// two bits say how the process ended; the remaining bits carry the value
// (the exit code for a normal exit).
type WaitStatus int32

const (
	waitExited   = 0
	waitSignaled = 1
	waitCored    = 2
	waitStopped  = 3

	waitKindMask   = 3
	waitValueShift = 2
)

// MakeExitStatus encodes a normal exit with the low 8 bits of code.
func MakeExitStatus(code int) WaitStatus {
	return WaitStatus((code&0xff)<<waitValueShift | waitExited)
}

// Exited reports whether the process ended by calling exit.
func (w WaitStatus) Exited() bool {
	return int32(w)&waitKindMask == waitExited
}

// Signaled reports whether the process was killed by a signal. This kernel
// never produces such a status.
func (w WaitStatus) Signaled() bool {
	kind := int32(w) & waitKindMask
	return kind == waitSignaled || kind == waitCored
}

// ExitStatus returns the exit code, or -1 if the process did not exit
// normally.
func (w WaitStatus) ExitStatus() int {
	if !w.Exited() {
		return -1
	}
	return int(int32(w) >> waitValueShift)
}
