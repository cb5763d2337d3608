package process

import "strconv"

// Errno is a kernel error code as returned to user programs in V0.
type Errno int32

// Error codes used by the process syscalls.
const (
	ENOSYS Errno = 1  // Function not implemented
	ENOMEM Errno = 3  // Out of memory
	EFAULT Errno = 6  // Bad memory reference
	EINVAL Errno = 8  // Invalid argument
	ENPROC Errno = 12 // Too many processes in system
	ESRCH  Errno = 15 // No such process
	ECHILD Errno = 16 // No child processes
)

var errnoText = map[Errno]string{
	ENOSYS: "function not implemented",
	ENOMEM: "out of memory",
	EFAULT: "bad memory reference",
	EINVAL: "invalid argument",
	ENPROC: "too many processes in system",
	ESRCH:  "no such process",
	ECHILD: "no child processes",
}

var errnoName = map[Errno]string{
	ENOSYS: "enosys",
	ENOMEM: "enomem",
	EFAULT: "efault",
	EINVAL: "einval",
	ENPROC: "enproc",
	ESRCH:  "esrch",
	ECHILD: "echild",
}

func (e Errno) Error() string {
	if s, ok := errnoText[e]; ok {
		return s
	}
	return "errno " + strconv.Itoa(int(e))
}

// label is the short lowercase name used as a metric label.
func (e Errno) label() string {
	if s, ok := errnoName[e]; ok {
		return s
	}
	return "errno_" + strconv.Itoa(int(e))
}
