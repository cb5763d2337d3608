// Package trapframe defines the saved user register state that the kernel
// captures on a trap and restores when it returns to user mode.
package trapframe

// TrapFrame is the register snapshot taken on entry to the kernel. The layout
// follows the MIPS calling convention: V0 carries the call number in and the
// return value out, A0-A3 carry arguments, and A3 doubles as the error flag on
// return.
type TrapFrame struct {
	// V0 is the syscall number on entry and the return value on exit.
	V0 uint32
	// V1 is the second return register.
	V1 uint32
	A0 uint32
	A1 uint32
	A2 uint32
	// A3 is zero on success and one on failure after a syscall.
	A3 uint32
	SP uint32
	RA uint32
	// EPC is the program counter of the trapping instruction.
	EPC uint32
	// Status is the saved coprocessor status word.
	Status uint32
}

// InstructionSize is the width of one instruction, used to step EPC past
// the syscall instruction.
const InstructionSize = 4

// Arg returns argument register n (0-3) as a signed value.
func (tf *TrapFrame) Arg(n int) int32 {
	switch n {
	case 0:
		return int32(tf.A0)
	case 1:
		return int32(tf.A1)
	case 2:
		return int32(tf.A2)
	case 3:
		return int32(tf.A3)
	}
	return 0
}

// SetResult stores a successful return value.
func (tf *TrapFrame) SetResult(v int32) {
	tf.V0 = uint32(v)
	tf.A3 = 0
}

// SetError stores an error code and raises the error flag.
func (tf *TrapFrame) SetError(errno int32) {
	tf.V0 = uint32(errno)
	tf.A3 = 1
}

// Failed reports whether the last syscall returned an error.
func (tf *TrapFrame) Failed() bool {
	return tf.A3 != 0
}

// Advance steps the program counter past the current instruction so the
// trap does not re-execute on return.
func (tf *TrapFrame) Advance() {
	tf.EPC += InstructionSize
}
