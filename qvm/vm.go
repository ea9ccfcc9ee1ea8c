package qvm

import (
	"unsafe"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// decodedInstr is the fixed-width in-memory form of one QVM instruction:
// an opcode plus its (possibly zero) immediate, laid out the same way the
// original engine's qvmop_t does (two 4-byte cells) so the code segment can
// be viewed directly as a typed slice over the VM's backing buffer.
type decodedInstr struct {
	op    int32
	param int32
}

const decodedInstrSize = int(unsafe.Sizeof(decodedInstr{}))

// operandStackCapacity is the fixed number of usable operand-stack cells.
// Two extra cells beyond it permit harmless read-ahead (e.g. BLOCK_COPY
// peeking stack[0]/stack[1] while the operand stack is still empty).
const operandStackCapacity = 1024

const programStackSize uint32 = 0x10000 // 64 KiB, per the original compiler's assumption

// VM is a single loaded QVM bytecode module. The zero value is not ready
// for use; obtain one via Load.
type VM struct {
	id uuid.UUID
	// Log is an optional structured logging sink for load rejections and
	// runtime errors. A nil Log (the default) disables logging entirely.
	Log *zerolog.Logger

	code     []decodedInstr
	codeMask uint32 // (len(code) - 1), len(code) is always a power of two

	data     []byte
	dataMask uint32 // (len(data) - 1) when verifyData, else 0xFFFFFFFF

	stackPtr         uint32 // saved program-stack pointer, offset into data
	programStackSize uint32 // 64 KiB plus any pow2-rounding slack

	dispatcher Dispatcher
	allocator  Allocator
	allocCtx   any
	rawBuf     []byte

	verifyData bool
	instrCount int

	// MaxInstructions optionally bounds the number of instructions a single
	// Exec call may execute before failing with ErrInstructionBudget. Zero
	// (the default) means unlimited.
	MaxInstructions uint64

	loaded bool
}

// ID returns the UUID assigned to this VM instance at Load time, used to
// correlate log lines from concurrently running instances.
func (vm *VM) ID() uuid.UUID { return vm.id }

// logger returns the effective logging sink: vm.Log if set, otherwise a
// disabled (no-op) logger.
func (vm *VM) logger() zerolog.Logger {
	if vm.Log == nil {
		return zerolog.Nop()
	}
	return *vm.Log
}

// Loaded reports whether the VM currently holds a loaded module.
func (vm *VM) Loaded() bool { return vm.loaded }

func maskFor(segmentSize uint32, verify bool) uint32 {
	if !verify {
		return 0xFFFFFFFF
	}
	return segmentSize - 1
}

// reset clears every field back to the zero value, releasing the backing
// buffer through the recorded allocator.
func (vm *VM) reset() {
	if vm.rawBuf != nil {
		vm.allocator.Free(vm.rawBuf, vm.allocCtx)
	}
	*vm = VM{}
}
