package qvm

import (
	"math"

	"github.com/pkg/errors"
)

// opstackCells is the backing size of the operand stack: 1024 usable cells
// plus 2 sentinel cells above the initial (empty) pointer position that
// allow a handful of opcodes to harmlessly peek 1-2 cells ahead even before
// anything has been pushed.
const opstackCells = operandStackCapacity + 2

// Exec interprets the VM's decoded instruction stream starting from its
// entry point, using argv as the arguments to the outermost call frame. It
// returns the value left on top of the operand stack when the outermost
// frame returns cleanly.
//
// On any runtime error the VM is unloaded (via Unload) and Exec returns 0.
// A host that wants to retry must Load the VM again from the original file
// bytes.
func Exec(vm *VM, argv []int32) int32 {
	if vm == nil || !vm.loaded {
		return 0
	}

	result, err := vm.run(argv)
	if err != nil {
		// Runtime errors are fatal for this VM instance: log, unload, and
		// report 0, matching the original engine's qvm_exec contract.
		Unload(vm)
	}
	return result
}

// run executes the instruction loop. It is split out from Exec so a defer
// can recover from unexpected panics (treated identically to a reported
// runtime error, the same way the teacher's interpreter wraps its execution
// loop in a recover), leaving Exec to unload the VM exactly once.
func (vm *VM) run(argv []int32) (result int32, execErr error) {
	defer func() {
		if r := recover(); r != nil {
			execErr = errors.Errorf("qvm: segmentation fault: %v", r)
			vm.logger().Error().Str("vm", vm.id.String()).Interface("panic", r).Msg("qvm runtime panic")
			result = 0
		}
	}()

	argc := int32(len(argv))
	frameSize := (argc + 2) * 4

	sp := vm.stackPtr - uint32(frameSize)
	putI32(vm.data, sp+0, -1)
	putI32(vm.data, sp+4, frameSize)
	for i, a := range argv {
		putI32(vm.data, sp+8+uint32(i)*4, a)
	}

	opstack := make([]int32, opstackCells)
	osp := uint32(operandStackCapacity) // empty; valid range is (0, operandStackCapacity]

	dataEnd := uint32(len(vm.data))
	pc := uint32(0)

	var executed uint64

	fail := func(err error, instrIdx uint32, op Opcode) (int32, error) {
		wrapped := errors.Wrapf(err, "at instruction %d (%s)", instrIdx, op)
		vm.logger().Error().Str("vm", vm.id.String()).Uint32("pc", instrIdx).Str("op", op.String()).Msg(err.Error())
		return 0, wrapped
	}

	for {
		// Per-instruction safety checks (invariants 2 and 3).
		stackLow := int64(dataEnd) - int64(vm.programStackSize)
		if stackLow < 0 {
			stackLow = 0
		}
		if int64(sp) < stackLow || int64(sp) > int64(dataEnd) {
			return fail(ErrProgramStackOverflow, pc, OpUndef)
		}
		if osp == 0 || osp > operandStackCapacity {
			return fail(ErrOperandStackOverflow, pc, OpUndef)
		}
		if vm.MaxInstructions != 0 {
			executed++
			if executed > vm.MaxInstructions {
				return fail(ErrInstructionBudget, pc, OpUndef)
			}
		}

		instrIdx := pc & vm.codeMask
		instr := vm.code[instrIdx]
		op := Opcode(instr.op)
		param := instr.param
		pc = instrIdx + 1

		switch op {
		case OpUndef:
			return fail(ErrUnhandledOpcode, instrIdx, op)

		case OpNop, OpBreak:
			// no effect

		case OpEnter:
			sp -= uint32(param)
			putI32(vm.data, sp+0, 0)
			putI32(vm.data, sp+4, param)

		case OpLeave:
			curSize := getI32(vm.data, sp+4)
			if curSize != param {
				return fail(ErrFrameSizeMismatch, instrIdx, op)
			}
			sp += uint32(param)
			rii := getI32(vm.data, sp+0)
			if rii < 0 {
				goto outerDone
			}
			pc = uint32(rii) & vm.codeMask

		case OpCall:
			target := opstack[osp]
			osp++
			if target >= 0 {
				putI32(vm.data, sp+0, int32(pc))
				pc = uint32(target) & vm.codeMask
			} else {
				vm.stackPtr = sp
				args := argSlotsAt(vm.data, sp+8)
				ret := vm.dispatcher(vm.data, -target-1, args)
				sp = vm.stackPtr
				osp--
				opstack[osp] = ret
			}

		case OpPush:
			osp--
			opstack[osp] = 0

		case OpPop:
			osp++

		case OpConst:
			osp--
			opstack[osp] = param

		case OpLocal:
			// param is relative to the current frame base; the pushed value
			// is itself a data-segment address, masked like any other on
			// its next LOAD/STORE use.
			osp--
			opstack[osp] = int32(sp + uint32(param))

		case OpJump:
			target := opstack[osp]
			osp++
			pc = uint32(target) & vm.codeMask

		case OpEq, OpNe, OpLti, OpLei, OpGti, OpGei:
			if compareSigned(op, opstack[osp+1], opstack[osp]) {
				pc = uint32(param) & vm.codeMask
			}
			osp += 2

		case OpLtu, OpLeu, OpGtu, OpGeu:
			if compareUnsigned(op, uint32(opstack[osp+1]), uint32(opstack[osp])) {
				pc = uint32(param) & vm.codeMask
			}
			osp += 2

		case OpEqf, OpNef, OpLtf, OpLef, OpGtf, OpGef:
			if compareFloat(op, math.Float32frombits(uint32(opstack[osp+1])), math.Float32frombits(uint32(opstack[osp]))) {
				pc = uint32(param) & vm.codeMask
			}
			osp += 2

		case OpLoad1:
			addr := uint32(opstack[osp]) & vm.dataMask
			opstack[osp] = int32(vm.data[addr])

		case OpLoad2:
			addr := uint32(opstack[osp]) & vm.dataMask
			opstack[osp] = int32(uint32(vm.byteAt(addr)) | uint32(vm.byteAt(addr+1))<<8)

		case OpLoad4:
			addr := uint32(opstack[osp]) & vm.dataMask
			opstack[osp] = int32(vm.load4(addr))

		case OpStore1:
			addr := uint32(opstack[osp+1]) & vm.dataMask
			vm.data[addr] = byte(opstack[osp])
			osp += 2

		case OpStore2:
			addr := uint32(opstack[osp+1]) & vm.dataMask
			v := uint32(opstack[osp])
			vm.setByteAt(addr, byte(v))
			vm.setByteAt(addr+1, byte(v>>8))
			osp += 2

		case OpStore4:
			addr := uint32(opstack[osp+1]) & vm.dataMask
			vm.store4(addr, uint32(opstack[osp]))
			osp += 2

		case OpArg:
			putI32(vm.data, sp+uint32(param), opstack[osp])
			osp++

		case OpBlockCopy:
			// "copy mem from address in stack[0] to address in stack[1]":
			// src is the last-pushed (top) value, dst the one beneath it.
			srci := int64(uint32(opstack[osp]) & vm.dataMask)
			dsti := int64(uint32(opstack[osp+1]) & vm.dataMask)
			osp += 2
			if srci == dsti {
				break
			}
			count := int64(param)
			mask := int64(vm.dataMask)
			count = ((srci + count) & mask) - srci
			count = ((dsti + count) & mask) - dsti
			if count != int64(param) {
				vm.logger().Debug().Str("vm", vm.id.String()).
					Int64("requested", int64(param)).Int64("clamped", count).
					Msg("qvm BLOCK_COPY count clamped")
			}
			for i := int64(0); i < count; i++ {
				vm.data[(dsti+i)&mask] = vm.data[(srci+i)&mask]
			}

		case OpSex8:
			v := opstack[osp]
			if v&0x80 != 0 {
				v |= ^int32(0xFF)
			}
			opstack[osp] = v

		case OpSex16:
			v := opstack[osp]
			if v&0x8000 != 0 {
				v |= ^int32(0xFFFF)
			}
			opstack[osp] = v

		case OpNegi:
			opstack[osp] = -opstack[osp]

		case OpAdd:
			opstack[osp+1] = opstack[osp+1] + opstack[osp]
			osp++

		case OpSub:
			opstack[osp+1] = opstack[osp+1] - opstack[osp]
			osp++

		case OpDivi:
			if opstack[osp] == 0 {
				return fail(ErrDivisionByZero, instrIdx, op)
			}
			opstack[osp+1] = opstack[osp+1] / opstack[osp]
			osp++

		case OpDivu:
			if opstack[osp] == 0 {
				return fail(ErrDivisionByZero, instrIdx, op)
			}
			opstack[osp+1] = int32(uint32(opstack[osp+1]) / uint32(opstack[osp]))
			osp++

		case OpModi:
			if opstack[osp] == 0 {
				return fail(ErrDivisionByZero, instrIdx, op)
			}
			opstack[osp+1] = opstack[osp+1] % opstack[osp]
			osp++

		case OpModu:
			if opstack[osp] == 0 {
				return fail(ErrDivisionByZero, instrIdx, op)
			}
			opstack[osp+1] = int32(uint32(opstack[osp+1]) % uint32(opstack[osp]))
			osp++

		case OpMuli:
			opstack[osp+1] = opstack[osp+1] * opstack[osp]
			osp++

		case OpMulu:
			opstack[osp+1] = int32(uint32(opstack[osp+1]) * uint32(opstack[osp]))
			osp++

		case OpBand:
			opstack[osp+1] = opstack[osp+1] & opstack[osp]
			osp++

		case OpBor:
			opstack[osp+1] = opstack[osp+1] | opstack[osp]
			osp++

		case OpBxor:
			opstack[osp+1] = opstack[osp+1] ^ opstack[osp]
			osp++

		case OpBcom:
			opstack[osp] = ^opstack[osp]

		case OpLsh:
			opstack[osp+1] = int32(uint32(opstack[osp+1]) << (uint32(opstack[osp]) & 31))
			osp++

		case OpRshi:
			opstack[osp+1] = opstack[osp+1] >> (uint32(opstack[osp]) & 31)
			osp++

		case OpRshu:
			opstack[osp+1] = int32(uint32(opstack[osp+1]) >> (uint32(opstack[osp]) & 31))
			osp++

		case OpNegf:
			opstack[osp] = int32(math.Float32bits(-math.Float32frombits(uint32(opstack[osp]))))

		case OpAddf:
			r := math.Float32frombits(uint32(opstack[osp+1])) + math.Float32frombits(uint32(opstack[osp]))
			opstack[osp+1] = int32(math.Float32bits(r))
			osp++

		case OpSubf:
			r := math.Float32frombits(uint32(opstack[osp+1])) - math.Float32frombits(uint32(opstack[osp]))
			opstack[osp+1] = int32(math.Float32bits(r))
			osp++

		case OpDivf:
			bits := uint32(opstack[osp])
			if bits == 0 || bits == 0x80000000 {
				return fail(ErrDivisionByZero, instrIdx, op)
			}
			r := math.Float32frombits(uint32(opstack[osp+1])) / math.Float32frombits(bits)
			opstack[osp+1] = int32(math.Float32bits(r))
			osp++

		case OpMulf:
			r := math.Float32frombits(uint32(opstack[osp+1])) * math.Float32frombits(uint32(opstack[osp]))
			opstack[osp+1] = int32(math.Float32bits(r))
			osp++

		case OpCvif:
			opstack[osp] = int32(math.Float32bits(float32(opstack[osp])))

		case OpCvfi:
			opstack[osp] = int32(math.Float32frombits(uint32(opstack[osp])))

		default:
			return fail(ErrUnhandledOpcode, instrIdx, op)
		}
	}

outerDone:
	if getI32(vm.data, sp+4) != frameSize {
		return fail(ErrFrameSizeMismatch, pc, OpLeave)
	}
	sp += uint32(frameSize)
	vm.stackPtr = sp
	return opstack[osp], nil
}

func (vm *VM) byteAt(addr uint32) byte {
	return vm.data[addr&vm.dataMask]
}

func (vm *VM) setByteAt(addr uint32, v byte) {
	vm.data[addr&vm.dataMask] = v
}

func (vm *VM) load4(addr uint32) uint32 {
	return uint32(vm.byteAt(addr)) | uint32(vm.byteAt(addr+1))<<8 |
		uint32(vm.byteAt(addr+2))<<16 | uint32(vm.byteAt(addr+3))<<24
}

func (vm *VM) store4(addr uint32, v uint32) {
	vm.setByteAt(addr, byte(v))
	vm.setByteAt(addr+1, byte(v>>8))
	vm.setByteAt(addr+2, byte(v>>16))
	vm.setByteAt(addr+3, byte(v>>24))
}

// argSlotsAt returns a copy of the 32-bit argument cells from byte offset
// off to the end of data, for use by a Dispatcher; writes to the copy do not
// reach VM memory. Bounds are not checked
// beyond what the caller (the CALL handler, which only ever passes a valid
// in-frame offset) guarantees.
func argSlotsAt(data []byte, off uint32) []int32 {
	n := (uint32(len(data)) - off) / 4
	out := make([]int32, n)
	for i := range out {
		out[i] = getI32(data, off+uint32(i)*4)
	}
	return out
}

func getI32(data []byte, off uint32) int32 {
	return int32(uint32(data[off]) | uint32(data[off+1])<<8 | uint32(data[off+2])<<16 | uint32(data[off+3])<<24)
}

func putI32(data []byte, off uint32, v int32) {
	u := uint32(v)
	data[off] = byte(u)
	data[off+1] = byte(u >> 8)
	data[off+2] = byte(u >> 16)
	data[off+3] = byte(u >> 24)
}

func compareSigned(op Opcode, a, b int32) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpLti:
		return a < b
	case OpLei:
		return a <= b
	case OpGti:
		return a > b
	case OpGei:
		return a >= b
	}
	return false
}

func compareUnsigned(op Opcode, a, b uint32) bool {
	switch op {
	case OpLtu:
		return a < b
	case OpLeu:
		return a <= b
	case OpGtu:
		return a > b
	case OpGeu:
		return a >= b
	}
	return false
}

func compareFloat(op Opcode, a, b float32) bool {
	switch op {
	case OpEqf:
		return a == b
	case OpNef:
		return a != b
	case OpLtf:
		return a < b
	case OpLef:
		return a <= b
	case OpGtf:
		return a > b
	case OpGef:
		return a >= b
	}
	return false
}
