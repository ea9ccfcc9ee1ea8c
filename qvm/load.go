package qvm

import (
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Load parses and validates a QVM file buffer, allocates the VM's memory,
// decodes the variable-length instruction stream into fixed-width form, and
// copies the data/literal bytes. vm must be a freshly zero-valued (or
// previously Unload-ed) VM. allocator may be nil, in which case
// DefaultAllocator is used.
//
// Load returns a non-nil error when: vm is already loaded (vm then keeps
// its earlier module); or, leaving vm unloaded, fileBytes or dispatcher is
// missing; the file is shorter than the
// header; the magic word is wrong; a segment offset/length combination
// would read past the file; instructionCount is outside
// [codeLength/5, codeLength]; the instruction stream runs off the end of
// the code region before instructionCount ops are decoded; or any opcode
// byte is outside the valid opcode range.
func Load(vm *VM, fileBytes []byte, dispatcher Dispatcher, verifyData bool, allocator *Allocator) error {
	if vm == nil {
		return errors.New("qvm: nil vm")
	}
	if vm.loaded {
		return ErrAlreadyLoaded
	}
	if fileBytes == nil || dispatcher == nil {
		return ErrNilInput
	}
	if len(fileBytes) < headerSize {
		vm.logReject(ErrFileTooSmall, "file is %d bytes, header needs %d", len(fileBytes), headerSize)
		return ErrFileTooSmall
	}

	h := parseHeader(fileBytes)
	if h.magic != qvmMagic {
		vm.logReject(ErrBadMagic, "got 0x%08X, want 0x%08X", h.magic, qvmMagic)
		return ErrBadMagic
	}

	fileSize := uint64(len(fileBytes))
	if uint64(headerSize)+uint64(h.codeLength)+uint64(h.dataLength)+uint64(h.litLength) > fileSize {
		vm.logReject(ErrSegmentOutOfRange, "header+code+data+lit exceeds file size")
		return ErrSegmentOutOfRange
	}
	if uint64(h.codeOffset) < uint64(headerSize) || uint64(h.codeOffset) > fileSize ||
		uint64(h.codeOffset)+uint64(h.codeLength) > fileSize {
		vm.logReject(ErrSegmentOutOfRange, "code segment offset/length invalid")
		return ErrSegmentOutOfRange
	}
	if uint64(h.dataOffset) < uint64(headerSize) || uint64(h.dataOffset) > fileSize ||
		uint64(h.dataOffset)+uint64(h.dataLength)+uint64(h.litLength) > fileSize {
		vm.logReject(ErrSegmentOutOfRange, "data segment offset/length invalid")
		return ErrSegmentOutOfRange
	}
	// Each encoded op is at least 1 byte (opcode, no immediate) and at most
	// 5 bytes (opcode + 4-byte immediate).
	if h.instructionCount < h.codeLength/5 || h.instructionCount > h.codeLength {
		vm.logReject(ErrBadInstructionCount, "instructionCount=%d codeLength=%d", h.instructionCount, h.codeLength)
		return ErrBadInstructionCount
	}

	// Code segment sizing: smallest power of two >= instructionCount * sizeof(decodedInstr),
	// floored at one full decodedInstr slot so a zero-instruction module still
	// gets a valid (non-empty) code segment to mask into.
	codeBytesNeeded := uint64(h.instructionCount) * uint64(decodedInstrSize)
	if codeBytesNeeded < uint64(decodedInstrSize) {
		codeBytesNeeded = uint64(decodedInstrSize)
	}
	codeSegmentSize := nextPow2(uint32(min64(codeBytesNeeded, 1<<32-1)))
	if uint64(codeSegmentSize) < codeBytesNeeded {
		// instructionCount so large the pow2 round-up would overflow uint32;
		// the instructionCount bound above already rules this out in
		// practice, but guard explicitly rather than wrap silently.
		vm.logReject(ErrBadInstructionCount, "instruction count too large to size code segment")
		return ErrBadInstructionCount
	}

	origDataLen := uint64(h.dataLength) + uint64(h.litLength) + uint64(h.bssLength)
	dataSegmentSize := nextPow2(uint32(min64(origDataLen, 1<<32-1)))

	stackBudget := programStackSize + (dataSegmentSize - uint32(min64(origDataLen, uint64(dataSegmentSize))))

	alloc := DefaultAllocator
	if allocator != nil {
		alloc = *allocator
	}

	totalSize := int(codeSegmentSize) + int(dataSegmentSize)
	buf := alloc.Alloc(totalSize, alloc.Ctx)
	if len(buf) != totalSize {
		return errors.New("qvm: allocator returned buffer of wrong size")
	}

	instrCapacity := int(codeSegmentSize) / decodedInstrSize
	code := unsafe.Slice((*decodedInstr)(unsafe.Pointer(&buf[0])), instrCapacity)
	data := buf[codeSegmentSize:]

	// Decode the variable-length instruction stream into fixed-width form.
	codeStart := int(h.codeOffset)
	codeEnd := codeStart + int(h.codeLength)
	cursor := codeStart
	for i := uint32(0); i < h.instructionCount; i++ {
		if cursor >= codeEnd {
			alloc.Free(buf, alloc.Ctx)
			vm.logReject(ErrTruncatedInstruction, "at instruction %d", i)
			return errors.Wrapf(ErrTruncatedInstruction, "at instruction %d", i)
		}
		opByte := Opcode(fileBytes[cursor])
		if !opByte.valid() {
			alloc.Free(buf, alloc.Ctx)
			vm.logReject(ErrBadOpcode, "value %d at instruction %d", opByte, i)
			return errors.Wrapf(ErrBadOpcode, "value %d at instruction %d", opByte, i)
		}
		cursor++

		var param int32
		switch opByte.immKind() {
		case imm4Byte:
			if cursor+4 > codeEnd {
				alloc.Free(buf, alloc.Ctx)
				vm.logReject(ErrTruncatedInstruction, "4-byte immediate at instruction %d", i)
				return errors.Wrapf(ErrTruncatedInstruction, "4-byte immediate at instruction %d", i)
			}
			param = int32(le32(fileBytes[cursor:]))
			cursor += 4
		case imm1Byte:
			if cursor+1 > codeEnd {
				alloc.Free(buf, alloc.Ctx)
				vm.logReject(ErrTruncatedInstruction, "1-byte immediate at instruction %d", i)
				return errors.Wrapf(ErrTruncatedInstruction, "1-byte immediate at instruction %d", i)
			}
			param = int32(fileBytes[cursor])
			cursor++
		}

		code[i] = decodedInstr{op: int32(opByte), param: param}
	}
	// Pad the remainder of the code segment with OpUndef (zero value), which
	// traps on execution, guaranteeing any masked jump into padding fails.
	for i := h.instructionCount; i < uint32(instrCapacity); i++ {
		code[i] = decodedInstr{op: int32(OpUndef), param: 0}
	}

	// Copy data + literal bytes verbatim; bss and rounding slack stay zero.
	copy(data, fileBytes[h.dataOffset:uint64(h.dataOffset)+uint64(h.dataLength)+uint64(h.litLength)])

	vm.id = uuid.New()
	vm.code = code
	vm.codeMask = uint32(instrCapacity) - 1
	vm.data = data
	vm.dataMask = maskFor(dataSegmentSize, verifyData)
	vm.stackPtr = uint32(len(data))
	vm.programStackSize = stackBudget
	vm.dispatcher = dispatcher
	vm.allocator = alloc
	vm.allocCtx = alloc.Ctx
	vm.rawBuf = buf
	vm.verifyData = verifyData
	vm.instrCount = int(h.instructionCount)
	vm.loaded = true

	vm.logger().Debug().
		Str("vm", vm.id.String()).
		Int("instructions", vm.instrCount).
		Uint32("codeSegmentSize", codeSegmentSize).
		Uint32("dataSegmentSize", dataSegmentSize).
		Bool("verifyData", verifyData).
		Msg("qvm loaded")

	return nil
}

// Unload releases the VM's backing buffer through its recorded allocator
// and resets all fields, making the VM ready for another Load call.
func Unload(vm *VM) {
	if vm == nil {
		return
	}
	vm.reset()
}

func (vm *VM) logReject(err error, format string, args ...any) {
	vm.logger().Warn().Err(err).Msgf(format, args...)
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
