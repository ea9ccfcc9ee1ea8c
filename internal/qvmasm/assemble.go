// Package qvmasm builds valid QVM file buffers from decoded instructions,
// standing in for the original toolchain's compiler+linker output. It exists
// only to give the qvm package's tests and example programs a way to
// produce .qvm bytes without a real q3asm/q3lcc pipeline.
package qvmasm

import (
	"encoding/binary"
)

const headerSize = 32
const magic uint32 = 0x12721444

// Instr is one instruction to encode: Param is ignored for opcodes that
// carry no immediate.
type Instr struct {
	Op    byte
	Param int32
}

// Builder accumulates instructions and a data segment, then emits a
// complete QVM file.
type Builder struct {
	instrs []Instr
	data   []byte
	lit    []byte
	bss    uint32

	immWidth func(byte) int
}

// NewBuilder constructs a Builder. immWidth reports how many immediate
// bytes (0, 1, or 4) follow a given opcode byte; callers pass qvm.ImmWidth
// so the encoded stream always matches the real opcode table, including
// when a test deliberately builds a file with an invalid opcode byte.
func NewBuilder(immWidth func(op byte) int) *Builder {
	return &Builder{immWidth: immWidth}
}

// Emit appends one instruction.
func (b *Builder) Emit(op byte, param int32) *Builder {
	b.instrs = append(b.instrs, Instr{Op: op, Param: param})
	return b
}

// SetData sets the initialized data segment bytes.
func (b *Builder) SetData(data []byte) *Builder {
	b.data = data
	return b
}

// SetBSS sets the size in bytes of the zero-initialized region following
// data+lit.
func (b *Builder) SetBSS(n uint32) *Builder {
	b.bss = n
	return b
}

// Build encodes the accumulated instructions and data into a QVM file
// buffer with a correct header.
func (b *Builder) Build() []byte {
	var code []byte
	for _, in := range b.instrs {
		code = append(code, in.Op)
		switch b.immWidth(in.Op) {
		case 4:
			var tmp [4]byte
			binary.LittleEndian.PutUint32(tmp[:], uint32(in.Param))
			code = append(code, tmp[:]...)
		case 1:
			code = append(code, byte(in.Param))
		}
	}

	dataOffset := uint32(headerSize) + uint32(len(code))
	buf := make([]byte, dataOffset+uint32(len(b.data))+uint32(len(b.lit)))

	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(b.instrs)))
	binary.LittleEndian.PutUint32(buf[8:12], headerSize)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(code)))
	binary.LittleEndian.PutUint32(buf[16:20], dataOffset)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(b.data)))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(b.lit)))
	binary.LittleEndian.PutUint32(buf[28:32], b.bss)

	copy(buf[headerSize:], code)
	copy(buf[dataOffset:], b.data)
	copy(buf[dataOffset+uint32(len(b.data)):], b.lit)

	return buf
}
