package qvm

import "encoding/binary"

// headerSize is the fixed size in bytes of the leading QVM file header.
const headerSize = 32

// qvmMagic is the fixed magic value every valid QVM file begins with,
// stored little-endian as bytes 44 14 72 12.
const qvmMagic uint32 = 0x12721444

// header mirrors the original engine's qvmheader_t: eight little-endian
// uint32 words describing the code and data regions of the file.
type header struct {
	magic            uint32
	instructionCount uint32
	codeOffset       uint32
	codeLength       uint32
	dataOffset       uint32
	dataLength       uint32
	litLength        uint32
	bssLength        uint32
}

// parseHeader reads the fixed 32-byte header from the front of buf. The
// caller is responsible for ensuring len(buf) >= headerSize.
func parseHeader(buf []byte) header {
	return header{
		magic:            binary.LittleEndian.Uint32(buf[0:4]),
		instructionCount: binary.LittleEndian.Uint32(buf[4:8]),
		codeOffset:       binary.LittleEndian.Uint32(buf[8:12]),
		codeLength:       binary.LittleEndian.Uint32(buf[12:16]),
		dataOffset:       binary.LittleEndian.Uint32(buf[16:20]),
		dataLength:       binary.LittleEndian.Uint32(buf[20:24]),
		litLength:        binary.LittleEndian.Uint32(buf[24:28]),
		bssLength:        binary.LittleEndian.Uint32(buf[28:32]),
	}
}

// nextPow2 rounds v up to the smallest power of two >= v. v == 0 rounds to 1.
func nextPow2(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
