// Package qvm implements the bytecode virtual machine used to run QVM
// gametype modules when no native shared library is available for the
// current platform.
//
// A QVM file is a segmented, little-endian container: a fixed 32-byte
// header, a variable-length code stream of one-opcode-byte-plus-optional-
// immediate instructions, and a data region of raw bytes. Load decodes the
// file into a VM instance; Exec interprets decoded instructions against two
// independent stacks (a program stack of call frames living at the tail of
// the data segment, and a fixed 1024-cell operand stack) until the outermost
// call frame returns or a runtime error occurs.
//
// Every VM-visible address is masked into its segment (data or code) before
// use, so a misbehaving or malicious module can only ever read or write
// inside the buffer Load allocated for it. Calls to negative targets are
// handed off to a caller-supplied Dispatcher instead of being interpreted as
// jumps — this is how a module invokes engine functionality ("syscalls" or
// "engine traps").
package qvm
