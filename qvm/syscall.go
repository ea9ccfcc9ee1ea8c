package qvm

// Dispatcher is the host-supplied engine-trap handler. It is invoked with
// the VM's data-segment base (so pointer arguments, which are data-segment-
// relative offsets, can be translated by the dispatcher itself), the
// non-negative syscall number (CALL's negative target t becomes -t-1), and
// the contiguous argument slots of the calling frame.
//
// The data segment slice and args slice are only valid for the duration of
// the call; the dispatcher must not retain either past its own return.
type Dispatcher func(dataSegment []byte, syscallNumber int32, args []int32) int32
