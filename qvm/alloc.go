package qvm

// Allocator lets a host supply its own buffer allocation strategy for a
// VM's backing memory, mirroring the original engine's alloc/free callback
// pair plus an opaque context value threaded through both calls.
type Allocator struct {
	Alloc func(size int, ctx any) []byte
	Free  func(buf []byte, ctx any)
	Ctx   any
}

// DefaultAllocator backs VM memory with ordinary Go-GC'd slices. Free is a
// no-op: nothing needs to happen for the GC to reclaim the buffer once the
// VM drops its reference, but the callback is still invoked so a host
// wrapping DefaultAllocator for instrumentation sees every free.
var DefaultAllocator = Allocator{
	Alloc: func(size int, _ any) []byte {
		return make([]byte, size)
	},
	Free: func(_ []byte, _ any) {},
}
