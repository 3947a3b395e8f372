package chirp

import "sync"

// allocFn allocates an n-byte buffer for message overflow (header/data
// larger than a slot's preallocated buffers). It defaults to a plain make,
// but can be overridden once, process-wide, with SetAlloc — e.g. to route
// overflow allocations through a pool allocator or instrumented arena.
var (
	allocMu   sync.Mutex
	allocOnce sync.Once
	allocFn   func(n int) []byte = func(n int) []byte { return make([]byte, n) }
)

// SetAlloc overrides the allocator used for message overflow buffers. It
// may be called at most once per process, before any Chirp node is
// started; later calls are no-ops. This mirrors the teacher's process-wide,
// set-once configuration knobs (e.g. TLS init) rather than a per-node
// option, since overflow buffers may be shared across nodes in the same
// process via SetAlloc's global scope.
func SetAlloc(fn func(n int) []byte) {
	allocOnce.Do(func() {
		allocMu.Lock()
		allocFn = fn
		allocMu.Unlock()
	})
}

func alloc(n int) []byte {
	allocMu.Lock()
	fn := allocFn
	allocMu.Unlock()
	return fn(n)
}
