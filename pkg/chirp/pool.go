package chirp

import (
	"fmt"
	"sync/atomic"
)

// Slot pre-allocated buffer sizes (spec.md §3): small enough that the common
// case avoids allocation, large enough to cover most headers/small bodies.
const (
	slotHeaderBufSize = 32
	slotDataBufSize   = 512
)

// slot is one receive buffer triplet owned by a pool.
type slot struct {
	id      int
	pool    *pool
	msg     Message
	headBuf [slotHeaderBufSize]byte
	dataBuf [slotDataBufSize]byte
}

// pool is a connection's fixed set of pre-allocated receive slots
// (spec.md §4.2). It is refcounted so it can outlive the connection until
// every outstanding received message (HasSlot) has been released.
type pool struct {
	slots []*slot
	used  uint32 // bitmask, bit i set iff slots[i] is acquired

	refs atomic.Int32

	// conn is cleared to nil on connection teardown; the pool itself may
	// still be kept alive afterwards by outstanding received messages.
	conn atomic.Pointer[Connection]
}

// newPool creates a pool with n slots (n must be 1..32) attached to c. The
// connection holds the pool's implicit +1 ref.
func newPool(c *Connection, n int) (*pool, error) {
	if n < 1 || n > 32 {
		return nil, fmt.Errorf("invalid slot count %d: %w", n, StatusValueError)
	}
	p := &pool{slots: make([]*slot, n)}
	for i := range p.slots {
		p.slots[i] = &slot{id: i, pool: p}
	}
	p.refs.Store(1)
	p.conn.Store(c)
	return p, nil
}

// borrow increments the pool's refcount.
func (p *pool) borrow() {
	p.refs.Add(1)
}

// unborrow decrements the pool's refcount, freeing the pool's slots once it
// reaches zero. Safe to call after the owning connection has detached
// (detach).
func (p *pool) unborrow() {
	if p.refs.Add(-1) == 0 {
		p.slots = nil
	}
}

// detach clears the pool's back-pointer to its connection and releases the
// connection's own implicit reference, on connection teardown. The pool
// itself may still be kept alive afterwards by outstanding received
// messages that haven't been released yet.
func (p *pool) detach() {
	p.conn.Store(nil)
	p.unborrow()
}

// used_slots returns the current number of acquired slots.
func (p *pool) usedSlots() int {
	n := 0
	m := atomic.LoadUint32(&p.used)
	for m != 0 {
		n++
		m &= m - 1
	}
	return n
}

// acquire returns a free slot, or (nil, false) if the pool is exhausted
// (back-pressure: the caller must stop reading from the socket and mark the
// connection STOPPED).
func (p *pool) acquire() (*slot, bool) {
	for i, s := range p.slots {
		bit := uint32(1) << uint(i)
		if atomic.LoadUint32(&p.used)&bit == 0 {
			old := atomic.LoadUint32(&p.used)
			for {
				if old&bit != 0 {
					break // lost the race, slot taken by a (hypothetical) concurrent acquirer
				}
				if atomic.CompareAndSwapUint32(&p.used, old, old|bit) {
					s.msg.reset()
					s.msg.slot = s
					s.msg.flags |= flagHasSlot
					p.borrow()
					return s, true
				}
				old = atomic.LoadUint32(&p.used)
			}
		}
	}
	return nil, false
}

// release returns slot id to the pool. It is idempotent-detecting: releasing
// an id that isn't currently acquired is a hard logic error — in debug
// builds (-tags chirp_debug) it panics, otherwise it is a no-op that is
// logged on the owning connection's logger while one is attached.
//
// On a successful release, if the pool was previously exhausted and a
// connection is still attached, the connection's reading is restarted (any
// buffered partial read is replayed first).
func (p *pool) release(id int) Status {
	if id < 0 || id >= len(p.slots) {
		return StatusValueError
	}
	bit := uint32(1) << uint(id)

	wasFull := p.usedSlots() == len(p.slots)

	old := atomic.LoadUint32(&p.used)
	for {
		if old&bit == 0 {
			releaseLogicError(id)
			if c := p.conn.Load(); c != nil {
				c.log.Warn().Int("slot", id).Msg("release of a slot that is not acquired")
			}
			return StatusEmpty
		}
		if atomic.CompareAndSwapUint32(&p.used, old, old&^bit) {
			break
		}
		old = atomic.LoadUint32(&p.used)
	}
	p.unborrow()

	if wasFull {
		if c := p.conn.Load(); c != nil {
			c.resumeReading()
		}
	}
	return StatusSuccess
}

// releaseLogicError is overridden by tests/debug builds; see pool_debug.go.
var releaseLogicError = func(id int) {}
