package chirp

import (
	"net/netip"
	"sync"
	"time"
)

// remoteKey identifies a Remote in the registry (spec.md §3/§4.7).
type remoteKey struct {
	Proto IPProtocol
	Addr  netip.Addr
	Port  int32
}

// remoteFlags track per-remote bookkeeping bits.
type remoteFlags uint8

const (
	remoteConnBlocked remoteFlags = 1 << iota // debounced after a connect/write/TLS failure
)

// Remote is a logical peer endpoint: queues, serial counter, and (at most
// one) live connection (spec.md §3).
type Remote struct {
	mu sync.Mutex

	key remoteKey

	serial uint32
	conn   *Connection // non-owning; owned by the Node's connection sets

	msgQueue  []*Message // data messages, FIFO
	cntlQueue []*Message // ACK/NOOP, sent ahead of data

	waitAck *Message // in-flight, synchronous mode, awaiting ACK
	noop    *Message // lazily allocated single NOOP template

	timestamp time.Time
	flags     remoteFlags

	// next links debounced remotes into the singly-linked reconnect stack
	// (spec.md §9); membership is the remoteConnBlocked flag bit.
	next *Remote

	// wake is signaled whenever new work is enqueued or the attached
	// connection changes, waking the writer loop.
	wake chan struct{}
}

func newRemote(key remoteKey) *Remote {
	return &Remote{
		key:       key,
		timestamp: time.Now(),
		wake:      make(chan struct{}, 1),
	}
}

func (r *Remote) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// touch refreshes the remote's idle timestamp (on any traffic: NOOP, ACK,
// send, or receive).
func (r *Remote) touch() {
	r.mu.Lock()
	r.timestamp = time.Now()
	r.mu.Unlock()
}

func (r *Remote) idleFor() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.timestamp)
}

// blocked reports CONN_BLOCKED.
func (r *Remote) blocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flags&remoteConnBlocked != 0
}

func (r *Remote) setBlocked(b bool) {
	r.mu.Lock()
	if b {
		r.flags |= remoteConnBlocked
	} else {
		r.flags &^= remoteConnBlocked
	}
	r.mu.Unlock()
}

// enqueueData appends a data message to msgQueue and wakes the writer.
func (r *Remote) enqueueData(m *Message) {
	r.mu.Lock()
	r.msgQueue = append(r.msgQueue, m)
	r.mu.Unlock()
	r.poke()
}

// enqueueCntl appends an ACK/NOOP to cntlQueue and wakes the writer.
func (r *Remote) enqueueCntl(m *Message) {
	r.mu.Lock()
	r.cntlQueue = append(r.cntlQueue, m)
	r.mu.Unlock()
	r.poke()
}

// abortOne cancels exactly one queued (never-bound-to-a-connection) message,
// cntl queue first, then data, per spec.md §4.8.
func (r *Remote) abortOne(status Status) *Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cntlQueue) > 0 {
		m := r.cntlQueue[0]
		r.cntlQueue = r.cntlQueue[1:]
		return finishAbort(m, status)
	}
	if len(r.msgQueue) > 0 {
		m := r.msgQueue[0]
		r.msgQueue = r.msgQueue[1:]
		return finishAbort(m, status)
	}
	return nil
}

// abortAll cancels every queued message (full teardown), per spec.md §7.
func (r *Remote) abortAll(status Status) {
	r.mu.Lock()
	cntl, data := r.cntlQueue, r.msgQueue
	r.cntlQueue, r.msgQueue = nil, nil
	r.mu.Unlock()
	for _, m := range cntl {
		finishAbort(m, status)
	}
	for _, m := range data {
		finishAbort(m, status)
	}
}

func finishAbort(m *Message, status Status) *Message {
	if m.sendCB != nil {
		m.sendCB(m, status)
	}
	return m
}

// registry is an ordered map of Remotes keyed by (proto, address, port)
// (spec.md §4.7), plus the debounce stack.
type registry struct {
	mu    sync.Mutex
	byKey map[remoteKey]*Remote
	order []*Remote // insertion order, for deterministic GC sweeps

	reconnectHead *Remote
}

func newRegistry() *registry {
	return &registry{byKey: make(map[remoteKey]*Remote)}
}

// lookup finds or (unless keyOnly) creates the Remote for key.
func (reg *registry) lookup(key remoteKey, keyOnly bool) *Remote {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.byKey[key]; ok {
		return r
	}
	if keyOnly {
		return nil
	}
	r := newRemote(key)
	reg.byKey[key] = r
	reg.order = append(reg.order, r)
	return r
}

// remove deletes r from the registry (GC or teardown only).
func (reg *registry) remove(r *Remote) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.byKey, r.key)
	for i, x := range reg.order {
		if x == r {
			reg.order = append(reg.order[:i], reg.order[i+1:]...)
			break
		}
	}
}

// snapshot returns the remotes in insertion order, for GC sweeps.
func (reg *registry) snapshot() []*Remote {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Remote, len(reg.order))
	copy(out, reg.order)
	return out
}

// pushReconnect pushes r onto the debounce stack if not already present
// (CONN_BLOCKED is the membership predicate).
func (reg *registry) pushReconnect(r *Remote) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r.blocked() {
		return
	}
	r.setBlocked(true)
	r.next = reg.reconnectHead
	reg.reconnectHead = r
}

// drainReconnect pops and unblocks every debounced remote, returning them.
func (reg *registry) drainReconnect() []*Remote {
	reg.mu.Lock()
	head := reg.reconnectHead
	reg.reconnectHead = nil
	reg.mu.Unlock()

	var out []*Remote
	for r := head; r != nil; {
		next := r.next
		r.next = nil
		r.setBlocked(false)
		out = append(out, r)
		r = next
	}
	return out
}
