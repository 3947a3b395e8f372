package chirp

import (
	"net"
	"time"
)

// writer is the per-connection send half (spec.md §4.4): it holds at most
// one in-flight message, enforces a send timeout, and frames outbound
// messages as a single vectored write of (header-prefix, header, data).
type writer struct {
	c *Connection

	inflight     *Message // the message currently being written
	timeoutTimer *time.Timer

	done chan struct{}
}

func newWriter(c *Connection) *writer {
	return &writer{c: c, done: make(chan struct{})}
}

// run drains the remote's queues (cntl ahead of data, synchronous-mode
// at-most-one-unacked gating) until the connection is shut down. It is
// started in its own goroutine per connection.
func (w *writer) run() {
	r := w.c.remote
	cfg := &w.c.node.cfg

	for {
		select {
		case <-w.done:
			return
		case <-w.c.closed:
			return
		default:
		}

		r.mu.Lock()
		pending := len(r.msgQueue) > 0
		r.mu.Unlock()
		if pending {
			w.maybeNoopProbe(r, cfg)
		}

		msg, ack := w.dequeue(r, cfg.Synchronous)
		if msg == nil {
			select {
			case <-r.wake:
				continue
			case <-w.done:
				return
			case <-w.c.closed:
				return
			}
		}

		status := w.send(msg, ack)
		if status != StatusSuccess {
			w.c.shutdown(status)
			return
		}
	}
}

// dequeue pops the next message to send, applying the priority/gating rules
// of spec.md §4.4. ack reports whether the caller must await a peer ACK
// before this message is considered finished (synchronous data sends only).
func (w *writer) dequeue(r *Remote, synchronous bool) (msg *Message, ack bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.cntlQueue) > 0 {
		msg = r.cntlQueue[0]
		r.cntlQueue = r.cntlQueue[1:]
		return msg, false
	}

	if synchronous {
		if r.waitAck != nil {
			return nil, false
		}
		if len(r.msgQueue) == 0 {
			return nil, false
		}
		msg = r.msgQueue[0]
		r.msgQueue = r.msgQueue[1:]
		msg.Serial = r.serial
		r.serial++
		msg.Type |= TypeReqAck
		r.waitAck = msg
		return msg, true
	}

	if len(r.msgQueue) == 0 {
		return nil, false
	}
	msg = r.msgQueue[0]
	r.msgQueue = r.msgQueue[1:]
	msg.Serial = r.serial
	r.serial++
	msg.Type &^= TypeReqAck
	return msg, false
}

// maybeNoopProbe enqueues a one-shot NOOP ahead of a pending data send if
// the remote is close to its GC deadline, to close the race against the
// peer having already torn its side down (spec.md §4.4).
func (w *writer) maybeNoopProbe(r *Remote, cfg *Config) {
	if r.idleFor() <= cfg.ReuseTime*3/4 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.noop == nil {
		r.noop = &Message{Type: TypeNoop}
	}
	if r.noop.flags.has(flagUsed) {
		return
	}
	for _, m := range r.cntlQueue {
		if m == r.noop {
			return
		}
	}
	r.noop.flags |= flagUsed
	r.cntlQueue = append([]*Message{r.noop}, r.cntlQueue...)
}

// send frames and writes msg, blocking until the write completes, times
// out, or the socket errors. On success for an ack-awaiting message, it
// arms the send timeout (cleared when the ACK arrives or the message is
// otherwise finished); for non-ack messages it simulates AckReceived
// immediately.
//
// The header and body are queued as a single net.Buffers vectored write
// (spec.md §9, the chosen alternative over a three-syscall write path): on a
// plain TCP connection this coalesces into one writev(2); crypto/tls has no
// vectored-write path, so net.Buffers.WriteTo falls back to sequential
// Writes there, which is still one fewer copy than building a combined
// buffer up front.
func (w *writer) send(msg *Message, awaitAck bool) Status {
	w.inflight = msg

	// ACKs echo back the identity of the message they acknowledge (spec.md
	// §4.3/§8); every other message carries this node's own stable identity,
	// which is also stamped onto msg so a later ACK can be matched against it
	// in onAck.
	id := w.c.node.identity
	if msg.Type.Has(TypeAck) {
		id = msg.Identity
	} else {
		msg.Identity = id
	}

	hdr := EncodeHeader(make([]byte, 0, WireHeaderSize), wireHeader{
		Identity:  id,
		Serial:    msg.Serial,
		Type:      msg.Type,
		HeaderLen: uint16(len(msg.Header)),
		DataLen:   uint32(len(msg.Data)),
	})

	bufs := net.Buffers{hdr, msg.Header, msg.Data}
	w.c.rw.SetWriteDeadline(time.Now().Add(w.c.node.cfg.Timeout))
	_, nerr := bufs.WriteTo(w.c.rw)

	if nerr != nil {
		if msg.sendCB != nil {
			msg.sendCB(msg, StatusWriteError)
		}
		return StatusProtocolError
	}

	msg.flags |= flagWriteDone
	msg.flags &^= flagUsed // a sent NOOP template may be queued again
	w.c.remote.touch()

	if !awaitAck {
		msg.flags |= flagAckReceived
		w.finish(msg, StatusSuccess)
		return StatusSuccess
	}

	w.armTimeout(msg)
	return StatusSuccess
}

func (w *writer) armTimeout(msg *Message) {
	to := w.c.node.cfg.Timeout
	w.timeoutTimer = time.AfterFunc(to, func() {
		w.c.shutdown(StatusTimeout)
	})
}

func (w *writer) clearTimeout() {
	if w.timeoutTimer != nil {
		w.timeoutTimer.Stop()
		w.timeoutTimer = nil
	}
}

// finish completes msg (bound to a connection) exactly once, invoking its
// send callback with status.
func (w *writer) finish(msg *Message, status Status) {
	w.clearTimeout()
	if msg.sendCB != nil {
		msg.sendCB(msg, status)
	}
}

// onAck is called by the reader when an ACK arrives, identifying the
// acknowledged message by identity rather than serial (spec.md §4.3: "match
// identity against remote.wait_ack_message"; §8's testable property requires
// send_cb to fire with SUCCESS only once an ACK whose identity equals the
// sent message's identity is received).
func (w *writer) onAck(id Identity) {
	r := w.c.remote
	r.mu.Lock()
	m := r.waitAck
	if m != nil && m.Identity == id {
		r.waitAck = nil
	} else {
		m = nil
	}
	r.mu.Unlock()

	if m != nil {
		m.flags |= flagAckReceived
		w.finish(m, StatusSuccess)
		r.poke()
	}
}

