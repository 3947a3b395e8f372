package chirp

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// connFlags track a connection's lifecycle bits.
type connFlags uint8

const (
	connIncoming connFlags = 1 << iota
	connEncrypted
	connHandshakeDone
	connStopped // reader paused on back-pressure (spec.md §4.2)
)

// Connection is one live TCP (optionally TLS) socket to a Remote. A Remote
// owns at most one Connection at a time; the Connection is created by either
// the listener (incoming) or the dialer (outgoing) and is torn down on any
// protocol violation, I/O error, or explicit shutdown.
type Connection struct {
	id   xid.ID
	node *Chirp

	remote *Remote
	proto  IPProtocol
	addr   netip.Addr
	port   int32 // the remote's listening port, from its handshake

	rw      net.Conn
	tlsConn *tls.Conn // non-nil iff connEncrypted

	pool   *pool
	reader *reader
	writer *writer

	mu        sync.Mutex
	flags     connFlags
	closed    chan struct{}
	closeOnce sync.Once
	resumeCh  chan struct{} // buffered 1; signaled by resumeReading

	createdAt time.Time
	log       zerolog.Logger
}

// newConnection wraps an already-dialed-or-accepted socket. The handshake is
// performed by the reader/writer once run starts.
func newConnection(node *Chirp, rw net.Conn, incoming bool, tlsConn *tls.Conn) *Connection {
	c := &Connection{
		id:        xid.New(),
		node:      node,
		rw:        rw,
		tlsConn:   tlsConn,
		closed:    make(chan struct{}),
		resumeCh:  make(chan struct{}, 1),
		createdAt: time.Now(),
	}
	if incoming {
		c.flags |= connIncoming
	}
	if tlsConn != nil {
		c.flags |= connEncrypted
	}
	if ap, err := netip.ParseAddrPort(rw.RemoteAddr().String()); err == nil {
		c.addr = ap.Addr().Unmap()
		if c.addr.Is4() {
			c.proto = IPv4
		} else {
			c.proto = IPv6
		}
	}
	c.log = node.log.With().Str("conn", c.id.String()).Bool("incoming", incoming).Logger()

	p, err := newPool(c, node.cfg.SlotCount)
	if err != nil {
		// node.cfg.SlotCount is validated at Init time; this would be a bug.
		panic(fmt.Sprintf("chirp: %v", err))
	}
	c.pool = p
	c.reader = newReader(c)
	c.writer = newWriter(c)
	return c
}

// bind attaches the connection to its resolved Remote, evicting any
// previous connection that Remote held (spec.md §4.7: at most one
// connection per remote).
func (c *Connection) bind(r *Remote) {
	c.remote = r
	r.mu.Lock()
	old := r.conn
	r.conn = c
	r.mu.Unlock()
	if old != nil && old != c {
		old.shutdown(StatusShutdown)
	}
	r.poke()
}

// run drives the connection until it is shut down: both sides first send
// their own handshake, then both directions loop concurrently (reader in the
// calling goroutine, writer in its own). The writer starts once the
// connection is bound to a Remote, which for an incoming connection happens
// only after the peer's handshake has been read.
func (c *Connection) run() {
	defer c.teardown()

	hs := EncodeHandshake(make([]byte, 0, WireHandshakeSize), c.node.publicPort(), c.node.identity)
	if _, err := c.rw.Write(hs); err != nil {
		c.log.Debug().Err(err).Msg("write handshake")
		return
	}

	writerStarted := false

	br := bufio.NewReaderSize(c.rw, 4096)
	buf := make([]byte, 4096)
	for {
		if !writerStarted && c.remote != nil {
			writerStarted = true
			go c.writer.run()
		}

		select {
		case <-c.closed:
			return
		default:
		}

		if c.reader.needSlot() {
			// The previous feed hit back-pressure (pool exhaustion); retry
			// the pending slot acquisition without reading more bytes.
			// resumeReading wakes waitResume once a slot frees up.
			if err := c.reader.feed(nil); err != nil {
				if err == errStop {
					c.setStopped(true)
					c.waitResume()
					c.setStopped(false)
					continue
				}
				c.log.Debug().Err(err).Msg("protocol error")
				return
			}
			continue
		}

		n, err := br.Read(buf)
		if n > 0 {
			if ferr := c.reader.feed(buf[:n]); ferr != nil {
				if ferr == errStop {
					continue // handled by the needSlot branch above
				}
				c.log.Debug().Err(ferr).Msg("protocol error")
				return
			}
		}
		if err != nil {
			c.log.Debug().Err(err).Msg("read")
			return
		}
	}
}

func (c *Connection) setStopped(v bool) {
	c.mu.Lock()
	if v {
		c.flags |= connStopped
	} else {
		c.flags &^= connStopped
	}
	c.mu.Unlock()
}

func (c *Connection) waitResume() {
	select {
	case <-c.resumeCh:
	case <-c.closed:
	}
}

// resumeReading is called by pool.release when a slot frees up on a
// connection that had stopped reading due to back-pressure.
func (c *Connection) resumeReading() {
	c.mu.Lock()
	stopped := c.flags&connStopped != 0
	if stopped {
		c.flags &^= connStopped
	}
	c.mu.Unlock()
	if stopped {
		select {
		case c.resumeCh <- struct{}{}:
		default:
		}
	}
}

// onHandshake validates the peer's announced listening port and identity
// (spec.md §4.1). For an incoming connection, the announced port is the
// only way to know where the peer actually listens (its TCP source port is
// ephemeral), so this is where the Remote is first resolved/created and
// bound; an outgoing connection is already bound to its target Remote by
// Dial, so this only marks the handshake done and logs the peer's identity.
func (c *Connection) onHandshake(port uint16, id Identity) error {
	if id.IsZero() {
		return fmt.Errorf("zero identity in handshake: %w", StatusProtocolError)
	}
	c.port = int32(port)
	if c.remote == nil {
		key := remoteKey{Proto: c.proto, Addr: c.addr, Port: int32(port)}
		r := c.node.registry.lookup(key, false)
		c.bind(r)
	}
	c.mu.Lock()
	c.flags |= connHandshakeDone
	c.mu.Unlock()
	c.log.Info().Str("identity", id.String()).Msg("handshake complete")
	return nil
}

// onNoop handles an inbound keep-alive probe: it only needs to refresh the
// remote's idle timestamp.
func (c *Connection) onNoop() {
	if c.remote != nil {
		c.remote.touch()
	}
}

// onAck forwards an inbound ACK to the writer, which completes the matching
// in-flight send by identity (spec.md §4.3).
func (c *Connection) onAck(id Identity) {
	if c.remote != nil {
		c.remote.touch()
	}
	c.writer.onAck(id)
}

// onMessage delivers a fully-received data message to the node's receive
// callback, or immediately releases its slot if none is registered. The ACK
// for a REQ_ACK message is not sent here: it is deferred until the user
// releases the message's pool slot (Chirp.ReleaseMsgSlot), coupling ACK
// emission to back-pressure release (spec.md §4.3, §8 scenario 2).
func (c *Connection) onMessage(m *Message) {
	if c.remote != nil {
		c.remote.touch()
	}
	c.node.deliver(c, m)
}

// shutdown tears the connection down exactly once and detaches it from its
// Remote. A message still awaiting its ACK is finished with status (unless
// its write already failed and reported its own status); if there was none,
// exactly one queued message is aborted with status, and the rest stay
// queued for the next connection.
func (c *Connection) shutdown(status Status) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.rw.Close()
		if c.remote != nil {
			c.remote.mu.Lock()
			if c.remote.conn == c {
				c.remote.conn = nil
			}
			wa := c.remote.waitAck
			c.remote.waitAck = nil
			c.remote.mu.Unlock()
			if wa != nil {
				if wa.flags.has(flagWriteDone) {
					finishAbort(wa, status)
				}
			} else {
				c.remote.abortOne(status)
			}
			if status != StatusSuccess {
				c.node.registry.pushReconnect(c.remote)
			}
		}
	})
}

func (c *Connection) teardown() {
	c.shutdown(StatusShutdown)
	c.pool.detach()
	c.log.Debug().Msg("connection closed")
}
