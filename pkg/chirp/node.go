package chirp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"

	"github.com/pg9182/chirp/pkg/chirpdb"
	"github.com/pg9182/chirp/pkg/geotag"
)

// ReceiveFunc is called for each fully-received message. If the message
// HasSlot, the callback (or a goroutine it spawns) must eventually call
// Chirp.ReleaseMsgSlot, exactly once.
type ReceiveFunc func(msg *Message)

// Chirp is one node in the mesh: it owns a listener, a Remote registry, and
// the background reconnect/GC loops. The zero value is not usable; build one
// with Init.
type Chirp struct {
	cfg      Config
	identity Identity
	log      zerolog.Logger
	metrics  *nodeMetrics

	registry *registry
	receive  ReceiveFunc

	tlsConfig *tls.Config
	geo       *geotag.DB
	db        *chirpdb.DB

	ln4, ln6  net.Listener
	lnPort    uint16
	lnClosed  chan struct{}
	closeOnce sync.Once

	wg sync.WaitGroup
}

// Init validates cfg, prepares logging/metrics/TLS, and returns a Chirp
// ready to Run. It does not open any sockets yet.
func Init(cfg Config, receive ReceiveFunc) (*Chirp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	log, err := configureLogging(&cfg)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	var id Identity
	if cfg.Identity != "" {
		id, err = ParseIdentity(cfg.Identity)
		if err != nil {
			return nil, fmt.Errorf("parse identity: %w", err)
		}
	} else {
		id, err = NewIdentity()
		if err != nil {
			return nil, fmt.Errorf("generate identity: %w", err)
		}
	}

	var tlsConfig *tls.Config
	if cfg.TLSCert != "" {
		tlsConfig, err = loadTLSConfig(&cfg)
		if err != nil {
			return nil, fmt.Errorf("configure tls: %w", err)
		}
	}

	metricsSet := metrics.NewSet()

	n := &Chirp{
		cfg:       cfg,
		identity:  id,
		log:       log.With().Str("identity", id.String()).Logger(),
		metrics:   newNodeMetrics(metricsSet),
		registry:  newRegistry(),
		receive:   receive,
		tlsConfig: tlsConfig,
		lnClosed:  make(chan struct{}),
	}

	if cfg.GeoDBPath != "" {
		n.geo = geotag.NewDB(metricsSet)
		if err := n.geo.Load(cfg.GeoDBPath); err != nil {
			return nil, fmt.Errorf("load geo db: %w", err)
		}
	}

	if cfg.DBPath != "" {
		n.db, err = chirpdb.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open remote directory db: %w", err)
		}
	}
	return n, nil
}

// Close releases resources Init acquired that Run doesn't own (currently
// just the optional remote-directory database).
func (n *Chirp) Close() error {
	if n.db != nil {
		return n.db.Close()
	}
	return nil
}

func (n *Chirp) publicPort() uint16 { return n.lnPort }

// WriteMetrics writes the node's Prometheus text exposition to w, for
// exposing via an HTTP handler (see cmd/chirp-echo).
func (n *Chirp) WriteMetrics(w io.Writer) {
	n.metrics.WritePrometheus(w)
}

// Run binds the v4 and v6 listeners and blocks, serving connections and
// running the reconnect-debounce and GC loops, until ctx is cancelled or a
// fatal listen error occurs.
func (n *Chirp) Run(ctx context.Context) error {
	ln4, err := net.Listen("tcp4", net.JoinHostPort(n.cfg.BindV4, strconv.Itoa(int(n.cfg.ListenPort))))
	if err != nil {
		return fmt.Errorf("listen v4: %w", err)
	}
	port := n.cfg.ListenPort
	if tcpAddr, ok := ln4.Addr().(*net.TCPAddr); ok {
		port = uint16(tcpAddr.Port)
	}

	// tcp6 forces the socket to IPV6_V6ONLY (spec.md §4.5); reuse the v4
	// listener's resolved port so both families advertise the same PORT.
	ln6, err := net.Listen("tcp6", net.JoinHostPort(n.cfg.BindV6, strconv.Itoa(int(port))))
	if err != nil {
		ln4.Close()
		return fmt.Errorf("listen v6: %w", err)
	}

	ln4 = netutil.LimitListener(ln4, n.cfg.Backlog)
	ln6 = netutil.LimitListener(ln6, n.cfg.Backlog)
	if n.cfg.MaxConns > 0 {
		ln4 = netutil.LimitListener(ln4, n.cfg.MaxConns)
		ln6 = netutil.LimitListener(ln6, n.cfg.MaxConns)
	}
	n.ln4, n.ln6 = ln4, ln6
	n.lnPort = port
	n.log.Info().Str("v4", ln4.Addr().String()).Str("v6", ln6.Addr().String()).Msg("listening")

	n.wg.Add(2)
	go n.acceptLoop(n.ln4)
	go n.acceptLoop(n.ln6)

	n.wg.Add(1)
	go n.gcLoop(ctx)

	n.wg.Add(1)
	go n.reconnectLoop(ctx)

	<-ctx.Done()
	n.closeOnce.Do(func() {
		n.ln4.Close()
		n.ln6.Close()
		close(n.lnClosed)
	})
	n.wg.Wait()
	return nil
}

// Dial opens an outgoing connection to addr:port and, when TLS is
// configured, waits for the TLS handshake to complete; the chirp handshake
// is exchanged afterwards by the connection's own goroutine, so Dial does
// not wait for it. On success, the returned Remote can be used to
// Send messages immediately (or Send can be called with a freshly looked-up
// Remote without dialing first, since the registry will queue until a
// connection is established).
func (n *Chirp) Dial(ctx context.Context, proto IPProtocol, addr netip.Addr, port int32) (*Remote, error) {
	network := "tcp4"
	if proto == IPv6 {
		network = "tcp6"
	}
	var d net.Dialer
	rw, err := d.DialContext(ctx, network, netip.AddrPortFrom(addr, uint16(port)).String())
	if err != nil {
		n.registry.pushReconnect(n.registry.lookup(remoteKey{proto, addr, port}, false))
		return nil, fmt.Errorf("dial: %w", err)
	}

	var tlsConn *tls.Conn
	if n.tlsConfig != nil {
		tc := tls.Client(rw, n.tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			rw.Close()
			n.registry.pushReconnect(n.registry.lookup(remoteKey{proto, addr, port}, false))
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		tlsConn = tc
		rw = tc
	}

	c := newConnection(n, rw, false, tlsConn)
	c.proto, c.addr, c.port = proto, addr, port
	r := n.registry.lookup(remoteKey{proto, addr, port}, false)
	c.bind(r)
	n.metrics.conns_dialed_total.Inc()
	go func() {
		c.run()
		n.metrics.conns_closed_total.Inc()
	}()
	return r, nil
}

// Send enqueues msg for delivery to the remote identified by (proto, addr,
// port), creating the Remote if it does not already exist. Send does not
// dial: the message stays queued until the Remote has a connection (from
// Dial, from the peer connecting in, or from a reconnect after a failure).
// sendCB, if non-nil, is invoked exactly once with the final status.
func (n *Chirp) Send(proto IPProtocol, addr netip.Addr, port int32, msg *Message, sendCB func(*Message, Status)) {
	msg.Proto, msg.Address, msg.Port = proto, addr, port
	msg.sendCB = sendCB
	r := n.registry.lookup(remoteKey{proto, addr, port}, false)
	r.enqueueData(msg)
	n.metrics.messages_sent_total.Inc()
}

// deliver is called by a Connection once a message is fully received. It
// hands the message to the user's ReceiveFunc if one is registered,
// otherwise releases the slot immediately (if any).
func (n *Chirp) deliver(c *Connection, m *Message) {
	n.metrics.messages_received_total.Inc()
	if n.receive != nil {
		n.receive(m)
	} else if m.HasSlot() {
		n.ReleaseMsgSlot(m)
	}
}

// ReleaseMsgSlot returns a received message's pool slot. It must be called
// exactly once for every message where HasSlot() is true, and must not be
// called otherwise.
//
// If m requested an ACK, the ACK is only enqueued here, not when the message
// was delivered (spec.md §4.3, §8 scenario 2): with a single-slot pool, this
// couples ACK emission to the user actually freeing the slot, so the sender
// can't outrun the receiver's back-pressure.
func (n *Chirp) ReleaseMsgSlot(m *Message) Status {
	if !m.HasSlot() || m.slot == nil {
		return StatusValueError
	}
	if m.flags.has(flagSendAck) {
		ack := &Message{Identity: m.Identity, Type: TypeAck}
		r := n.registry.lookup(remoteKey{Proto: m.Proto, Addr: m.Address, Port: m.Port}, true)
		if r != nil {
			r.enqueueCntl(ack)
		}
	}
	s := m.slot
	m.slot = nil
	m.flags &^= (flagHasSlot | flagSendAck)
	if m.flags.has(flagFreeHeader) {
		m.Header = nil
	}
	if m.flags.has(flagFreeData) {
		m.Data = nil
	}
	if s.pool == nil {
		return StatusValueError
	}
	return s.pool.release(s.id)
}

