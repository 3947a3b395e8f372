package chirp

import (
	"context"
	"crypto/tls"
	"net"
	"net/netip"
)

// acceptLoop accepts incoming connections on ln (the v4 or v6 listener) until
// it is closed (spec.md §4.5: a node binds separate v4 and v6 TCP sockets and
// performs the chirp handshake on every accepted socket before it is usable).
func (n *Chirp) acceptLoop(ln net.Listener) {
	defer n.wg.Done()
	for {
		rw, err := ln.Accept()
		if err != nil {
			select {
			case <-n.lnClosed:
				return
			default:
			}
			n.log.Debug().Err(err).Msg("accept")
			continue
		}
		n.metrics.conns_accepted_total.Inc()
		go n.serveIncoming(rw)
	}
}

// serveIncoming performs the (optional) TLS server handshake, then runs the
// connection's chirp handshake/read loop until it is torn down.
func (n *Chirp) serveIncoming(rw net.Conn) {
	if n.geo != nil {
		if ap, err := netip.ParseAddrPort(rw.RemoteAddr().String()); err == nil {
			n.geo.Tag(ap.Addr().Unmap())
		}
	}

	var tlsConn *tls.Conn
	if n.tlsConfig != nil {
		tc := tls.Server(rw, n.tlsConfig)
		if err := tc.HandshakeContext(context.Background()); err != nil {
			n.metrics.handshake_fail_total.Inc()
			rw.Close()
			return
		}
		tlsConn = tc
		rw = tc
	}
	c := newConnection(n, rw, true, tlsConn)
	c.run()
	n.metrics.conns_closed_total.Inc()
}
