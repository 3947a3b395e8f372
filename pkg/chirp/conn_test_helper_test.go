package chirp

import (
	"net"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
)

// testNode builds a minimal, unstarted Chirp sufficient to exercise
// Connection/reader/writer logic without opening any real listener.
func testNode(t *testing.T, receive ReceiveFunc) *Chirp {
	t.Helper()
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	return &Chirp{
		cfg: Config{
			SlotCount:   4,
			MaxMsgSize:  1 << 16,
			Synchronous: true,
			Timeout:     time.Second,
			ReuseTime:   time.Minute,
		},
		identity: id,
		log:      zerolog.Nop(),
		metrics:  newNodeMetrics(metrics.NewSet()),
		registry: newRegistry(),
		receive:  receive,
	}
}

// testConnPair returns two in-memory Connections wired to opposite ends of a
// net.Pipe, with "server" treated as the incoming side.
func testConnPair(t *testing.T, node *Chirp) (server, client *Connection) {
	t.Helper()
	a, b := net.Pipe()
	server = newConnection(node, a, true, nil)
	client = newConnection(node, b, false, nil)
	return server, client
}
