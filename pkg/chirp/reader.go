package chirp

import (
	"fmt"
)

// readerState is the connection-local read state (spec.md §4.3).
type readerState uint8

const (
	stateHandshake readerState = iota
	stateWait
	stateSlot
	stateHeader
	stateData
)

// reader parses a connection's inbound byte stream into messages. It never
// blocks: feed is called with whatever bytes are currently available (which
// may be zero, to retry a pending slot acquisition) and returns as soon as
// it either runs out of bytes or hits back-pressure.
type reader struct {
	c     *Connection
	state readerState

	// scratch accumulates a fixed-size record (handshake or header) across
	// partial reads; sized to the larger of the two per spec.md §9.
	scratch    [WireHeaderSize]byte
	scratchLen int

	curHeader wireHeader
	cur       *slot // set once a slot has been acquired for curHeader

	// headerBuf/dataBuf point at either the slot's preallocated buffer or a
	// freshly allocated overflow buffer, and are filled incrementally.
	headerBuf []byte
	headerGot int
	dataBuf   []byte
	dataGot   int

	// rest holds the bytes left unconsumed when feed stopped on
	// back-pressure; the next feed processes them before any new data.
	rest []byte
}

func newReader(c *Connection) *reader {
	return &reader{c: c, state: stateHandshake}
}

// needSlot reports whether the reader is currently blocked waiting for a
// free pool slot (used by Connection to decide whether a release should
// re-arm reading).
func (r *reader) needSlot() bool {
	return r.state == stateSlot
}

// fill copies as much of data into dst[got:want] as possible, returning the
// new got count and the unconsumed remainder of data.
func fill(dst []byte, got int, want int, data []byte) (newGot int, rest []byte) {
	n := copy(dst[got:want], data)
	return got + n, data[n:]
}

// feed processes data (possibly empty, to retry a pending slot acquisition)
// and returns errStop if it hit back-pressure (pool exhausted), or a
// protocol error if the peer violated the wire contract.
func (r *reader) feed(data []byte) error {
	if len(r.rest) > 0 {
		data = append(r.rest, data...)
		r.rest = nil
	}
	for {
		switch r.state {
		case stateHandshake:
			var got int
			got, data = fill(r.scratch[:], r.scratchLen, WireHandshakeSize, data)
			r.scratchLen = got
			if got < WireHandshakeSize {
				return nil
			}
			port, id, err := DecodeHandshake(r.scratch[:WireHandshakeSize])
			if err != nil {
				return fmt.Errorf("handshake: %w", StatusProtocolError)
			}
			r.scratchLen = 0
			if err := r.c.onHandshake(port, id); err != nil {
				return err
			}
			r.state = stateWait

		case stateWait:
			var got int
			got, data = fill(r.scratch[:], r.scratchLen, WireHeaderSize, data)
			r.scratchLen = got
			if got < WireHeaderSize {
				return nil
			}
			hdr, err := DecodeHeader(r.scratch[:WireHeaderSize])
			if err != nil {
				return fmt.Errorf("header: %w", StatusProtocolError)
			}
			r.scratchLen = 0

			if int(hdr.HeaderLen)+int(hdr.DataLen) > r.c.node.cfg.MaxMsgSize {
				return fmt.Errorf("message too large (%d+%d bytes): %w", hdr.HeaderLen, hdr.DataLen, StatusProtocolError)
			}
			if hdr.Type.Has(TypeAck) || hdr.Type.Has(TypeNoop) {
				if hdr.HeaderLen != 0 || hdr.DataLen != 0 || hdr.Type.Has(TypeReqAck) {
					return fmt.Errorf("malformed control message: %w", StatusProtocolError)
				}
			}

			if hdr.Type.Has(TypeNoop) {
				r.c.onNoop()
				continue // stay in WAIT
			}
			if hdr.Type.Has(TypeAck) {
				r.c.onAck(hdr.Identity)
				continue // stay in WAIT
			}

			r.curHeader = hdr
			r.state = stateSlot

		case stateSlot:
			s, ok := r.c.pool.acquire()
			if !ok {
				r.rest = append([]byte(nil), data...)
				return errStop
			}
			r.cur = s
			s.msg.Identity = r.curHeader.Identity
			s.msg.Serial = r.curHeader.Serial
			s.msg.Type = r.curHeader.Type
			s.msg.Proto = r.c.proto
			s.msg.Address = r.c.addr
			s.msg.Port = r.c.port
			s.msg.RemoteIdentity = r.curHeader.Identity

			if r.curHeader.HeaderLen > 0 {
				r.headerBuf = r.bufferFor(s.headBuf[:], int(r.curHeader.HeaderLen), flagFreeHeader)
				r.headerGot = 0
				r.state = stateHeader
			} else if r.curHeader.DataLen > 0 {
				r.dataBuf = r.bufferFor(s.dataBuf[:], int(r.curHeader.DataLen), flagFreeData)
				r.dataGot = 0
				r.state = stateData
			} else {
				r.deliver()
				r.state = stateWait
			}

		case stateHeader:
			var got int
			got, data = fill(r.headerBuf, r.headerGot, int(r.curHeader.HeaderLen), data)
			r.headerGot = got
			if got < int(r.curHeader.HeaderLen) {
				return nil
			}
			r.cur.msg.Header = r.headerBuf[:r.curHeader.HeaderLen]
			if r.curHeader.DataLen > 0 {
				r.dataBuf = r.bufferFor(r.cur.dataBuf[:], int(r.curHeader.DataLen), flagFreeData)
				r.dataGot = 0
				r.state = stateData
			} else {
				r.deliver()
				r.state = stateWait
			}

		case stateData:
			var got int
			got, data = fill(r.dataBuf, r.dataGot, int(r.curHeader.DataLen), data)
			r.dataGot = got
			if got < int(r.curHeader.DataLen) {
				return nil
			}
			r.cur.msg.Data = r.dataBuf[:r.curHeader.DataLen]
			r.deliver()
			r.state = stateWait
		}

		if len(data) == 0 && r.state != stateSlot {
			return nil
		}
	}
}

// bufferFor returns pre, resliced to length n, if it fits; otherwise a
// freshly allocated buffer, flagging the current slot's message with bit so
// it is freed on release.
func (r *reader) bufferFor(pre []byte, n int, bit flags) []byte {
	if n <= cap(pre) {
		return pre[:n]
	}
	r.cur.msg.flags |= bit
	return alloc(n)
}

// deliver hands the completed message to the connection, which invokes the
// user's receive callback (or releases the slot itself if there is none).
func (r *reader) deliver() {
	m := &r.cur.msg
	if m.Type.Has(TypeReqAck) {
		m.flags |= flagSendAck
	}
	r.c.onMessage(m)
	r.cur = nil
	r.headerBuf, r.dataBuf = nil, nil
}

// errStop is a sentinel returned by feed to signal pool exhaustion
// back-pressure; it is not a protocol error and must not be reported to the
// user or used to shut down the connection.
var errStop = fmt.Errorf("chirp: reader stopped: %w", StatusMore)
