package chirp

import "net/netip"

// IPProtocol selects which address family a Remote or Connection uses.
type IPProtocol uint8

const (
	IPv4 IPProtocol = iota
	IPv6
)

func (p IPProtocol) String() string {
	if p == IPv6 {
		return "v6"
	}
	return "v4"
}

// TypeBits are the message type bits carried on the wire (spec.md §3).
type TypeBits uint8

const (
	// TypeReqAck requests that the receiver emit an ACK for this message.
	TypeReqAck TypeBits = 1 << iota
	// TypeAck marks this message as an ACK for a previously sent message.
	TypeAck
	// TypeNoop marks this message as a keep-alive probe.
	TypeNoop
)

func (t TypeBits) Has(bit TypeBits) bool { return t&bit != 0 }

// flags are internal bookkeeping bits, never sent on the wire.
type flags uint16

const (
	flagUsed flags = 1 << iota
	flagFreeHeader
	flagFreeData
	flagAckReceived
	flagWriteDone
	flagHasSlot
	flagSendAck
)

func (f flags) has(bit flags) bool { return f&bit != 0 }

// Message is a single chirp message, in memory. A receiver fills
// RemoteIdentity and Address/Port with the sender's identity and source
// address; a sender fills Address/Port with the destination. Reusing a
// received message as a reply only requires swapping the body, since
// Address/Port are already the peer's.
type Message struct {
	Identity       Identity
	Serial         uint32 // filled by the writer at dequeue time; never set by the caller
	Type           TypeBits
	Header         []byte
	Data           []byte
	Address        netip.Addr
	Proto          IPProtocol
	Port           int32
	RemoteIdentity Identity

	// UserData is opaque caller data, never inspected by chirp.
	UserData any

	flags flags

	// slot, if non-nil, is the pool slot backing this message's buffers (set
	// when HasSlot is true).
	slot *slot

	sendCB    func(*Message, Status)
	releaseCB func(*Message, Status)
}

// HasSlot reports whether this message owns a receive slot that must be
// released via Chirp.ReleaseMsgSlot.
func (m *Message) HasSlot() bool {
	return m.flags.has(flagHasSlot)
}

// finished reports whether both halves of the at-most-once completion
// contract hold: the wire write completed, and (for REQ_ACK messages) the
// peer's ACK was observed. For non-ack-requiring messages, AckReceived is
// simulated as soon as the write completes (see writer.go).
func (m *Message) finished() bool {
	return m.flags.has(flagWriteDone) && m.flags.has(flagAckReceived)
}

// reset zeroes m for reuse in a pool slot, keeping its slot back-pointer and
// truncating Header/Data to length 0 without touching their backing arrays.
func (m *Message) reset() {
	*m = Message{
		Header: m.Header[:0],
		Data:   m.Data[:0],
		slot:   m.slot,
	}
}
