package chirp

import "testing"

func TestMessageHasSlot(t *testing.T) {
	m := &Message{}
	if m.HasSlot() {
		t.Fatalf("fresh message reports HasSlot")
	}
	m.flags |= flagHasSlot
	if !m.HasSlot() {
		t.Fatalf("flagHasSlot set but HasSlot() false")
	}
}

func TestMessageFinished(t *testing.T) {
	m := &Message{}
	if m.finished() {
		t.Fatalf("fresh message reports finished")
	}
	m.flags |= flagWriteDone
	if m.finished() {
		t.Fatalf("write-only message reports finished")
	}
	m.flags |= flagAckReceived
	if !m.finished() {
		t.Fatalf("write+ack message should report finished")
	}
}

func TestMessageReset(t *testing.T) {
	s := &slot{id: 3}
	m := &Message{
		Identity: Identity{1, 2, 3},
		Serial:   42,
		Header:   []byte("hdr")[:3],
		Data:     []byte("payload")[:7],
		slot:     s,
		flags:    flagHasSlot,
	}
	m.reset()

	if m.Identity != (Identity{}) {
		t.Fatalf("Identity not cleared")
	}
	if m.Serial != 0 {
		t.Fatalf("Serial not cleared")
	}
	if len(m.Header) != 0 || cap(m.Header) == 0 {
		t.Fatalf("Header should be truncated, not nilled: len=%d cap=%d", len(m.Header), cap(m.Header))
	}
	if len(m.Data) != 0 || cap(m.Data) == 0 {
		t.Fatalf("Data should be truncated, not nilled: len=%d cap=%d", len(m.Data), cap(m.Data))
	}
	if m.slot != s {
		t.Fatalf("slot back-pointer lost on reset")
	}
	if m.flags != 0 {
		t.Fatalf("flags not cleared: %v", m.flags)
	}
}

func TestTypeBitsHas(t *testing.T) {
	tb := TypeReqAck | TypeNoop
	if !tb.Has(TypeReqAck) {
		t.Fatalf("expected TypeReqAck set")
	}
	if tb.Has(TypeAck) {
		t.Fatalf("did not expect TypeAck set")
	}
}

func TestIPProtocolString(t *testing.T) {
	if IPv4.String() != "v4" {
		t.Fatalf("IPv4.String() = %q", IPv4.String())
	}
	if IPv6.String() != "v6" {
		t.Fatalf("IPv6.String() = %q", IPv6.String())
	}
}
