package chirp

import "testing"

func TestEncodeDecodeHandshake(t *testing.T) {
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}

	b := EncodeHandshake(nil, 6060, id)
	if len(b) != WireHandshakeSize {
		t.Fatalf("encoded handshake length = %d, want %d", len(b), WireHandshakeSize)
	}

	port, gotID, err := DecodeHandshake(b)
	if err != nil {
		t.Fatalf("decode handshake: %v", err)
	}
	if port != 6060 {
		t.Fatalf("port = %d, want 6060", port)
	}
	if gotID != id {
		t.Fatalf("identity mismatch")
	}
}

func TestDecodeHandshakeShort(t *testing.T) {
	if _, _, err := DecodeHandshake(make([]byte, WireHandshakeSize-1)); err == nil {
		t.Fatalf("expected error decoding short handshake")
	}
}

func TestEncodeDecodeHeader(t *testing.T) {
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}

	in := wireHeader{
		Identity:  id,
		Serial:    123456789,
		Type:      TypeReqAck | TypeAck,
		HeaderLen: 17,
		DataLen:   4096,
	}
	b := EncodeHeader(nil, in)
	if len(b) != WireHeaderSize {
		t.Fatalf("encoded header length = %d, want %d", len(b), WireHeaderSize)
	}

	out, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if out != in {
		t.Fatalf("header round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, WireHeaderSize-1)); err == nil {
		t.Fatalf("expected error decoding short header")
	}
}

func TestEncodeHeaderReservedBytesZeroed(t *testing.T) {
	b := EncodeHeader(nil, wireHeader{})
	for i := wireHeaderFieldSize; i < WireHeaderSize; i++ {
		if b[i] != 0 {
			t.Fatalf("reserved byte %d not zeroed: %d", i, b[i])
		}
	}
}

func TestEncodeHeaderAppendsToExistingPrefix(t *testing.T) {
	prefix := []byte("xy")
	b := EncodeHeader(prefix, wireHeader{Serial: 1})
	if len(b) != 2+WireHeaderSize {
		t.Fatalf("length = %d, want %d", len(b), 2+WireHeaderSize)
	}
	if string(b[:2]) != "xy" {
		t.Fatalf("prefix clobbered: %q", b[:2])
	}
}
