package chirp

import (
	"encoding/binary"
	"fmt"
)

// Wire layout constants (spec.md §4.1). All integers are big-endian.
//
// The named fields (identity, serial, type, header_len, data_len) sum to 27
// bytes, but spec.md states the fixed header is "always exactly 35 bytes on
// the wire" in three places (§4.1, §4.3, §9) and the round-trip test in §8
// is phrased over "any well-formed 35-byte prefix". We take the 35-byte
// figure as authoritative (it's stated consistently, unlike the single
// disputed MAX_SLOTS message in §9) and reserve the trailing 8 bytes for
// forward compatibility: encoders zero them, decoders ignore them.
const (
	WireHandshakeSize   = 2 + 16 // port:u16, identity:16B
	wireHeaderFieldSize = 16 + 4 + 1 + 2 + 4
	wireHeaderReserved  = 8
	WireHeaderSize      = wireHeaderFieldSize + wireHeaderReserved
)

// EncodeHandshake writes the 18-byte handshake record: the node's public
// listening port followed by its identity.
func EncodeHandshake(b []byte, port uint16, id Identity) []byte {
	b = append(b, 0, 0)
	binary.BigEndian.PutUint16(b[len(b)-2:], port)
	b = append(b, id[:]...)
	return b
}

// DecodeHandshake parses an 18-byte handshake record.
func DecodeHandshake(b []byte) (port uint16, id Identity, err error) {
	if len(b) < WireHandshakeSize {
		return 0, id, fmt.Errorf("decode handshake: short record: %d bytes", len(b))
	}
	port = binary.BigEndian.Uint16(b[0:2])
	copy(id[:], b[2:18])
	return port, id, nil
}

// wireHeader is the decoded, fixed-size 35-byte message header prefix,
// before the variable-length header/data bytes.
type wireHeader struct {
	Identity  Identity
	Serial    uint32
	Type      TypeBits
	HeaderLen uint16
	DataLen   uint32
}

// EncodeHeader appends the 35-byte message header (identity, serial, type,
// header_len, data_len, zeroed reserved bytes) to b and returns the extended
// slice.
func EncodeHeader(b []byte, h wireHeader) []byte {
	b = append(b, h.Identity[:]...)

	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], h.Serial)
	b = append(b, tmp[:]...)

	b = append(b, byte(h.Type))

	binary.BigEndian.PutUint16(tmp[:2], h.HeaderLen)
	b = append(b, tmp[:2]...)

	binary.BigEndian.PutUint32(tmp[:], h.DataLen)
	b = append(b, tmp[:]...)

	var reserved [wireHeaderReserved]byte
	b = append(b, reserved[:]...)

	return b
}

// DecodeHeader parses a 35-byte message header from the start of b.
func DecodeHeader(b []byte) (h wireHeader, err error) {
	if len(b) < WireHeaderSize {
		return h, fmt.Errorf("decode header: short record: %d bytes", len(b))
	}
	copy(h.Identity[:], b[0:16])
	h.Serial = binary.BigEndian.Uint32(b[16:20])
	h.Type = TypeBits(b[20])
	h.HeaderLen = binary.BigEndian.Uint16(b[21:23])
	h.DataLen = binary.BigEndian.Uint32(b[23:27])
	return h, nil
}
