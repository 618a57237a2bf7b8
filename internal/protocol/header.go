package protocol

import (
	"github.com/lockstep-net/lockstep/pkg/serde"
)

// HeaderSize is the byte-aligned size of the standard header:
// [tag(1B)][local index(2B)][last remote index(2B)][ack bitfield(4B)].
const HeaderSize = 9

// StandardHeader is the fixed preamble on every datagram. LocalIndex is the
// sender's monotonic packet index; LastRemoteIndex and AckBits piggyback the
// sender's view of what it has received from the peer.
type StandardHeader struct {
	Type            PacketType
	LocalIndex      uint16
	LastRemoteIndex uint16
	AckBits         uint32
}

// NewStandardHeader builds a header for a packet that carries no ack state
// (the handshake path stamps zeros).
func NewStandardHeader(pt PacketType) StandardHeader {
	return StandardHeader{Type: pt}
}

// Ser writes the header to w.
func (h StandardHeader) Ser(w *serde.BitWriter) {
	w.WriteU8(uint8(h.Type))
	w.WriteU16(h.LocalIndex)
	w.WriteU16(h.LastRemoteIndex)
	w.WriteU32(h.AckBits)
}

// DeStandardHeader reads a header from r, validating the tag.
func DeStandardHeader(r *serde.BitReader) (StandardHeader, error) {
	var h StandardHeader
	tag, err := r.ReadU8()
	if err != nil {
		return h, err
	}
	h.Type = PacketType(tag)
	if !h.Type.Valid() {
		return h, ErrUnknownPacketType
	}
	if h.LocalIndex, err = r.ReadU16(); err != nil {
		return h, err
	}
	if h.LastRemoteIndex, err = r.ReadU16(); err != nil {
		return h, err
	}
	if h.AckBits, err = r.ReadU32(); err != nil {
		return h, err
	}
	return h, nil
}
