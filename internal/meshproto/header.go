package meshproto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLen is the fixed size of the transport header on the wire.
	HeaderLen = 16

	// MaxPayload is the largest encrypted payload a packet may carry.
	MaxPayload = 237

	// Broadcast is the all-ones destination id.
	Broadcast uint32 = 0xffffffff
)

// ErrMalformedPacket is returned for any structurally invalid header or
// decoded plaintext. Corrupted ciphertext shows up here too: the channel
// cipher carries no auth tag, so garbage only fails at decode time.
var ErrMalformedPacket = errors.New("malformed packet")

// flags byte layout
const (
	hopLimitMask  = 0x07
	wantAckBit    = 0x08
	viaMQTTBit    = 0x10
	hopStartShift = 5
)

// TransportHeader is the fixed little-endian record that precedes the
// encrypted payload in every datagram. The layout is externally defined;
// field widths and order must not change.
type TransportHeader struct {
	From        uint32 // source node id
	To          uint32 // destination node id, Broadcast for channel traffic
	PacketID    uint32 // per-sender packet id, part of the nonce
	HopLimit    uint8  // 0..7
	WantAck     bool
	ViaMQTT     bool
	HopStart    uint8 // 0..7
	ChannelHash byte
	NextHop     byte
	RelayNode   byte
}

// DecodeHeader parses the transport header off the front of raw and returns
// the remaining encrypted payload. The payload is a subslice of raw.
func DecodeHeader(raw []byte) (TransportHeader, []byte, error) {
	if len(raw) < HeaderLen {
		return TransportHeader{}, nil, fmt.Errorf("%w: short header (%d bytes)", ErrMalformedPacket, len(raw))
	}
	payload := raw[HeaderLen:]
	if len(payload) > MaxPayload {
		return TransportHeader{}, nil, fmt.Errorf("%w: payload %d exceeds max %d", ErrMalformedPacket, len(payload), MaxPayload)
	}

	flags := raw[12]
	h := TransportHeader{
		From:        binary.LittleEndian.Uint32(raw[0:4]),
		To:          binary.LittleEndian.Uint32(raw[4:8]),
		PacketID:    binary.LittleEndian.Uint32(raw[8:12]),
		HopLimit:    flags & hopLimitMask,
		WantAck:     flags&wantAckBit != 0,
		ViaMQTT:     flags&viaMQTTBit != 0,
		HopStart:    flags >> hopStartShift,
		ChannelHash: raw[13],
		NextHop:     raw[14],
		RelayNode:   raw[15],
	}
	return h, payload, nil
}

// EncodeHeader renders h into its 16-byte wire form.
func EncodeHeader(h TransportHeader) []byte {
	out := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(out[0:4], h.From)
	binary.LittleEndian.PutUint32(out[4:8], h.To)
	binary.LittleEndian.PutUint32(out[8:12], h.PacketID)

	flags := h.HopLimit & hopLimitMask
	if h.WantAck {
		flags |= wantAckBit
	}
	if h.ViaMQTT {
		flags |= viaMQTTBit
	}
	flags |= (h.HopStart & 0x07) << hopStartShift
	out[12] = flags

	out[13] = h.ChannelHash
	out[14] = h.NextHop
	out[15] = h.RelayNode
	return out
}
