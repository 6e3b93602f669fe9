package meshproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope is the application sub-message carried inside the encrypted
// payload: a protobuf Data record. Only the fields this system uses are
// modelled; unknown fields are skipped on decode and lost on re-encode.
type Envelope struct {
	Port     PortNum // field 1
	Payload  []byte  // field 2
	Bitfield uint32  // field 9
}

const (
	fieldPort     = 1
	fieldPayload  = 2
	fieldBitfield = 9
)

// DecodeEnvelope parses the decrypted payload into an Envelope. Any wire
// error means the plaintext is not a valid Data record, which after an
// untagged cipher is the only signal that decryption produced garbage.
func DecodeEnvelope(plaintext []byte) (Envelope, error) {
	var env Envelope
	b := plaintext
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: envelope tag", ErrMalformedPacket)
		}
		b = b[n:]

		switch {
		case num == fieldPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: envelope port", ErrMalformedPacket)
			}
			env.Port = PortNum(v)
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: envelope payload", ErrMalformedPacket)
			}
			env.Payload = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldBitfield && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: envelope bitfield", ErrMalformedPacket)
			}
			env.Bitfield = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: envelope field %d", ErrMalformedPacket, num)
			}
			b = b[n:]
		}
	}
	if env.Port == 0 {
		return Envelope{}, fmt.Errorf("%w: envelope missing port", ErrMalformedPacket)
	}
	return env, nil
}

// EncodeEnvelope renders env as a Data record.
func EncodeEnvelope(env Envelope) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldPort, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(env.Port))
	if len(env.Payload) > 0 {
		out = protowire.AppendTag(out, fieldPayload, protowire.BytesType)
		out = protowire.AppendBytes(out, env.Payload)
	}
	if env.Bitfield != 0 {
		out = protowire.AppendTag(out, fieldBitfield, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(env.Bitfield))
	}
	return out
}
