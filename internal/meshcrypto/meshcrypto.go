// Package meshcrypto implements the Meshtastic channel cipher: AES-CTR with
// a deterministic nonce built from packet metadata, and the fixed PSK
// expansion rule for short keys. The scheme carries no authentication tag;
// that is a protocol property, not a local choice. Corrupted or foreign
// ciphertext decrypts to garbage and must be caught by the envelope decoder.
package meshcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidKey is returned when a channel key has a length the expansion
// rule does not recognize.
var ErrInvalidKey = errors.New("invalid channel key")

// defaultPSK is the well-known default channel key
// ("1PG7OiApB1nwvP+rz05pAQ==").
var defaultPSK = [16]byte{
	0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59,
	0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01,
}

const nonceLen = 16

// KeyMaterial is the expanded symmetric key for one channel. Derive it once
// per profile activation and drop it on switch; it must never be logged.
type KeyMaterial struct {
	key []byte // 16 or 32 bytes
}

// Len reports the expanded key size in bytes.
func (km KeyMaterial) Len() int { return len(km.key) }

// DeriveKeyMaterial expands raw channel key bytes to a full AES key.
//
// Expansion rule: empty -> default PSK; a single byte n -> default PSK with
// the last byte advanced by n-1 (so 0x01 is exactly the default); 16 or 32
// bytes are used verbatim. Any other length is rejected.
func DeriveKeyMaterial(keyBytes []byte) (KeyMaterial, error) {
	switch len(keyBytes) {
	case 0:
		k := defaultPSK
		return KeyMaterial{key: k[:]}, nil
	case 1:
		k := defaultPSK
		k[15] += keyBytes[0] - 1
		return KeyMaterial{key: k[:]}, nil
	case 16, 32:
		return KeyMaterial{key: append([]byte(nil), keyBytes...)}, nil
	default:
		return KeyMaterial{}, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(keyBytes))
	}
}

// DeriveKeyMaterialBase64 expands a base64-encoded channel key as stored in
// a profile.
func DeriveKeyMaterialBase64(key string) (KeyMaterial, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return DeriveKeyMaterial(raw)
}

// nonce is packet id as 8 little-endian bytes (high half zero), then the
// source node id as 4 little-endian bytes, then 4 zero bytes. The layout is
// fixed by the reference implementation.
func buildNonce(fromNode, packetID uint32) [nonceLen]byte {
	var n [nonceLen]byte
	binary.LittleEndian.PutUint64(n[0:8], uint64(packetID))
	binary.LittleEndian.PutUint32(n[8:12], fromNode)
	return n
}

func xcrypt(km KeyMaterial, fromNode, packetID uint32, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(km.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	nonce := buildNonce(fromNode, packetID)
	out := make([]byte, len(in))
	cipher.NewCTR(block, nonce[:]).XORKeyStream(out, in)
	return out, nil
}

// Decrypt recovers the plaintext of one packet. Deterministic and
// side-effect-free; it cannot detect corruption.
func Decrypt(km KeyMaterial, fromNode, packetID uint32, ciphertext []byte) ([]byte, error) {
	return xcrypt(km, fromNode, packetID, ciphertext)
}

// Encrypt is the exact inverse of Decrypt.
func Encrypt(km KeyMaterial, fromNode, packetID uint32, plaintext []byte) ([]byte, error) {
	return xcrypt(km, fromNode, packetID, plaintext)
}

// ChannelHash is the one-byte channel fingerprint used to multiplex
// channels on a shared multicast group: XOR-fold of the channel name XORed
// with XOR-fold of the expanded key.
func ChannelHash(name string, km KeyMaterial) byte {
	return xorFold([]byte(name)) ^ xorFold(km.key)
}

func xorFold(b []byte) byte {
	var h byte
	for _, c := range b {
		h ^= c
	}
	return h
}
