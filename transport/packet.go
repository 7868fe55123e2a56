// Package transport implements the datagram layer of the eidchat protocol:
// the binary wire codec, the UDP socket with CID-based demultiplexing
// support, and retry scheduling for packets that expect an answer.
//
// Every packet on the wire is framed as:
//
//	type:u8 | cid:u32 (big-endian) | payload
//
// The payload format depends on the type; see the payload view types in
// this file. All length fields are big-endian and bounds-checked against
// the datagram.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedPacket indicates a datagram that does not parse under the
// wire format: too short, unknown type, or a length field overshooting the
// datagram.
var ErrMalformedPacket = errors.New("malformed packet")

// PacketType identifies the type of an eidchat protocol packet.
type PacketType byte

const (
	// PacketHandshakeInit opens a handshake: ephemeral_pub[32] || sealed cert blob.
	PacketHandshakeInit PacketType = 0x01
	// PacketMsg carries an encrypted application record: nonce[12] || ciphertext.
	PacketMsg PacketType = 0x02
	// PacketHandshakeResp answers a handshake init, mirroring its layout.
	PacketHandshakeResp PacketType = 0x03
	// PacketAck acknowledges a message: nonce[12] || ciphertext of the UUID bytes.
	PacketAck PacketType = 0x04
	// PacketReconnectReq asks the peer to resume a suspended session. Empty payload.
	PacketReconnectReq PacketType = 0x05
	// PacketReconnectResp confirms a resume. Empty payload.
	PacketReconnectResp PacketType = 0x06
	// PacketPendingSend marks the start of a drained offline queue. Empty payload.
	PacketPendingSend PacketType = 0x07
	// PacketPendingDone marks the end of a drained offline queue. Empty payload.
	PacketPendingDone PacketType = 0x08
)

// headerSize is the fixed prefix every packet carries: type byte plus CID.
const headerSize = 5

// EphemeralKeySize is the size of the X25519 ephemeral public key carried
// in handshake payloads.
const EphemeralKeySize = 32

// String returns the protocol name of the packet type.
func (t PacketType) String() string {
	switch t {
	case PacketHandshakeInit:
		return "HANDSHAKE_INIT"
	case PacketMsg:
		return "MSG"
	case PacketHandshakeResp:
		return "HANDSHAKE_RESP"
	case PacketAck:
		return "ACK"
	case PacketReconnectReq:
		return "RECONNECT_REQ"
	case PacketReconnectResp:
		return "RECONNECT_RESP"
	case PacketPendingSend:
		return "PENDING_SEND"
	case PacketPendingDone:
		return "PENDING_DONE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

func validPacketType(t PacketType) bool {
	return t >= PacketHandshakeInit && t <= PacketPendingDone
}

// Packet is the parsed form of one datagram.
type Packet struct {
	Type    PacketType
	CID     uint32
	Payload []byte
}

// Serialize converts the packet to its wire representation.
func (p *Packet) Serialize() []byte {
	buf := make([]byte, headerSize+len(p.Payload))
	buf[0] = byte(p.Type)
	binary.BigEndian.PutUint32(buf[1:5], p.CID)
	copy(buf[headerSize:], p.Payload)
	return buf
}

// ParsePacket parses a raw datagram into a Packet. The payload is copied
// so the caller's read buffer can be reused.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedPacket, len(data), headerSize)
	}

	packetType := PacketType(data[0])
	if !validPacketType(packetType) {
		return nil, fmt.Errorf("%w: unknown type 0x%02x", ErrMalformedPacket, data[0])
	}

	packet := &Packet{
		Type:    packetType,
		CID:     binary.BigEndian.Uint32(data[1:5]),
		Payload: make([]byte, len(data)-headerSize),
	}
	copy(packet.Payload, data[headerSize:])

	return packet, nil
}

// HandshakePayload is the payload view of HANDSHAKE_INIT and
// HANDSHAKE_RESP packets.
type HandshakePayload struct {
	EphemeralPub [EphemeralKeySize]byte
	Sealed       []byte
}

// Serialize emits ephemeral_pub[32] || sealed.
func (h *HandshakePayload) Serialize() []byte {
	buf := make([]byte, EphemeralKeySize+len(h.Sealed))
	copy(buf[:EphemeralKeySize], h.EphemeralPub[:])
	copy(buf[EphemeralKeySize:], h.Sealed)
	return buf
}

// ParseHandshakePayload parses a handshake packet payload. The sealed blob
// must be non-empty: an empty blob cannot carry a sealed certificate.
func ParseHandshakePayload(payload []byte) (*HandshakePayload, error) {
	if len(payload) <= EphemeralKeySize {
		return nil, fmt.Errorf("%w: handshake payload %d bytes", ErrMalformedPacket, len(payload))
	}

	h := &HandshakePayload{
		Sealed: make([]byte, len(payload)-EphemeralKeySize),
	}
	copy(h.EphemeralPub[:], payload[:EphemeralKeySize])
	copy(h.Sealed, payload[EphemeralKeySize:])

	return h, nil
}

// recordNonceSize matches crypto.NonceSize; duplicated here to keep the
// codec free of dependencies on the crypto package.
const recordNonceSize = 12

// aeadTagSize is the ChaCha20-Poly1305 authentication tag length.
const aeadTagSize = 16

// RecordPayload is the payload view of MSG and ACK packets.
type RecordPayload struct {
	Nonce      [recordNonceSize]byte
	Ciphertext []byte
}

// Serialize emits nonce[12] || ciphertext.
func (r *RecordPayload) Serialize() []byte {
	buf := make([]byte, recordNonceSize+len(r.Ciphertext))
	copy(buf[:recordNonceSize], r.Nonce[:])
	copy(buf[recordNonceSize:], r.Ciphertext)
	return buf
}

// ParseRecordPayload parses a MSG or ACK payload. The ciphertext must be
// at least one AEAD tag long.
func ParseRecordPayload(payload []byte) (*RecordPayload, error) {
	if len(payload) < recordNonceSize+aeadTagSize {
		return nil, fmt.Errorf("%w: record payload %d bytes", ErrMalformedPacket, len(payload))
	}

	r := &RecordPayload{
		Ciphertext: make([]byte, len(payload)-recordNonceSize),
	}
	copy(r.Nonce[:], payload[:recordNonceSize])
	copy(r.Ciphertext, payload[recordNonceSize:])

	return r, nil
}

// CertBlob is the plaintext carried inside the sealed portion of a
// handshake packet: the sender's static X25519 key and its DER-encoded
// certificate.
type CertBlob struct {
	StaticPub [32]byte
	CertDER   []byte
}

// Serialize emits len(pub):u16 || pub || len(cert):u16 || cert, big-endian.
func (c *CertBlob) Serialize() []byte {
	buf := make([]byte, 2+len(c.StaticPub)+2+len(c.CertDER))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(c.StaticPub)))
	copy(buf[2:2+len(c.StaticPub)], c.StaticPub[:])
	off := 2 + len(c.StaticPub)
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(c.CertDER)))
	copy(buf[off+2:], c.CertDER)
	return buf
}

// ParseCertBlob parses the cert blob plaintext, rejecting any length field
// that overshoots the buffer and any static key that is not 32 bytes.
func ParseCertBlob(data []byte) (*CertBlob, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: cert blob %d bytes", ErrMalformedPacket, len(data))
	}

	pubLen := int(binary.BigEndian.Uint16(data[0:2]))
	if pubLen != 32 {
		return nil, fmt.Errorf("%w: static key length %d", ErrMalformedPacket, pubLen)
	}
	if len(data) < 2+pubLen+2 {
		return nil, fmt.Errorf("%w: cert blob truncated at static key", ErrMalformedPacket)
	}

	off := 2 + pubLen
	certLen := int(binary.BigEndian.Uint16(data[off : off+2]))
	if certLen == 0 || len(data) < off+2+certLen {
		return nil, fmt.Errorf("%w: cert blob truncated at certificate", ErrMalformedPacket)
	}

	blob := &CertBlob{
		CertDER: make([]byte, certLen),
	}
	copy(blob.StaticPub[:], data[2:2+pubLen])
	copy(blob.CertDER, data[off+2:off+2+certLen])

	return blob, nil
}
