// Package framer implements the fixed-size USB-layer wire framing used to
// talk to the ESB bridge device: sync byte, id/err/length header, payload
// and a CRC-16/CCITT-FALSE trailer. It has no I/O of its own.
package framer

import (
	"errors"
	"fmt"

	"github.com/sigurn/crc16"
)

// PacketSize is the fixed size of a USB-layer packet on the wire.
const PacketSize = 64

// HeaderSize is the number of bytes in the sync/id/err/len header.
const HeaderSize = 4

// CrcSize is the number of trailing CRC bytes.
const CrcSize = 2

// SyncByte marks the start of a packet.
const SyncByte byte = 0x69

// MaxPayloadLen is the largest payload a single packet can carry.
const MaxPayloadLen = PacketSize - HeaderSize - CrcSize

const (
	idxSync   = 0
	idxID     = 1
	idxErr    = 2
	idxPlLen  = 3
	idxPl     = 4
	idxCrcLow = PacketSize - CrcSize
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// ErrPayloadTooLarge is returned when a message's payload exceeds MaxPayloadLen.
var ErrPayloadTooLarge = errors.New("framer: payload exceeds maximum length")

// ErrMalformed is returned by Decode for any rejected frame: wrong size, bad
// sync byte, bad CRC or an out-of-range length field. The worker treats this
// as "discard and keep reading"; no finer distinction is exposed.
var ErrMalformed = errors.New("framer: malformed frame")

// Message is a USB-layer command/response payload, the unit the Framer
// encodes to and decodes from a 64-byte packet.
type Message struct {
	ID      byte
	Err     byte
	Payload []byte
}

// NewMessage builds a Message, rejecting payloads longer than MaxPayloadLen.
func NewMessage(id byte, payload []byte) (Message, error) {
	if len(payload) > MaxPayloadLen {
		return Message{}, fmt.Errorf("%w: got %d, max %d", ErrPayloadTooLarge, len(payload), MaxPayloadLen)
	}
	return Message{ID: id, Payload: payload}, nil
}

// Encode builds the 64-byte wire packet for msg.
func Encode(msg Message) ([PacketSize]byte, error) {
	var out [PacketSize]byte

	if len(msg.Payload) > MaxPayloadLen {
		return out, fmt.Errorf("%w: got %d, max %d", ErrPayloadTooLarge, len(msg.Payload), MaxPayloadLen)
	}

	out[idxSync] = SyncByte
	out[idxID] = msg.ID
	out[idxErr] = msg.Err
	out[idxPlLen] = byte(len(msg.Payload))
	copy(out[idxPl:idxCrcLow], msg.Payload)

	sum := crc16.Checksum(out[:idxCrcLow], crcTable)
	out[idxCrcLow] = byte(sum & 0xff)
	out[idxCrcLow+1] = byte(sum >> 8)

	return out, nil
}

// Decode validates and parses a 64-byte packet. It returns ErrMalformed for
// any rejected frame (wrong length, bad sync, bad CRC, or an out-of-range
// payload length field).
func Decode(buf []byte) (Message, error) {
	if len(buf) != PacketSize {
		return Message{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformed, PacketSize, len(buf))
	}
	if buf[idxSync] != SyncByte {
		return Message{}, fmt.Errorf("%w: bad sync byte 0x%02x", ErrMalformed, buf[idxSync])
	}

	calc := crc16.Checksum(buf[:idxCrcLow], crcTable)
	rx := uint16(buf[idxCrcLow]) | uint16(buf[idxCrcLow+1])<<8
	if calc != rx {
		return Message{}, fmt.Errorf("%w: crc mismatch, calculated 0x%04x, received 0x%04x", ErrMalformed, calc, rx)
	}

	n := int(buf[idxPlLen])
	if n > MaxPayloadLen {
		return Message{}, fmt.Errorf("%w: payload length field %d exceeds maximum %d", ErrMalformed, n, MaxPayloadLen)
	}

	payload := make([]byte, n)
	copy(payload, buf[idxPl:idxPl+n])

	return Message{ID: buf[idxID], Err: buf[idxErr], Payload: payload}, nil
}
