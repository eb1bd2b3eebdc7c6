// Package esb implements the ESB Encoder/Decoder (spec §4.5, §6.3): building
// a USB-layer payload that wraps an addressed radio packet, and parsing one
// back out. The encapsulated layout is [id, err, address(5), payload...].
package esb

import (
	"errors"
	"fmt"

	"github.com/esblink/bridge-host/pkg/usbprotocol"
)

// AddressSize is the size of an ESB pipeline address.
const AddressSize = 5

// MaxPayloadLen is the largest payload an EsbMessage can carry
// (ESB_PACKET_SIZE(32) - ESB_HEADER_SIZE(7), spec §3.2/§3.5).
const MaxPayloadLen = 25

// HeaderSize is the size of the encapsulated header: [id, err, address(5)].
const HeaderSize = 2 + AddressSize

// ErrPayloadTooLarge reports a payload exceeding MaxPayloadLen.
var ErrPayloadTooLarge = errors.New("esb: payload exceeds maximum length")

// ErrMalformed is returned by FromUsbMessage when the payload is too short
// to contain a valid ESB header.
var ErrMalformed = errors.New("esb: payload too short for ESB header")

// Address is a fixed-size ESB pipeline address.
type Address [AddressSize]byte

// Message is an encapsulated radio packet (spec §3.2).
type Message struct {
	Address Address
	ID      byte
	Err     byte
	Payload []byte
}

// New builds a Message, enforcing the payload size bound.
func New(address Address, id byte, payload []byte) (Message, error) {
	if len(payload) > MaxPayloadLen {
		return Message{}, fmt.Errorf("%w: got %d, max %d", ErrPayloadTooLarge, len(payload), MaxPayloadLen)
	}
	return Message{Address: address, ID: id, Payload: payload}, nil
}

// BuildUsbMessage encapsulates msg as the payload of a CmdTransfer USB
// message: [msg.ID, msg.Err, msg.Address..., msg.Payload...] (spec §4.5,
// §6.3 — the normative header order for this spec, matching the latest
// in-tree revision rather than the address-first revision).
func (msg Message) BuildUsbMessage() usbprotocol.Message {
	payload := make([]byte, 0, HeaderSize+len(msg.Payload))
	payload = append(payload, msg.ID, msg.Err)
	payload = append(payload, msg.Address[:]...)
	payload = append(payload, msg.Payload...)

	return usbprotocol.Message{
		ID:      usbprotocol.CmdTransfer,
		Err:     0,
		Payload: payload,
	}
}

// FromUsbMessage parses usb's payload back into an ESB message. It rejects
// payloads shorter than HeaderSize.
func FromUsbMessage(usb usbprotocol.Message) (Message, error) {
	if len(usb.Payload) < HeaderSize {
		return Message{}, fmt.Errorf("%w: got %d bytes, need at least %d", ErrMalformed, len(usb.Payload), HeaderSize)
	}

	var addr Address
	copy(addr[:], usb.Payload[2:2+AddressSize])

	payload := make([]byte, len(usb.Payload)-HeaderSize)
	copy(payload, usb.Payload[HeaderSize:])

	return Message{
		Address: addr,
		ID:      usb.Payload[0],
		Err:     usb.Payload[1],
		Payload: payload,
	}, nil
}
