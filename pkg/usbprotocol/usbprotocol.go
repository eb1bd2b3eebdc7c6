// Package usbprotocol is the USB Protocol Facade (spec §4.4): the public
// surface over the Framer, Listener Table and Link Worker. It opens a
// serial device, spawns the Link Worker, and exposes Transfer/AddListener.
package usbprotocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/esblink/bridge-host/internal/framer"
	"github.com/esblink/bridge-host/internal/linkworker"
	"github.com/esblink/bridge-host/internal/listener"
	"github.com/esblink/bridge-host/internal/serialport"
)

// Command ids shared across the USB wire format (spec §6.1). Listed here
// because they are part of the public surface any caller registering a
// listener needs.
const (
	CmdVersion        byte = 0x10
	CmdSetCentralAddr byte = 0x21
	CmdTransfer       byte = 0x30
	CmdSend           byte = 0x31
	CmdIrq            byte = 0x80
	CmdRx             byte = 0x81
)

// Message is a USB-layer command/response payload (spec §3.1).
type Message = framer.Message

// MaxPayloadLen is the largest payload a Message can carry.
const MaxPayloadLen = framer.MaxPayloadLen

// serialBaud and serialReadTimeout are fixed per spec §4.4; the device path
// is the only thing a caller configures.
const (
	serialBaud        = 9600
	serialReadTimeout = 100 * time.Millisecond
)

// ErrPayloadTooLarge reports a payload exceeding MaxPayloadLen.
var ErrPayloadTooLarge = framer.ErrPayloadTooLarge

// ErrTimeout is returned by Transfer when no matching reply arrives in time.
var ErrTimeout = linkworker.ErrTimeout

// ErrQueueFull is returned by Transfer when the outbound queue is saturated.
var ErrQueueFull = linkworker.ErrQueueFull

// ErrCmdMismatch is returned by Transfer when the reply handed back by the
// worker doesn't carry the id of the request it was paired with. The Link
// Worker only matches replies against the single cmd id it currently has
// pending (internal/linkworker.Worker.run), so this is the facade's own
// backstop against a reply meant for a different concurrent caller slipping
// through the shared transfer-reply channel undetected — the same guard the
// teacher's Transfer keeps as ErrCmdMismatch.
var ErrCmdMismatch = errors.New("usbprotocol: reply command id does not match request")

// Protocol is the USB Protocol Facade. A zero value is not usable; build one
// with Open.
type Protocol struct {
	worker *linkworker.Worker
	port   serialport.Port
	log    *logrus.Entry
}

// Open connects to device at the protocol's fixed baud rate and read
// timeout, spawning the Link Worker. The returned error identifies the port
// on failure (spec §4.4 OpenError).
func Open(device string, log *logrus.Entry) (*Protocol, error) {
	port, err := serialport.Open(device, serialBaud, serialReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("usbprotocol: unable to open serial port %q: %w", device, err)
	}

	return Wrap(port, log), nil
}

// Wrap builds a Protocol around an already-open port. Open is the normal
// entry point for a real device; Wrap exists so callers (and this module's
// own tests) can drive the facade over a custom or fake serialport.Port.
func Wrap(port serialport.Port, log *logrus.Entry) *Protocol {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	listeners := listener.New[framer.Message](log.WithField("component", "listener_table"))
	worker := linkworker.New(port, listeners, log.WithField("component", "link_worker"))
	worker.Start()

	return &Protocol{worker: worker, port: port, log: log}
}

// Close stops the Link Worker and closes the underlying serial port.
func (p *Protocol) Close() error {
	p.worker.Stop()
	return p.port.Close()
}

// Transfer sends msg and returns the first reply whose id matches within
// timeout (spec §4.4). If the deadline elapses first, a late reply is
// delivered to whichever transfer or listener next matches its id.
func (p *Protocol) Transfer(msg Message, timeout time.Duration) (Message, error) {
	if err := p.worker.Submit(msg); err != nil {
		return Message{}, fmt.Errorf("usbprotocol: submit failed: %w", err)
	}

	reply, err := p.worker.RecvReply(timeout)
	if err != nil {
		return Message{}, fmt.Errorf("usbprotocol: transfer 0x%02x: %w", msg.ID, err)
	}
	if reply.ID != msg.ID {
		return Message{}, fmt.Errorf("usbprotocol: transfer 0x%02x: %w (got 0x%02x)", msg.ID, ErrCmdMismatch, reply.ID)
	}
	return reply, nil
}

// AddListener installs sink as the delivery channel for cmdID.
func (p *Protocol) AddListener(cmdID byte, sink chan<- Message) {
	p.worker.InstallListener(cmdID, sink)
}
