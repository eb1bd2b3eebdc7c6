// Package esbbridge is the Bridge Facade (spec §4.6): the library entry
// point. It owns a usbprotocol.Protocol, demuxes inbound ESB radio frames
// (carried as CmdRx USB messages) to per-ESB-id listener sinks, and exposes
// firmware version, transfer, set-central-address and listener registration.
package esbbridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/esblink/bridge-host/internal/listener"
	"github.com/esblink/bridge-host/pkg/esb"
	"github.com/esblink/bridge-host/pkg/usbprotocol"
)

const (
	versionTimeout     = 500 * time.Millisecond
	centralAddrTimeout = 200 * time.Millisecond
)

// rxQueueDepth bounds the channel the worker delivers inbound ESB frames on
// before the demux task has drained them.
const rxQueueDepth = 16

// ErrNotImplemented is returned by operations named in the command-code
// surface that the bridge firmware does not yet support host-side
// (spec §4.6, §7): Send (CmdSend, fire-and-forget) is one of these.
var ErrNotImplemented = errors.New("esbbridge: not implemented")

// Bridge is the library entry point wrapping a connected ESB bridge device.
type Bridge struct {
	usb *usbprotocol.Protocol
	log *logrus.Entry

	esbListeners *listener.Table[esb.Message]
	rxCh         chan usbprotocol.Message

	stopCh chan struct{}
	doneCh chan struct{}
}

// New opens device, connects the USB Protocol facade, and starts the ESB
// demux task that listens for CmdRx frames and fans them out by ESB command
// id (spec §4.6).
func New(device string, log *logrus.Entry) (*Bridge, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	usb, err := usbprotocol.Open(device, log.WithField("component", "usb_protocol"))
	if err != nil {
		return nil, fmt.Errorf("esbbridge: %w", err)
	}

	return wrap(usb, log), nil
}

// wrap builds a Bridge around an already-connected Protocol. Split out of
// New so tests can drive the demux task over a Protocol wrapping a fake
// serialport.Port (see usbprotocol.Wrap).
func wrap(usb *usbprotocol.Protocol, log *logrus.Entry) *Bridge {
	b := &Bridge{
		usb:          usb,
		log:          log,
		esbListeners: listener.New[esb.Message](log.WithField("component", "esb_listener_table")),
		rxCh:         make(chan usbprotocol.Message, rxQueueDepth),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	usb.AddListener(usbprotocol.CmdRx, b.rxCh)
	go b.demux()

	return b
}

// Close stops the demux task and the underlying USB Protocol facade.
func (b *Bridge) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.usb.Close()
}

// GetFirmwareVersion requests the bridge's firmware version and formats it
// as "vMAJ.MIN.PATCH" (spec §4.6).
func (b *Bridge) GetFirmwareVersion() (string, error) {
	reply, err := b.usb.Transfer(usbprotocol.Message{ID: usbprotocol.CmdVersion}, versionTimeout)
	if err != nil {
		return "", fmt.Errorf("esbbridge: get firmware version: %w", err)
	}
	if reply.Err != 0 {
		return "", fmt.Errorf("esbbridge: get firmware version: device returned error 0x%02x", reply.Err)
	}
	if len(reply.Payload) < 3 {
		return "", fmt.Errorf("esbbridge: get firmware version: reply payload too short (%d bytes)", len(reply.Payload))
	}

	return fmt.Sprintf("v%d.%d.%d", reply.Payload[0], reply.Payload[1], reply.Payload[2]), nil
}

// Transfer encapsulates msg as a CmdTransfer USB message, sends it and
// decodes the peer's ESB reply (spec §4.6).
func (b *Bridge) Transfer(msg esb.Message, timeout time.Duration) (esb.Message, error) {
	reply, err := b.usb.Transfer(msg.BuildUsbMessage(), timeout)
	if err != nil {
		return esb.Message{}, fmt.Errorf("esbbridge: transfer: %w", err)
	}

	esbReply, err := esb.FromUsbMessage(reply)
	if err != nil {
		return esb.Message{}, fmt.Errorf("esbbridge: transfer: %w", err)
	}
	return esbReply, nil
}

// SetCentralAddress sets the pipeline address the bridge listens on
// (spec §4.6). Success is any reply with a matching command id; its
// contents are discarded.
func (b *Bridge) SetCentralAddress(addr esb.Address) error {
	_, err := b.usb.Transfer(usbprotocol.Message{ID: usbprotocol.CmdSetCentralAddr, Payload: addr[:]}, centralAddrTimeout)
	if err != nil {
		return fmt.Errorf("esbbridge: set central address: %w", err)
	}
	return nil
}

// Send is fire-and-forget ESB transmission (CmdSend). It is part of the
// command-code surface (spec §6.1) but, like the Rust source it was
// distilled from (original_source/src/bridge/mod.rs's Bridge::transfer
// stub), is not wired to the firmware yet.
func (b *Bridge) Send(msg esb.Message) error {
	return ErrNotImplemented
}

// AddListener installs sink as the delivery channel for esbCmdID on the
// Bridge's own ESB-level listener table, distinct from the USB-level table
// the Link Worker owns (spec §4.6).
func (b *Bridge) AddListener(esbCmdID byte, sink chan<- esb.Message) {
	b.esbListeners.Insert(esbCmdID, sink)
}

func (b *Bridge) demux() {
	defer close(b.doneCh)

	for {
		select {
		case <-b.stopCh:
			return
		case usbMsg := <-b.rxCh:
			esbMsg, err := esb.FromUsbMessage(usbMsg)
			if err != nil {
				b.log.WithError(err).Warn("discarding malformed inbound ESB frame")
				continue
			}

			sink, ok := b.esbListeners.Lookup(esbMsg.ID)
			if !ok {
				b.log.WithField("esb_cmd_id", esbMsg.ID).Warn("no listener registered for inbound ESB command")
				continue
			}
			select {
			case sink <- esbMsg:
			default:
				b.log.WithField("esb_cmd_id", esbMsg.ID).Warn("ESB listener sink full, dropping frame")
			}
		}
	}
}
