package esbbridge

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esblink/bridge-host/internal/framer"
	"github.com/esblink/bridge-host/pkg/esb"
	"github.com/esblink/bridge-host/pkg/usbprotocol"
)

// fakePort is an in-memory serialport.Port used to drive the Bridge's ESB
// demux task without a real device.
type fakePort struct {
	mu     sync.Mutex
	toRead [][]byte
}

func (f *fakePort) Write(p []byte) (int, error) { return len(p), nil }

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.toRead) == 0 {
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	next := f.toRead[0]
	f.toRead = f.toRead[1:]
	return copy(p, next), nil
}

func (f *fakePort) BytesToRead() (uint32, error) { return 0, nil }
func (f *fakePort) Close() error                 { return nil }

func (f *fakePort) pushUsb(msg framer.Message) {
	encoded, err := framer.Encode(msg)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	f.toRead = append(f.toRead, encoded[:])
	f.mu.Unlock()
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestBridge(port *fakePort) *Bridge {
	log := testLogger()
	usb := usbprotocol.Wrap(port, log.WithField("component", "usb_protocol"))

	return wrap(usb, log)
}

// TestDemuxRoutesByEsbID checks that an inbound CmdRx frame is decoded and
// delivered to the listener registered for its ESB-level command id, not its
// USB-level id (spec §4.6).
func TestDemuxRoutesByEsbID(t *testing.T) {
	port := &fakePort{}
	bridge := newTestBridge(port)
	defer bridge.Close()

	ch := make(chan esb.Message, 1)
	bridge.AddListener(0xAA, ch)

	esbFrame := esb.Message{
		Address: esb.Address{0xDE, 0xAD, 0xBE, 0xEF, 0x01},
		ID:      0xAA,
		Err:     0x12,
		Payload: []byte{0x10, 0x00, 0x11, 0x00},
	}
	usbFrame := esbFrame.BuildUsbMessage()
	usbFrame.ID = usbprotocol.CmdRx

	port.pushUsb(usbFrame)

	select {
	case got := <-ch:
		assert.Equal(t, esbFrame.ID, got.ID)
		assert.Equal(t, esbFrame.Err, got.Err)
		assert.Equal(t, esbFrame.Address, got.Address)
		assert.Equal(t, esbFrame.Payload, got.Payload)
	case <-time.After(time.Second):
		t.Fatal("demux did not deliver inbound ESB frame")
	}
}

func TestDemuxDiscardsMalformedFrame(t *testing.T) {
	port := &fakePort{}
	bridge := newTestBridge(port)
	defer bridge.Close()

	ch := make(chan esb.Message, 1)
	bridge.AddListener(0xAA, ch)

	port.pushUsb(framer.Message{ID: usbprotocol.CmdRx, Payload: []byte{1, 2, 3}})

	select {
	case got := <-ch:
		t.Fatalf("malformed frame should have been discarded, got %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGetFirmwareVersionFormatsReply(t *testing.T) {
	port := &fakePort{}
	bridge := newTestBridge(port)
	defer bridge.Close()

	// The reply is fed in only after the request is pending: a frame decoded
	// while no transfer is pending goes to the listener table instead.
	go func() {
		time.Sleep(20 * time.Millisecond)
		port.pushUsb(framer.Message{ID: usbprotocol.CmdVersion, Payload: []byte{1, 2, 3}})
	}()

	version, err := bridge.GetFirmwareVersion()
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", version)
}
