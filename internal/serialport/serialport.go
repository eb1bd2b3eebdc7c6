// Package serialport provides the opaque serial byte-stream abstraction the
// Link Worker talks to (spec §6.2): open, blocking write, blocking read, and
// a "bytes available" query. The device driver itself is out of scope; this
// just wraps github.com/tarm/serial, the library the teacher repo uses.
package serialport

import (
	"time"

	"github.com/tarm/serial"
)

// Port is the minimal serial interface the Link Worker depends on. It is
// satisfied by *Device for real hardware and can be faked in tests.
type Port interface {
	// Write blocks until the bytes are handed to the driver.
	Write(p []byte) (int, error)
	// Read blocks (bounded by the port's own read timeout) and returns
	// whatever bytes are available, which may be fewer than len(p).
	Read(p []byte) (int, error)
	// BytesToRead reports how many bytes are currently buffered and ready
	// to be read without blocking.
	BytesToRead() (uint32, error)
	Close() error
}

// Device is a Port backed by a real serial device.
type Device struct {
	port *serial.Port
}

// Open opens path at baud with the given per-read timeout, matching the
// teacher's fixed 9600 baud / 100ms configuration (spec §4.4).
func Open(path string, baud int, readTimeout time.Duration) (*Device, error) {
	cfg := &serial.Config{Name: path, Baud: baud, ReadTimeout: readTimeout}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	return &Device{port: port}, nil
}

func (d *Device) Write(p []byte) (int, error) { return d.port.Write(p) }
func (d *Device) Read(p []byte) (int, error)  { return d.port.Read(p) }
func (d *Device) Close() error                { return d.port.Close() }

// BytesToRead has no direct equivalent in github.com/tarm/serial (it exposes
// no OS-level "bytes buffered" syscall, unlike some other serial libraries in
// the ecosystem), and probing with a zero-length read is not meaningful
// either. Callers instead rely on Read's own ReadTimeout and treat
// short/zero reads as "try later",
// exactly like the teacher's serialReaderThread does. BytesToRead therefore
// always reports 0 and exists only to satisfy the Port interface and keep
// callers written against the spec's §6.2 surface; it is never relied on for
// correctness.
func (d *Device) BytesToRead() (uint32, error) { return 0, nil }
