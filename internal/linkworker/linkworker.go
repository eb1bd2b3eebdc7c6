// Package linkworker implements the Link Worker (spec §4.3): the sole owner
// of the serial handle. It serializes outbound writes, parses inbound
// packets, and routes each decoded frame either to the waiter of a pending
// transfer or to a registered listener.
package linkworker

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/esblink/bridge-host/internal/framer"
	"github.com/esblink/bridge-host/internal/listener"
	"github.com/esblink/bridge-host/internal/serialport"
)

// outboundQueueSize bounds the outbound queue. The teacher's own worker
// (internal/usbprotocol.Transfer) has no queue at all — it writes and waits
// inline — so there is no capacity to copy from upstream; spec §5 explicitly
// allows a bounded choice as long as the backpressure policy is documented:
// Submit returns ErrQueueFull once this many messages are queued ahead of
// the one currently being transmitted.
const outboundQueueSize = 32

// ErrTimeout is returned by RecvReply when no matching reply arrives before
// the deadline.
var ErrTimeout = errors.New("linkworker: timed out waiting for reply")

// ErrQueueFull is returned by Submit when the outbound queue is saturated.
var ErrQueueFull = errors.New("linkworker: outbound queue is full")

// ErrStopped is returned by Submit/RecvReply once the worker has stopped.
var ErrStopped = errors.New("linkworker: worker is stopped")

// Worker owns a serial port and runs the read/write loop described in spec
// §4.3 on its own goroutine.
type Worker struct {
	port      serialport.Port
	log       *logrus.Entry
	listeners *listener.Table[framer.Message]

	outbound      chan framer.Message
	transferReply chan framer.Message
	clearPending  chan struct{}
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New creates a Worker over port, routing unsolicited frames through
// listeners. Call Start to begin the read/write loop.
func New(port serialport.Port, listeners *listener.Table[framer.Message], log *logrus.Entry) *Worker {
	return &Worker{
		port:          port,
		log:           log,
		listeners:     listeners,
		outbound:      make(chan framer.Message, outboundQueueSize),
		transferReply: make(chan framer.Message, 1),
		clearPending:  make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start spawns the worker's read/write goroutine.
func (w *Worker) Start() {
	go w.run()
}

// Stop signals the worker to exit and waits for it to do so. Once stopped,
// Submit and RecvReply fail with ErrStopped.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Submit enqueues an outbound message. It never blocks: once the queue is
// full it reports ErrQueueFull rather than applying backpressure.
func (w *Worker) Submit(msg framer.Message) error {
	select {
	case <-w.stopCh:
		return ErrStopped
	default:
	}
	select {
	case w.outbound <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// RecvReply waits up to timeout for the next reply the worker matched to a
// pending transfer. On timeout it tells the worker to stop treating any
// transfer as pending (spec §9, open question 6): a later reply with a
// matching id will then be routed through the listener table like any other
// unsolicited frame, or discarded if nothing is registered for it.
func (w *Worker) RecvReply(timeout time.Duration) (framer.Message, error) {
	select {
	case msg := <-w.transferReply:
		return msg, nil
	case <-time.After(timeout):
		select {
		case w.clearPending <- struct{}{}:
		default:
		}
		return framer.Message{}, ErrTimeout
	case <-w.stopCh:
		return framer.Message{}, ErrStopped
	}
}

// InstallListener forwards registration to the shared listener table.
func (w *Worker) InstallListener(cmdID byte, sink chan<- framer.Message) {
	w.listeners.Insert(cmdID, sink)
}

func (w *Worker) run() {
	defer close(w.doneCh)

	pending := false
	var pendingCmd byte

	buf := make([]byte, 0, framer.PacketSize*2)
	chunk := make([]byte, framer.PacketSize)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		if !pending {
			select {
			case msg := <-w.outbound:
				w.writeOutbound(msg)
				pending = true
				pendingCmd = msg.ID
			default:
			}
		}

		n, err := w.port.Read(chunk)
		if err != nil {
			w.log.WithError(err).Debug("serial read error")
		}

		select {
		case <-w.clearPending:
			pending = false
		default:
		}

		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}

		for len(buf) >= framer.PacketSize {
			candidate := make([]byte, framer.PacketSize)
			copy(candidate, buf[:framer.PacketSize])
			buf = buf[framer.PacketSize:]

			msg, err := framer.Decode(candidate)
			if err != nil {
				w.log.WithError(err).Debug("discarding malformed frame")
				continue
			}

			if pending && msg.ID == pendingCmd {
				select {
				case w.transferReply <- msg:
				default:
					w.log.WithField("cmd_id", msg.ID).Warn("transfer reply sink busy, dropping")
				}
				pending = false
				continue
			}

			sink, ok := w.listeners.Lookup(msg.ID)
			if !ok {
				w.log.WithField("cmd_id", msg.ID).Debug("no listener registered, discarding")
				continue
			}
			select {
			case sink <- msg:
			default:
				w.log.WithField("cmd_id", msg.ID).Warn("listener sink full, dropping frame")
			}
		}
	}
}

func (w *Worker) writeOutbound(msg framer.Message) {
	encoded, err := framer.Encode(msg)
	if err != nil {
		w.log.WithError(err).Error("failed to encode outbound message")
		return
	}
	if _, err := w.port.Write(encoded[:]); err != nil {
		w.log.WithError(err).Error("serial write failed")
	}
}
