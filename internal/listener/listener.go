// Package listener implements the Listener Table (spec §3.3, §4.2): a
// concurrent-safe mapping from a byte command id to a single delivery sink.
// Registering an id that is already present silently overwrites the prior
// sink.
package listener

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Table maps a command id to a send-only channel of T.
type Table[T any] struct {
	log   *logrus.Entry
	mu    sync.RWMutex
	sinks map[byte]chan<- T
}

// New creates an empty table. log may be nil, in which case a disabled
// entry is used (no output).
func New[T any](log *logrus.Entry) *Table[T] {
	if log == nil {
		l := logrus.New()
		l.SetOutput(discardWriter{})
		log = logrus.NewEntry(l)
	}
	return &Table[T]{log: log, sinks: make(map[byte]chan<- T)}
}

// Insert registers sink for cmdID, overwriting and logging any prior entry.
// It never blocks: the lock is released before this function returns, and no
// send ever happens while holding it.
func (t *Table[T]) Insert(cmdID byte, sink chan<- T) {
	t.mu.Lock()
	_, existed := t.sinks[cmdID]
	t.sinks[cmdID] = sink
	t.mu.Unlock()

	if existed {
		t.log.WithField("cmd_id", cmdID).Info("listener overwritten")
	} else {
		t.log.WithField("cmd_id", cmdID).Info("listener registered")
	}
}

// Lookup returns the sink registered for cmdID, if any.
func (t *Table[T]) Lookup(cmdID byte) (chan<- T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sink, ok := t.sinks[cmdID]
	return sink, ok
}

// Remove drops the entry for cmdID, if present. Not required by any current
// caller but kept as a first-class operation per spec §4.2.
func (t *Table[T]) Remove(cmdID byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sinks, cmdID)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
