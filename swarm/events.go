package swarm

import (
	"time"
	"unsafe"

	diodes "code.cloudfoundry.org/go-diodes"

	"github.com/sot-tech/swarmd/pkg/log"
	"github.com/sot-tech/swarmd/wire"
)

// EventKind enumerates the events a Swarm emits, per spec.md §6.
type EventKind int

const (
	// EventListening fires at most once per swarm, when Listen
	// completes. It is not ordered against EventWire: a peer added
	// before the listener is bound can be promoted first.
	EventListening EventKind = iota
	// EventWire fires once per promotion to active.
	EventWire
	// EventDownload re-emits one wire download event's byte count
	// (bytes received since that wire's previous download event).
	EventDownload
	// EventUpload re-emits one wire upload event's byte count (bytes
	// sent since that wire's previous upload event).
	EventUpload
	// EventError surfaces a non-fatal runtime fault.
	EventError
	// EventClose fires at most once, after destroy() tears everything
	// down.
	EventClose
)

// Event is a single notification delivered to whatever handler was
// registered with Swarm.OnEvent.
type Event struct {
	Kind EventKind
	Port int
	Wire wire.Wire
	Addr string
	N    int
	Err  error
}

// eventSink fans internal emissions out to a single external consumer
// through a lock-free, non-blocking diode (code.cloudfoundry.org/go-diodes)
// so that a slow or absent handler can never stall add/remove/dial
// completion, per spec.md §5: "Public API methods ... must not block."
// A full diode drops the oldest pending event rather than backing up the
// producer, which is the correct trade-off for an observability stream.
type eventSink struct {
	d       *diodes.OneToOne
	handler func(Event)
	done    chan struct{}
}

type droppedEventAlerter struct {
	logger *log.Logger
}

func (a droppedEventAlerter) Alert(missed int) {
	a.logger.Warn().Int("missed", missed).Msg("event consumer too slow, dropped events")
}

func newEventSink(logger *log.Logger) *eventSink {
	s := &eventSink{
		d:    diodes.NewOneToOne(256, droppedEventAlerter{logger: logger}),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *eventSink) setHandler(h func(Event)) {
	s.handler = h
}

func (s *eventSink) emit(ev Event) {
	e := ev
	s.d.Set(diodes.GenericDataType(&e))
}

// run drains the diode on a short poll interval rather than blocking in
// diodes.Poller.Next, so close() can unblock this goroutine deterministically
// instead of leaking it past Swarm.Destroy.
func (s *eventSink) run() {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		s.drain()
		select {
		case <-s.done:
			// One final flush: close() is always called only after
			// its last emit(), and the channel close synchronizes
			// with this receive, so the diode write is visible here.
			s.drain()
			return
		case <-t.C:
		}
	}
}

func (s *eventSink) drain() {
	for {
		v, ok := s.d.TryNext()
		if !ok {
			return
		}
		ev := (*Event)(unsafe.Pointer(v))
		if s.handler != nil {
			s.handler(*ev)
		}
	}
}

func (s *eventSink) close() {
	close(s.done)
}
