// Package radio defines the datagram transport the framer sends chunks
// over, plus an in-memory bus (for tests and --simulate-radio) and a
// byte-stream adapter standing in for a real Meshtastic serial/BLE link.
// The blocking-receive-with-deadline shape mirrors the teacher's
// sockatz/common.QUICProxyConn, reworked around discrete datagrams instead
// of a QUIC packet conn.
package radio

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/atlas-mesh/meshbridge/internal/corelib/worker"
)

// ErrHalted is returned by a blocked Receive/Send once the radio has been
// closed.
var ErrHalted = errors.New("radio: halted")

// ErrTimeout is returned by Receive when no datagram arrives before the
// deadline.
var ErrTimeout = errors.New("radio: receive timed out")

// Datagram is one inbound message: the raw chunk bytes plus the sender's
// node identity as the mesh radio reports it (e.g. "!a1b2c3d4" or a plain
// numeric id for first contact from an unconfigured node).
type Datagram struct {
	Sender  string
	Payload []byte
}

// Interface is the minimal contract the transport core needs from a radio
// link: send a datagram to a destination node id, and block for the next
// inbound datagram up to a deadline.
type Interface interface {
	Send(destination string, payload []byte) error
	Receive(timeout time.Duration) (Datagram, error)
	Close() error
}

// --- in-memory bus ----------------------------------------------------

// Bus is a shared rendezvous point for InMemory radios under test: each
// node id has its own inbound queue, and Send on one node's radio pushes
// onto the destination node's queue.
type Bus struct {
	mu     sync.Mutex
	queues map[string][]Datagram
	cond   map[string]chan struct{}
}

// NewBus constructs an empty in-memory bus.
func NewBus() *Bus {
	return &Bus{queues: make(map[string][]Datagram), cond: make(map[string]chan struct{})}
}

func (b *Bus) notifyCh(nodeID string) chan struct{} {
	if ch, ok := b.cond[nodeID]; ok {
		return ch
	}
	ch := make(chan struct{}, 1)
	b.cond[nodeID] = ch
	return ch
}

func (b *Bus) push(nodeID string, dg Datagram) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[nodeID] = append(b.queues[nodeID], dg)
	ch := b.notifyCh(nodeID)
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (b *Bus) pop(nodeID string) (Datagram, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[nodeID]
	if len(q) == 0 {
		return Datagram{}, false
	}
	dg := q[0]
	b.queues[nodeID] = q[1:]
	return dg, true
}

func (b *Bus) waitCh(nodeID string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notifyCh(nodeID)
}

// InMemory is a radio.Interface backed by a shared Bus, used by tests and
// the --simulate-radio CLI mode to exercise the full bridge without real
// hardware.
type InMemory struct {
	worker.Worker
	nodeID string
	bus    *Bus
}

// NewInMemory attaches a radio identified by nodeID to bus.
func NewInMemory(nodeID string, bus *Bus) *InMemory {
	return &InMemory{nodeID: nodeID, bus: bus}
}

// Send enqueues payload on destination's inbound queue, tagging it with
// this radio's node id as sender.
func (r *InMemory) Send(destination string, payload []byte) error {
	select {
	case <-r.HaltCh():
		return ErrHalted
	default:
	}
	cp := append([]byte(nil), payload...)
	r.bus.push(destination, Datagram{Sender: r.nodeID, Payload: cp})
	return nil
}

// Receive blocks for the next datagram addressed to this node, up to
// timeout.
func (r *InMemory) Receive(timeout time.Duration) (Datagram, error) {
	if dg, ok := r.bus.pop(r.nodeID); ok {
		return dg, nil
	}
	var after <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		after = timer.C
	}
	for {
		select {
		case <-r.HaltCh():
			return Datagram{}, ErrHalted
		case <-r.bus.waitCh(r.nodeID):
			if dg, ok := r.bus.pop(r.nodeID); ok {
				return dg, nil
			}
		case <-after:
			return Datagram{}, ErrTimeout
		}
	}
}

// Close halts the radio's pending Send/Receive calls.
func (r *InMemory) Close() error {
	r.Halt()
	return nil
}

// --- serial/byte-stream adapter -----------------------------------------

// maxDatagramSize bounds a single datagram on the underlying byte stream,
// where each datagram is framed by a 2-byte length prefix. Real
// Meshtastic serial framing is packet-oriented already (see spec.md
// Non-goals — the hardware driver itself is out of scope); this adapter
// models the shape a length-prefixed byte-stream transport would need.
const maxDatagramSize = 4096

// Serial adapts an io.ReadWriteCloser (a real serial port, a pty in tests,
// or any other byte stream) into a radio.Interface using a simple 2-byte
// big-endian length prefix per datagram.
type Serial struct {
	worker.Worker
	mu   sync.Mutex
	conn io.ReadWriteCloser
	// SelfID is this node's own identity. The length-prefixed stream
	// carries no sender field, so Receive reports SelfID as the Sender of
	// every datagram it reads.
	SelfID string
}

// NewSerial wraps conn as a radio.Interface.
func NewSerial(conn io.ReadWriteCloser, selfID string) *Serial {
	return &Serial{conn: conn, SelfID: selfID}
}

func (s *Serial) Send(destination string, payload []byte) error {
	if len(payload) > maxDatagramSize {
		return errors.New("radio: payload exceeds serial adapter's maximum datagram size")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	header := []byte{byte(len(payload) >> 8), byte(len(payload))}
	if _, err := s.conn.Write(header); err != nil {
		return err
	}
	_, err := s.conn.Write(payload)
	return err
}

// Receive reads the next length-prefixed datagram. A generic
// io.ReadWriteCloser has no per-call read deadline, so the blocking read
// runs on a background goroutine and races a timeout timer (ErrTimeout)
// and the halt channel (ErrHalted).
func (s *Serial) Receive(timeout time.Duration) (Datagram, error) {
	type result struct {
		dg  Datagram
		err error
	}
	// The background read keeps blocking past a timeout since
	// io.ReadWriteCloser offers no cancellable read; it is abandoned, not
	// stopped, and exits on its own once the peer sends or the conn closes.
	resultCh := make(chan result, 1)
	s.Go(func() {
		header := make([]byte, 2)
		if _, err := io.ReadFull(s.conn, header); err != nil {
			resultCh <- result{err: err}
			return
		}
		n := int(header[0])<<8 | int(header[1])
		payload := make([]byte, n)
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			resultCh <- result{err: err}
			return
		}
		resultCh <- result{dg: Datagram{Sender: s.SelfID, Payload: payload}}
	})

	var after <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		after = timer.C
	}
	select {
	case r := <-resultCh:
		return r.dg, r.err
	case <-after:
		return Datagram{}, ErrTimeout
	case <-s.HaltCh():
		return Datagram{}, ErrHalted
	}
}

func (s *Serial) Close() error {
	s.Halt()
	return s.conn.Close()
}
