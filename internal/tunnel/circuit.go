package tunnel

import (
	"net"
	"sync"
	"time"
)

type circuitState uint8

const (
	stateConnecting circuitState = iota // server mode: waiting for the destination dial
	stateOpen
	stateClosed
)

// Circuit holds the state of one virtual circuit: a TCP stream multiplexed
// over the link under a 16-bit id. All fields are owned by the engine
// goroutine except the channels shared with the circuit's pumps.
type Circuit struct {
	// Identity
	id uint16

	// Lifecycle
	state     circuitState
	conn      net.Conn
	done      chan struct{} // closed on destroy; stops the pumps
	closeOnce sync.Once

	// Link side
	nextSeq uint8
	remote  seqWindow // sequence numbers accepted from the far station

	// TCP side
	pending   []byte        // pendingToClient
	reading   bool          // a read grant is in flight
	writing   bool          // a chunk of pending is being written
	readGrant chan struct{} // one token per permitted Read
	writeCh   chan []byte   // chunks for the writer pump
	readErr   error         // client gone; close once the last packets leave the queue

	lastActivity time.Time
}

func newCircuit(id uint16, seq uint8, conn net.Conn, now time.Time) *Circuit {
	c := &Circuit{
		id:           id,
		conn:         conn,
		state:        stateOpen,
		nextSeq:      seq,
		done:         make(chan struct{}),
		readGrant:    make(chan struct{}, 1),
		writeCh:      make(chan []byte, 1),
		lastActivity: now,
	}
	if conn == nil {
		c.state = stateConnecting
	}
	return c
}

// ID returns the circuit id.
func (c *Circuit) ID() uint16 {
	return c.id
}

// Conn returns the TCP connection, nil while a server-mode dial is pending.
func (c *Circuit) Conn() net.Conn {
	return c.conn
}

// Closed reports whether the circuit has been destroyed.
func (c *Circuit) Closed() bool {
	return c.state == stateClosed
}

// takeSeq returns the sequence number for the next outbound packet.
func (c *Circuit) takeSeq() uint8 {
	n := c.nextSeq
	c.nextSeq++
	return n
}

// queueClientBytes appends link payload to the bytes waiting for the socket.
func (c *Circuit) queueClientBytes(data []byte) {
	c.pending = append(c.pending, data...)
}

// hasBytesToSendToClient reports whether pendingToClient is non-empty.
func (c *Circuit) hasBytesToSendToClient() bool {
	return len(c.pending) > 0
}

// acceptRemote records an inbound sequence number and reports false when
// it was already accepted, i.e. a retransmission whose acknowledgement was
// lost.
func (c *Circuit) acceptRemote(seq uint8) bool {
	return c.remote.accept(seq)
}

func (c *Circuit) touch(now time.Time) {
	c.lastActivity = now
}

// close marks the circuit destroyed, stops its pumps and closes the socket.
// Only the first call has any effect.
func (c *Circuit) close() (closed bool, err error) {
	c.closeOnce.Do(func() {
		closed = true
		c.state = stateClosed
		c.pending = nil
		close(c.done)
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return closed, err
}

// seqWindow remembers which of the 128 sequence numbers up to and including
// the highest one seen were accepted. Numbers up to 127 ahead of the highest
// are new; anything further behind than the window counts as already seen.
type seqWindow struct {
	started bool
	highest uint8
	bits    [4]uint64
}

func (w *seqWindow) has(seq uint8) bool {
	return w.bits[seq>>6]&(1<<(seq&63)) != 0
}

func (w *seqWindow) set(seq uint8) {
	w.bits[seq>>6] |= 1 << (seq & 63)
}

func (w *seqWindow) clear(seq uint8) {
	w.bits[seq>>6] &^= 1 << (seq & 63)
}

func (w *seqWindow) accept(seq uint8) bool {
	if !w.started {
		w.started = true
		w.highest = seq
		w.set(seq)
		return true
	}

	if ahead := seq - w.highest; ahead != 0 && ahead < 128 {
		// Numbers sliding out behind the window become "ahead" again.
		for i := uint8(1); i <= ahead; i++ {
			w.clear(w.highest - 128 + i)
		}
		w.highest = seq
		w.set(seq)
		return true
	}

	if w.highest-seq >= 128 || w.has(seq) {
		return false
	}
	w.set(seq)
	return true
}
