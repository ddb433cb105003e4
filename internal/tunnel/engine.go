// Package tunnel multiplexes TCP streams over a single lossy, rate-limited
// datagram link.
//
// One Engine goroutine owns every piece of tunnel state: the circuit table,
// the transmit scheduler and the rate limiter. Blocking socket calls run in
// small pump goroutines that report back over channels, so the engine reacts
// to readiness much like a select(2) loop and needs no locks.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/1ureka/dmrtunnel/internal/protocol"
	"github.com/1ureka/dmrtunnel/internal/util"
)

// Link is the datagram transport to the far station. Implementations live in
// the link package.
type Link interface {
	// Send transmits one frame. It may block while the radio is busy.
	Send(frame []byte) error

	// Receive blocks until the next frame arrives.
	Receive() ([]byte, error)

	// MTU returns the largest frame the link carries, or 0 when unknown.
	MTU() int

	// Close releases the link and interrupts Receive.
	Close() error
}

// DialFunc opens the server-mode connection to the destination.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Tuning defaults.
const (
	DefaultWindowSize    = 1
	DefaultPacketTimeout = 10 * time.Second
	DefaultMaxRetries    = 3
	DefaultRateInterval  = 100 * time.Millisecond
	DefaultMaxDatagram   = 1024
	DefaultDialTimeout   = 10 * time.Second

	// MaxWindowSize keeps every unconfirmed sequence number of a circuit in
	// one half of the 8-bit sequence space, so the far station can tell a
	// retransmission from a new packet.
	MaxWindowSize = 127
)

// Options configures an Engine.
type Options struct {
	WindowSize    int           // unconfirmed packets allowed per circuit
	PacketTimeout time.Duration // wait before a packet is sent again
	MaxRetries    int           // retransmissions after the first attempt
	RateInterval  time.Duration // minimum spacing of link transmissions
	MaxDatagram   int           // header + payload
	Acknowledge   bool          // confirm data packets with header-only frames
	IdleTimeout   time.Duration // 0 keeps idle circuits forever

	ServerMode  bool
	Destination string
	DialTimeout time.Duration
	Dial        DialFunc // defaults to net.Dialer.DialContext
}

// DefaultOptions returns the reference tuning with acknowledgements on and
// server mode off.
func DefaultOptions() Options {
	return Options{
		WindowSize:    DefaultWindowSize,
		PacketTimeout: DefaultPacketTimeout,
		MaxRetries:    DefaultMaxRetries,
		RateInterval:  DefaultRateInterval,
		MaxDatagram:   DefaultMaxDatagram,
		Acknowledge:   true,
		DialTimeout:   DefaultDialTimeout,
	}
}

// Engine is the event loop tying the link, the client listener and every
// circuit's TCP socket together.
type Engine struct {
	opts     Options
	link     Link
	listener net.Listener
	maxRead  int
	now      func() time.Time

	sched   *Scheduler
	table   *Table
	limiter *RateLimiter

	ctx      context.Context
	done     chan struct{}
	inbound  chan []byte
	accepted chan net.Conn
	reads    chan readResult
	writes   chan writeResult
	dials    chan dialResult
	outbound chan []byte
	sent     chan error
	fatal    chan error
	linkBusy bool
}

// NewEngine creates an engine over link. A nil listener disables client mode.
func NewEngine(link Link, listener net.Listener, opts Options) *Engine {
	if opts.WindowSize < 1 {
		opts.WindowSize = 1
	}
	if opts.WindowSize > MaxWindowSize {
		opts.WindowSize = MaxWindowSize
	}
	if opts.MaxDatagram <= protocol.HeaderSize {
		opts.MaxDatagram = DefaultMaxDatagram
	}
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = d.DialContext
	}

	maxDatagram := opts.MaxDatagram
	if mtu := link.MTU(); mtu > protocol.HeaderSize && mtu < maxDatagram {
		maxDatagram = mtu
	}

	sched := NewScheduler(opts.PacketTimeout, opts.MaxRetries)

	return &Engine{
		opts:     opts,
		link:     link,
		listener: listener,
		maxRead:  maxDatagram - protocol.HeaderSize,
		now:      time.Now,
		sched:    sched,
		table:    NewTable(sched),
		limiter:  NewRateLimiter(opts.RateInterval),
		done:     make(chan struct{}),
		inbound:  make(chan []byte, 16),
		accepted: make(chan net.Conn),
		reads:    make(chan readResult, 16),
		writes:   make(chan writeResult, 16),
		dials:    make(chan dialResult),
		outbound: make(chan []byte, 1),
		sent:     make(chan error, 1),
		fatal:    make(chan error, 2),
	}
}

// Run drives the tunnel until ctx is cancelled or the link or listener
// fails. It takes ownership of the link and the listener and closes both,
// together with every circuit, before returning. A graceful stop returns nil
// unless closing something failed.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx

	go e.receiveLink()
	go e.transmitLink()
	if e.listener != nil {
		go e.acceptClients()
	}

	err := e.loop(ctx)

	var result *multierror.Error
	if err != nil {
		result = multierror.Append(result, err)
	}
	if closeErr := e.shutdown(); closeErr != nil {
		result = multierror.Append(result, closeErr)
	}
	return result.ErrorOrNil()
}

func (e *Engine) loop(ctx context.Context) error {
	timer := time.NewTimer(e.opts.RateInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		now := e.now()
		e.expireIdle(now)
		e.pollLink(now)
		e.pollCircuits()

		timer.Reset(e.waitTimeout(e.now()))

		select {
		case <-ctx.Done():
			return nil

		case data := <-e.inbound:
			e.processInbound(data, e.now())

		case conn := <-e.accepted:
			e.acceptClient(conn, e.now())

		case r := <-e.reads:
			e.handleRead(r, e.now())

		case w := <-e.writes:
			e.handleWrite(w, e.now())

		case d := <-e.dials:
			e.handleDial(d, e.now())

		case err := <-e.sent:
			e.linkBusy = false
			if err != nil {
				return fmt.Errorf("%w: send: %v", ErrLinkFatal, err)
			}

		case err := <-e.fatal:
			return err

		case <-timer.C:
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// waitTimeout bounds the readiness wait by the rate interval, and by the
// time left until the limiter opens when a frame is waiting for it.
func (e *Engine) waitTimeout(now time.Time) time.Duration {
	wait := e.opts.RateInterval
	if wait <= 0 {
		wait = DefaultRateInterval
	}
	if !e.linkBusy && e.sched.HasPacketToSend(now) {
		if d := e.limiter.Delay(now); d > 0 && d < wait {
			wait = d
		}
	}
	return wait
}

// pollLink hands the next due frame to the link writer when the writer is
// idle and the rate limiter allows a transmission.
func (e *Engine) pollLink(now time.Time) {
	if e.linkBusy || !e.limiter.Ready(now) || !e.sched.HasPacketToSend(now) {
		return
	}

	tx, ok := e.sched.SendNext(now)
	if !ok {
		return
	}

	e.limiter.Mark(now)
	e.linkBusy = true
	e.outbound <- tx.Frame
	util.Stats.AddSent(len(tx.Frame))

	if tx.Ack {
		util.Stats.AcksSent.Add(1)
		util.LogDebug("[%04x] ack seq %d", tx.CircuitID, tx.SeqNum)
		return
	}

	if tx.Attempt > 1 {
		util.Stats.Retransmits.Add(1)
	}
	util.LogDebug("[%04x] sent seq %d (%d bytes, attempt %d)",
		tx.CircuitID, tx.SeqNum, len(tx.Frame)-protocol.HeaderSize, tx.Attempt)

	c := e.table.LookupByID(tx.CircuitID)
	if c != nil {
		c.touch(now)
	}
	if tx.Exhausted {
		util.Stats.Exhausted.Add(1)
		util.LogWarning("packet for virtual circuit %04x discarded after %d attempts", tx.CircuitID, tx.Attempt)
		e.destroy(c, ErrRetryExhausted)
	}
}

// pollCircuits builds the read and write interest of every open circuit: a
// read is granted while the circuit's transmit window has room, and pending
// link data is handed to the writer whenever it is idle. A circuit whose
// client went away after its last read is closed once that data is
// confirmed.
func (e *Engine) pollCircuits() {
	for _, c := range e.table.byID {
		if c.state != stateOpen {
			continue
		}

		if c.readErr != nil {
			if e.sched.CountOutstanding(c.id) == 0 {
				e.destroy(c, c.readErr)
				continue
			}
		} else if !c.reading && e.canAcceptMoreData(c) {
			c.reading = true
			c.readGrant <- struct{}{}
		}

		if !c.writing && c.hasBytesToSendToClient() {
			chunk := c.pending
			c.pending = nil
			c.writing = true
			c.writeCh <- chunk
		}
	}
}

// canAcceptMoreData is the per-circuit flow control predicate.
func (e *Engine) canAcceptMoreData(c *Circuit) bool {
	return e.sched.CountOutstanding(c.id) < e.opts.WindowSize
}

// expireIdle destroys circuits without traffic for longer than IdleTimeout.
func (e *Engine) expireIdle(now time.Time) {
	if e.opts.IdleTimeout <= 0 {
		return
	}
	for _, c := range e.table.byID {
		if now.Sub(c.lastActivity) > e.opts.IdleTimeout {
			e.destroy(c, ErrIdleTimeout)
		}
	}
}

// acceptClient opens a circuit for a new client-mode connection.
func (e *Engine) acceptClient(conn net.Conn, now time.Time) {
	c := e.table.Create(conn, now)
	util.Stats.AddCircuit()
	util.LogInfo("[%04x] new client connection from %s", c.id, conn.RemoteAddr())
	e.startPumps(c)
}

// handleRead turns client bytes into a packet for the scheduler. A zero-byte
// read ending in an error closes the circuit at once; when the final read
// still carried data, the circuit stays until that packet leaves the queue.
func (e *Engine) handleRead(r readResult, now time.Time) {
	c := r.c
	if c.Closed() {
		return
	}
	c.reading = false

	if len(r.data) > 0 {
		pkt := &protocol.Packet{
			CircuitID: c.id,
			SeqNum:    c.takeSeq(),
			Payload:   r.data,
		}
		e.sched.Enqueue(pkt, now)
		c.touch(now)
		util.LogDebug("[%04x] queued seq %d (%d bytes from client)", c.id, pkt.SeqNum, len(r.data))
	}

	if r.err != nil {
		cause := fmt.Errorf("%w: %v", ErrClientDisconnected, r.err)
		if len(r.data) == 0 {
			e.destroy(c, cause)
			return
		}
		c.readErr = cause
	}
}

// handleWrite keeps whatever part of a chunk the socket did not take in
// front of the bytes that arrived meanwhile.
func (e *Engine) handleWrite(w writeResult, now time.Time) {
	c := w.c
	if c.Closed() {
		return
	}
	c.writing = false

	if w.n < len(w.chunk) {
		c.pending = append(w.chunk[w.n:len(w.chunk):len(w.chunk)], c.pending...)
	}
	if w.n > 0 {
		c.touch(now)
	}

	if w.err != nil {
		e.destroy(c, fmt.Errorf("%w: %v", ErrClientDisconnected, w.err))
	}
}

// destroy tears a circuit down and logs why. Safe to call twice.
func (e *Engine) destroy(c *Circuit, cause error) {
	closed, err := e.table.Destroy(c)
	if !closed {
		return
	}
	util.Stats.RemoveCircuit()
	util.LogInfo("[%04x] closing virtual circuit: %v", c.id, cause)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		util.LogDebug("[%04x] close error: %v", c.id, err)
	}
}

// shutdown stops every goroutine and closes all circuits, the listener and
// the link.
func (e *Engine) shutdown() error {
	close(e.done)

	var result *multierror.Error
	for _, c := range e.table.Circuits() {
		closed, err := e.table.Destroy(c)
		if closed {
			util.Stats.RemoveCircuit()
		}
		if err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("circuit %04x: %w", c.id, err))
		}
	}

	if e.listener != nil {
		if err := e.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("listener: %w", err))
		}
	}

	if err := e.link.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("link: %w", err))
	}

	return result.ErrorOrNil()
}
