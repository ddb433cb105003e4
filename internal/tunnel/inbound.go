package tunnel

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/1ureka/dmrtunnel/internal/protocol"
	"github.com/1ureka/dmrtunnel/internal/util"
)

type dialResult struct {
	c    *Circuit
	conn net.Conn
	err  error
}

// processInbound routes one link datagram to its circuit, creating the
// circuit in server mode when the id is unknown.
func (e *Engine) processInbound(data []byte, now time.Time) {
	util.Stats.AddRecv(len(data))

	pkt, err := protocol.Decode(data)
	if err != nil {
		util.Stats.InvalidFrames.Add(1)
		util.LogDebug("dropping link datagram: %v", err)
		return
	}

	c := e.table.LookupByID(pkt.CircuitID)

	if e.opts.Acknowledge && pkt.IsAck() {
		if c != nil && e.sched.Confirm(pkt.CircuitID, pkt.SeqNum) {
			util.Stats.AcksRecv.Add(1)
			c.touch(now)
			util.LogDebug("[%04x] seq %d confirmed", pkt.CircuitID, pkt.SeqNum)
		}
		return
	}

	if c == nil {
		if !e.opts.ServerMode {
			util.Stats.UnknownDrops.Add(1)
			util.LogDebug("[%04x] dropping %d bytes: %v", pkt.CircuitID, len(pkt.Payload), ErrUnknownCircuit)
			return
		}
		c = e.openServerCircuit(pkt.CircuitID, now)
	}
	c.touch(now)

	if e.opts.Acknowledge {
		e.sched.EnqueueAck(pkt.CircuitID, pkt.SeqNum)
		if !c.acceptRemote(pkt.SeqNum) {
			util.Stats.Duplicates.Add(1)
			util.LogDebug("[%04x] duplicate seq %d", pkt.CircuitID, pkt.SeqNum)
			return
		}
	}

	util.LogDebug("[%04x] received seq %d (%d bytes for client)", pkt.CircuitID, pkt.SeqNum, len(pkt.Payload))
	c.queueClientBytes(pkt.Payload)
}

// openServerCircuit registers a circuit under the far station's id and dials
// the destination in the background. Payload arriving before the dial
// completes is buffered in the circuit.
func (e *Engine) openServerCircuit(id uint16, now time.Time) *Circuit {
	c := e.table.CreateWithID(nil, id, now)
	util.Stats.AddCircuit()
	util.LogInfo("[%04x] forwarding new virtual circuit to %s", id, e.opts.Destination)

	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, e.opts.DialTimeout)
		defer cancel()

		conn, err := e.opts.Dial(dialCtx, "tcp", e.opts.Destination)

		select {
		case e.dials <- dialResult{c: c, conn: conn, err: err}:
		case <-e.done:
			if conn != nil {
				conn.Close()
			}
		}
	}()

	return c
}

// handleDial binds a connecting circuit to its destination connection.
func (e *Engine) handleDial(d dialResult, now time.Time) {
	c := d.c
	if c.Closed() {
		if d.conn != nil {
			d.conn.Close()
		}
		return
	}

	if d.err != nil {
		e.destroy(c, fmt.Errorf("%w: %v", ErrDialFailed, d.err))
		return
	}

	e.table.Attach(c, d.conn)
	c.touch(now)
	util.LogDebug("[%04x] connected to %s", c.id, d.conn.RemoteAddr())
	e.startPumps(c)
}
