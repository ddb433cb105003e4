package tunnel

import (
	"fmt"
)

// The pumps below are the only places that block on I/O. They never touch
// engine state: each performs one operation when the engine asks for it and
// reports the outcome on a channel, which is how the engine learns that a
// socket was readable or writable.

type readResult struct {
	c    *Circuit
	data []byte
	err  error
}

type writeResult struct {
	c     *Circuit
	chunk []byte
	n     int
	err   error
}

// startPumps launches the reader and writer goroutines of an open circuit.
// Both exit when the circuit's done channel closes.
func (e *Engine) startPumps(c *Circuit) {
	go c.readPump(e.reads, e.maxRead)
	go c.writePump(e.writes)
}

// readPump performs one Read per grant so the engine controls how much client
// data is accepted.
func (c *Circuit) readPump(out chan<- readResult, maxRead int) {
	buf := make([]byte, maxRead)
	for {
		select {
		case <-c.readGrant:
		case <-c.done:
			return
		}

		n, err := c.conn.Read(buf)
		res := readResult{c: c, err: err}
		if n > 0 {
			res.data = make([]byte, n)
			copy(res.data, buf[:n])
		}

		select {
		case out <- res:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// writePump writes each chunk handed over by the engine and reports how much
// of it the socket took.
func (c *Circuit) writePump(out chan<- writeResult) {
	for {
		var chunk []byte
		select {
		case chunk = <-c.writeCh:
		case <-c.done:
			return
		}

		n, err := c.conn.Write(chunk)

		select {
		case out <- writeResult{c: c, chunk: chunk, n: n, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// receiveLink feeds inbound datagrams to the engine. A receive error is fatal.
func (e *Engine) receiveLink() {
	for {
		data, err := e.link.Receive()
		if err != nil {
			select {
			case e.fatal <- fmt.Errorf("%w: receive: %v", ErrLinkFatal, err):
			case <-e.done:
			}
			return
		}

		select {
		case e.inbound <- data:
		case <-e.done:
			return
		}
	}
}

// transmitLink is the single writer of the link. The engine hands it one
// frame at a time and waits for the result before handing the next, so a
// slow modem never blocks the event loop.
func (e *Engine) transmitLink() {
	for {
		var frame []byte
		select {
		case frame = <-e.outbound:
		case <-e.done:
			return
		}

		err := e.link.Send(frame)

		select {
		case e.sent <- err:
		case <-e.done:
			return
		}
	}
}
