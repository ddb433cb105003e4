package tunnel

import (
	"time"

	"github.com/1ureka/dmrtunnel/internal/protocol"
)

// unconfirmed is a data packet waiting in the Scheduler with its retry
// bookkeeping.
type unconfirmed struct {
	pkt     *protocol.Packet
	frame   []byte
	due     time.Time
	retries int
}

// Transmission describes one frame handed to the link by SendNext.
type Transmission struct {
	Frame     []byte
	CircuitID uint16
	SeqNum    uint8
	Ack       bool // control frame, never retried
	Attempt   int  // 1 for the first transmission of a data packet
	Exhausted bool // the packet left the queue for good; its circuit must be destroyed
}

// Scheduler is the transmit queue shared by all circuits. Data packets stay
// queued until confirmed, purged, or sent more than maxRetries+1 times;
// every transmission rotates the packet to the tail with a fresh due time.
//
// Scheduler is not safe for concurrent use; the engine goroutine owns it.
type Scheduler struct {
	timeout    time.Duration
	maxRetries int

	queue       []*unconfirmed
	acks        [][]byte
	outstanding map[uint16]int
}

// NewScheduler creates an empty queue with the given retransmission timeout
// and retry budget.
func NewScheduler(timeout time.Duration, maxRetries int) *Scheduler {
	return &Scheduler{
		timeout:     timeout,
		maxRetries:  maxRetries,
		outstanding: make(map[uint16]int),
	}
}

// Enqueue appends pkt to the tail, due immediately.
func (s *Scheduler) Enqueue(pkt *protocol.Packet, now time.Time) {
	s.queue = append(s.queue, &unconfirmed{
		pkt:   pkt,
		frame: protocol.Encode(pkt),
		due:   now,
	})
	s.outstanding[pkt.CircuitID]++
}

// EnqueueAck queues a one-shot acknowledgement for a received data packet.
// Acknowledgements go out before any data.
func (s *Scheduler) EnqueueAck(circuitID uint16, seqNum uint8) {
	s.acks = append(s.acks, protocol.EncodeFrame(circuitID, seqNum, nil))
}

// HasPacketToSend reports whether a frame is due at now.
func (s *Scheduler) HasPacketToSend(now time.Time) bool {
	return len(s.acks) > 0 || s.firstDue(now) >= 0
}

// firstDue returns the queue index of the first packet whose due time has
// elapsed, or -1. A packet that was never sent is due from its enqueue time,
// so the packets of one circuit go out for the first time in queue order.
func (s *Scheduler) firstDue(now time.Time) int {
	for i, u := range s.queue {
		if !now.Before(u.due) {
			return i
		}
	}
	return -1
}

// SendNext pops the next due frame. A data packet is re-queued at the tail
// due now+timeout while its retry budget lasts; after the final attempt it is
// dropped and the result is marked Exhausted.
func (s *Scheduler) SendNext(now time.Time) (Transmission, bool) {
	if len(s.acks) > 0 {
		frame := s.acks[0]
		s.acks[0] = nil
		s.acks = s.acks[1:]
		pkt, _ := protocol.Decode(frame)
		return Transmission{Frame: frame, CircuitID: pkt.CircuitID, SeqNum: pkt.SeqNum, Ack: true}, true
	}

	i := s.firstDue(now)
	if i < 0 {
		return Transmission{}, false
	}

	u := s.queue[i]
	s.remove(i)
	u.retries++

	tx := Transmission{
		Frame:     u.frame,
		CircuitID: u.pkt.CircuitID,
		SeqNum:    u.pkt.SeqNum,
		Attempt:   u.retries,
	}

	if u.retries <= s.maxRetries {
		u.due = now.Add(s.timeout)
		s.queue = append(s.queue, u)
	} else {
		s.decrement(u.pkt.CircuitID, 1)
		tx.Exhausted = true
	}
	return tx, true
}

// Confirm removes the unconfirmed packet (circuitID, seqNum). It reports
// whether such a packet was queued.
func (s *Scheduler) Confirm(circuitID uint16, seqNum uint8) bool {
	for i, u := range s.queue {
		if u.pkt.CircuitID == circuitID && u.pkt.SeqNum == seqNum {
			s.remove(i)
			s.decrement(circuitID, 1)
			return true
		}
	}
	return false
}

// CountOutstanding returns the number of unconfirmed packets of a circuit.
func (s *Scheduler) CountOutstanding(circuitID uint16) int {
	return s.outstanding[circuitID]
}

// Purge drops every unconfirmed packet of a circuit and returns how many
// were removed. Queued acknowledgements are kept; the far station still
// needs them.
func (s *Scheduler) Purge(circuitID uint16) int {
	kept := s.queue[:0]
	n := 0
	for _, u := range s.queue {
		if u.pkt.CircuitID == circuitID {
			n++
			continue
		}
		kept = append(kept, u)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
	delete(s.outstanding, circuitID)
	return n
}

// Len returns the number of unconfirmed data packets.
func (s *Scheduler) Len() int {
	return len(s.queue)
}

// NextDue returns the earliest due time of any queued frame.
func (s *Scheduler) NextDue() (time.Time, bool) {
	if len(s.acks) > 0 {
		return time.Time{}, true
	}
	var next time.Time
	for _, u := range s.queue {
		if next.IsZero() || u.due.Before(next) {
			next = u.due
		}
	}
	return next, len(s.queue) > 0
}

func (s *Scheduler) remove(i int) {
	copy(s.queue[i:], s.queue[i+1:])
	s.queue[len(s.queue)-1] = nil
	s.queue = s.queue[:len(s.queue)-1]
}

func (s *Scheduler) decrement(circuitID uint16, n int) {
	s.outstanding[circuitID] -= n
	if s.outstanding[circuitID] <= 0 {
		delete(s.outstanding, circuitID)
	}
}
