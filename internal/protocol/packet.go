// Package protocol defines the frame format carried over the radio link.
//
// Every link datagram is a 3-byte header followed by an arbitrary payload:
//
//	circuitID:u16 (big-endian) | seqNum:u8 | payload
//
// The codec applies no checksum; the link layer delivers datagrams intact or
// not at all.
package protocol

// HeaderSize is the fixed header size: CircuitID(2) + SeqNum(1).
const HeaderSize = 3

// Packet is one frame exchanged over the link.
type Packet struct {
	CircuitID uint16 // Virtual circuit the payload belongs to
	SeqNum    uint8  // Per-circuit sequence number, wraps modulo 256
	Payload   []byte // TCP stream bytes; empty for acknowledgements
}

// IsAck reports whether the packet carries no stream data. Data packets are
// never empty because a zero-byte TCP read closes the circuit instead.
func (p *Packet) IsAck() bool {
	return len(p.Payload) == 0
}
