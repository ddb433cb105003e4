package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidFrame is returned by Decode for datagrams too short to hold a header.
var ErrInvalidFrame = errors.New("invalid frame")

// Encode serializes a Packet into a byte slice for link transmission.
func Encode(pkt *Packet) []byte {
	return EncodeFrame(pkt.CircuitID, pkt.SeqNum, pkt.Payload)
}

// EncodeFrame builds header || payload without allocating a Packet.
func EncodeFrame(circuitID uint16, seqNum uint8, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], circuitID)
	buf[2] = seqNum
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode deserializes a link datagram into a Packet. The payload is copied,
// so the caller may reuse data.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrInvalidFrame, len(data), HeaderSize)
	}
	pkt := &Packet{
		CircuitID: binary.BigEndian.Uint16(data[0:2]),
		SeqNum:    data[2],
	}
	if len(data) > HeaderSize {
		pkt.Payload = make([]byte, len(data)-HeaderSize)
		copy(pkt.Payload, data[HeaderSize:])
	}
	return pkt, nil
}
