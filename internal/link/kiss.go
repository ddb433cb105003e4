package link

import (
	"fmt"
	"io"
	"sync/atomic"

	"go.bug.st/serial"
)

// KISS framing bytes.
const (
	kissFEND  = 0xC0
	kissFESC  = 0xDB
	kissTFEND = 0xDC
	kissTFESC = 0xDD

	kissCmdData = 0x00 // data frame on TNC port 0
)

// kissEncode wraps frame as FEND CMD data FEND with special bytes escaped.
func kissEncode(frame []byte) []byte {
	out := make([]byte, 0, len(frame)+len(frame)/8+3)
	out = append(out, kissFEND, kissCmdData)
	for _, b := range frame {
		switch b {
		case kissFEND:
			out = append(out, kissFESC, kissTFEND)
		case kissFESC:
			out = append(out, kissFESC, kissTFESC)
		default:
			out = append(out, b)
		}
	}
	return append(out, kissFEND)
}

// kissDecoder reassembles KISS frames from an arbitrarily split byte stream.
type kissDecoder struct {
	cur      []byte
	escaped  bool
	overflow bool
	limit    int // longest command byte + payload kept, 0 for no limit
}

// feed consumes data and returns the payloads of every data frame it
// completed. Frames for other commands or ports are ignored.
func (d *kissDecoder) feed(data []byte) [][]byte {
	var frames [][]byte
	for _, b := range data {
		if b == kissFEND {
			if !d.overflow && len(d.cur) > 1 && d.cur[0] == kissCmdData {
				frames = append(frames, append([]byte(nil), d.cur[1:]...))
			}
			d.cur = d.cur[:0]
			d.escaped = false
			d.overflow = false
			continue
		}

		if d.escaped {
			switch b {
			case kissTFEND:
				b = kissFEND
			case kissTFESC:
				b = kissFESC
			}
			d.escaped = false
		} else if b == kissFESC {
			d.escaped = true
			continue
		}

		// Overlong garbage is dropped at the next FEND.
		if d.limit > 0 && len(d.cur) >= d.limit {
			d.overflow = true
			continue
		}
		d.cur = append(d.cur, b)
	}
	return frames
}

// KISS drives a KISS TNC, typically a packet radio modem on a serial port.
type KISS struct {
	port   io.ReadWriteCloser
	name   string
	mtu    int
	dec    kissDecoder
	queue  [][]byte
	buf    []byte
	closed atomic.Bool
}

// OpenKISS opens the TNC on a serial device at 8N1.
func OpenKISS(device string, baud, mtu int) (*KISS, error) {
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", device, err)
	}
	return NewKISS(port, fmt.Sprintf("%s@%d", device, baud), mtu), nil
}

// NewKISS runs the KISS protocol over an already open byte stream, such as
// a TCP connection to a software TNC.
func NewKISS(rw io.ReadWriteCloser, name string, mtu int) *KISS {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &KISS{
		port: rw,
		name: name,
		mtu:  mtu,
		dec:  kissDecoder{limit: mtu + 1},
		buf:  make([]byte, 4096),
	}
}

func (k *KISS) Send(frame []byte) error {
	if err := checkSize(frame, k.mtu); err != nil {
		return err
	}
	_, err := k.port.Write(kissEncode(frame))
	return err
}

func (k *KISS) Receive() ([]byte, error) {
	for len(k.queue) == 0 {
		n, err := k.port.Read(k.buf)
		if k.closed.Load() {
			return nil, errClosed
		}
		if n > 0 {
			k.queue = append(k.queue, k.dec.feed(k.buf[:n])...)
		}
		if err != nil && len(k.queue) == 0 {
			return nil, err
		}
	}

	frame := k.queue[0]
	k.queue[0] = nil
	k.queue = k.queue[1:]
	return frame, nil
}

func (k *KISS) MTU() int { return k.mtu }

func (k *KISS) Close() error {
	k.closed.Store(true)
	return k.port.Close()
}

func (k *KISS) String() string {
	return "kiss://" + k.name
}
