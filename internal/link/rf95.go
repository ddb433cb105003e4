package link

import (
	"fmt"

	"github.com/dtn7/rf95modem-go/rf95"

	"github.com/1ureka/dmrtunnel/internal/util"
)

// RF95 sends frames as LoRa packets through an rf95modem attached to a
// serial port.
type RF95 struct {
	device string
	modem  *rf95.Modem
	mtu    int
}

// OpenRF95 opens the modem on device, e.g. /dev/ttyUSB0, and tunes it to
// frequency (MHz) when frequency is positive.
func OpenRF95(device string, frequency float64) (*RF95, error) {
	m, err := rf95.OpenSerial(device)
	if err != nil {
		return nil, fmt.Errorf("open rf95modem %s: %w", device, err)
	}

	if frequency > 0 {
		util.LogDebug("shifting rf95modem frequency to %.3f MHz", frequency)
		if err := m.Frequency(frequency); err != nil {
			m.Close()
			return nil, fmt.Errorf("set frequency: %w", err)
		}
	}

	mtu, err := m.Mtu()
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("query MTU: %w", err)
	}

	return &RF95{device: device, modem: m, mtu: mtu}, nil
}

func (r *RF95) Send(frame []byte) error {
	if err := checkSize(frame, r.mtu); err != nil {
		return err
	}
	_, err := r.modem.Write(frame)
	return err
}

func (r *RF95) Receive() ([]byte, error) {
	buf := make([]byte, r.mtu)
	n, err := r.modem.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (r *RF95) MTU() int { return r.mtu }

func (r *RF95) Close() error { return r.modem.Close() }

func (r *RF95) String() string {
	status, err := r.modem.FetchStatus()
	if err != nil {
		return fmt.Sprintf("rf95modem%s", r.device)
	}
	return fmt.Sprintf("rf95modem%s?frequency=%f&mode=%d", r.device, status.Frequency, status.Mode)
}
