package link

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/dmrtunnel/internal/util"
)

// DefaultICEServers are used when no ICE servers are configured.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
	inboxSize     = 256
)

// WebRTC is a lossy peer-to-peer link over an SCTP DataChannel that never
// retransmits and does not order messages, which is as close to a radio
// channel as the public internet gets. Build one with OfferWebRTC or
// AnswerWebRTC.
type WebRTC struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	mtu   int
	inbox chan []byte

	ready     chan struct{}
	drain     chan struct{}
	done      chan struct{}
	readyOnce sync.Once
	doneOnce  sync.Once
}

// newWebRTC creates the PeerConnection and its pre-negotiated DataChannel.
// Using negotiated mode (ID 0) lets both stations create the channel
// independently without relying on OnDataChannel.
func newWebRTC(iceServers []string, mtu int) (*WebRTC, error) {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
	if err != nil {
		return nil, err
	}

	ordered := false
	negotiated := true
	id := uint16(0)
	retransmits := uint16(0)

	dc, err := pc.CreateDataChannel("radio", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		Negotiated:     &negotiated,
		ID:             &id,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		pc.Close()
		return nil, err
	}

	w := &WebRTC{
		pc:    pc,
		dc:    dc,
		mtu:   mtu,
		inbox: make(chan []byte, inboxSize),
		ready: make(chan struct{}),
		drain: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	dc.OnOpen(func() {
		w.readyOnce.Do(func() { close(w.ready) })
	})
	dc.OnClose(func() {
		util.LogInfo("DataChannel closed")
		w.doneOnce.Do(func() { close(w.done) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// A full inbox drops the frame, like a busy radio.
		select {
		case w.inbox <- msg.Data:
		default:
			util.LogDebug("DataChannel inbox full, dropping %d bytes", len(msg.Data))
		}
	})

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case w.drain <- struct{}{}:
		default:
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			w.doneOnce.Do(func() { close(w.done) })
		}
	})

	return w, nil
}

// Ready is closed once the DataChannel is open.
func (w *WebRTC) Ready() <-chan struct{} {
	return w.ready
}

// Send blocks while the SCTP buffer is above the high water mark.
func (w *WebRTC) Send(frame []byte) error {
	if err := checkSize(frame, w.mtu); err != nil {
		return err
	}
	if w.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-w.drain:
		case <-w.done:
			return errClosed
		}
	}
	return w.dc.Send(frame)
}

func (w *WebRTC) Receive() ([]byte, error) {
	select {
	case frame := <-w.inbox:
		return frame, nil
	case <-w.done:
		return nil, errClosed
	}
}

func (w *WebRTC) MTU() int { return w.mtu }

func (w *WebRTC) Close() error {
	w.doneOnce.Do(func() { close(w.done) })

	var result *multierror.Error
	if err := w.dc.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := w.pc.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (w *WebRTC) String() string {
	return "webrtc://" + w.dc.Label()
}
