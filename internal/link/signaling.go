package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/dmrtunnel/internal/util"
)

// SignalPath is the HTTP path of the WebRTC signaling endpoint.
const SignalPath = "/signal"

type signalType string

const (
	signalOffer     signalType = "offer"
	signalAnswer    signalType = "answer"
	signalCandidate signalType = "candidate"
)

// signal is the JSON message exchanged over the signaling WebSocket.
type signal struct {
	Type      signalType `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

// OfferWebRTC waits for the far station on the signaling listener ln, sends
// it an offer and returns once the DataChannel is open. The signaling
// server is shut down before returning. A non-empty pin must be presented
// as the pin query parameter.
func OfferWebRTC(ctx context.Context, ln net.Listener, pin string, iceServers []string, mtu int) (*WebRTC, error) {
	connCh := make(chan *websocket.Conn, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(SignalPath, func(w http.ResponseWriter, r *http.Request) {
		if !checkPIN(w, r, pin) {
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Only accept the first station.
		select {
		case connCh <- conn:
		default:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
			conn.Close()
		}
	})

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogDebug("signaling server stopped: %v", err)
		}
	}()
	defer srv.Close()

	util.LogInfo("waiting for WebRTC peer on ws://%s%s", ln.Addr(), SignalPath)

	var conn *websocket.Conn
	select {
	case conn = <-connCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer conn.Close()
	util.LogInfo("signaling peer connected from %s", conn.RemoteAddr())

	return exchange(ctx, conn, iceServers, mtu, true)
}

// AnswerWebRTC connects to the offering station's signaling URL, e.g.
// ws://host:3008/signal?pin=1234, and returns once the DataChannel is open.
func AnswerWebRTC(ctx context.Context, url string, iceServers []string, mtu int) (*WebRTC, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	defer conn.Close()
	util.LogDebug("signaling connected: %s", url)

	return exchange(ctx, conn, iceServers, mtu, false)
}

// exchange trickles SDP and ICE candidates over conn until the DataChannel
// opens. The offering side speaks first.
func exchange(ctx context.Context, conn *websocket.Conn, iceServers []string, mtu int, offer bool) (*WebRTC, error) {
	w, err := newWebRTC(iceServers, mtu)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	var wsMu sync.Mutex
	send := func(msg signal) error {
		wsMu.Lock()
		defer wsMu.Unlock()
		return conn.WriteJSON(msg)
	}

	w.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		// Best effort: the socket goes away as soon as the channel opens.
		send(signal{Type: signalCandidate, Candidate: string(data)})
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- watchSignals(conn, w, send)
	}()

	if offer {
		sdp, err := w.pc.CreateOffer(nil)
		if err == nil {
			err = w.pc.SetLocalDescription(sdp)
		}
		if err == nil {
			err = send(signal{Type: signalOffer, SDP: sdp.SDP})
		}
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to send offer: %w", err)
		}
	}

	select {
	case <-w.Ready():
		util.LogSuccess("WebRTC DataChannel established")
		return w, nil

	case err := <-errCh:
		select {
		case <-w.Ready():
			return w, nil
		default:
		}
		w.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		w.Close()
		return nil, ctx.Err()
	}
}

// watchSignals applies every message from the far station until the
// WebSocket closes.
func watchSignals(conn *websocket.Conn, w *WebRTC, send func(signal) error) error {
	candidates := &remoteCandidates{add: w.pc.AddICECandidate}

	for {
		var msg signal
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read signal: %w", err)
		}

		switch msg.Type {
		case signalOffer:
			if err := w.pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
			}); err != nil {
				return err
			}
			candidates.described()
			answer, err := w.pc.CreateAnswer(nil)
			if err != nil {
				return err
			}
			if err := w.pc.SetLocalDescription(answer); err != nil {
				return err
			}
			if err := send(signal{Type: signalAnswer, SDP: answer.SDP}); err != nil {
				return err
			}

		case signalAnswer:
			if err := w.pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
			}); err != nil {
				return err
			}
			candidates.described()

		case signalCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				util.LogWarning("ignoring malformed ICE candidate: %v", err)
				continue
			}
			candidates.push(init)
		}
	}
}

// remoteCandidates holds trickled candidates that arrive before the remote
// description, which the PeerConnection would reject.
type remoteCandidates struct {
	add     func(webrtc.ICECandidateInit) error
	ready   bool
	pending []webrtc.ICECandidateInit
}

func (q *remoteCandidates) push(c webrtc.ICECandidateInit) {
	if !q.ready {
		q.pending = append(q.pending, c)
		return
	}
	q.apply(c)
}

// described flushes the held candidates once the remote description is set.
func (q *remoteCandidates) described() {
	q.ready = true
	for _, c := range q.pending {
		q.apply(c)
	}
	q.pending = nil
}

func (q *remoteCandidates) apply(c webrtc.ICECandidateInit) {
	if err := q.add(c); err != nil {
		util.LogWarning("failed to add ICE candidate: %v", err)
	}
}
