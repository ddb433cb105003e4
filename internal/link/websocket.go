package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"

	"github.com/1ureka/dmrtunnel/internal/util"
)

// WebSocketPath is the HTTP path a listening WebSocket link serves.
const WebSocketPath = "/link"

// maxMessage bounds what is read off the socket. Frames above the link MTU
// but within this bound are dropped; a larger message ends the link.
const maxMessage = 64 * 1024

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocket carries one frame per binary message. It is lossless, so it
// mostly serves to run two stations across an ordinary network.
type WebSocket struct {
	conn *websocket.Conn
	mtu  int
	name string
	srv  *http.Server // set in listen mode
}

// DialWebSocket connects to a listening station, e.g. ws://host:3007/link.
func DialWebSocket(ctx context.Context, url string, mtu int) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return newWebSocket(conn, mtu, url), nil
}

// ListenWebSocket serves WebSocketPath on ln and blocks until the first peer
// connects. Later peers are turned away until the link is closed. A
// non-empty pin must be presented as the pin query parameter.
func ListenWebSocket(ctx context.Context, ln net.Listener, pin string, mtu int) (*WebSocket, error) {
	connCh := make(chan *websocket.Conn, 1)
	var mu sync.Mutex
	taken := false

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		if !checkPIN(w, r, pin) {
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		mu.Lock()
		first := !taken
		taken = true
		mu.Unlock()

		if !first {
			util.LogWarning("rejecting second link peer %s", r.RemoteAddr)
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
			conn.Close()
			return
		}
		connCh <- conn
	})

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogDebug("link server stopped: %v", err)
		}
	}()

	util.LogInfo("waiting for link peer on ws://%s%s", ln.Addr(), WebSocketPath)

	select {
	case conn := <-connCh:
		ws := newWebSocket(conn, mtu, conn.RemoteAddr().String())
		ws.srv = srv
		return ws, nil
	case <-ctx.Done():
		srv.Close()
		return nil, ctx.Err()
	}
}

// checkPIN rejects requests without the expected pin query parameter.
func checkPIN(w http.ResponseWriter, r *http.Request, pin string) bool {
	if pin == "" || r.URL.Query().Get("pin") == pin {
		return true
	}
	util.LogWarning("rejecting %s: invalid PIN", r.RemoteAddr)
	http.Error(w, "Invalid PIN", http.StatusUnauthorized)
	return false
}

func newWebSocket(conn *websocket.Conn, mtu int, name string) *WebSocket {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	conn.SetReadLimit(int64(max(mtu, maxMessage)))
	return &WebSocket{conn: conn, mtu: mtu, name: name}
}

func (w *WebSocket) Send(frame []byte) error {
	if err := checkSize(frame, w.mtu); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Receive returns the next binary message. Text messages and frames larger
// than the MTU are skipped.
func (w *WebSocket) Receive() ([]byte, error) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if len(data) > w.mtu {
			util.LogDebug("dropping %d byte frame from %s: %v", len(data), w.name, ErrFrameTooLarge)
			continue
		}
		return data, nil
	}
}

func (w *WebSocket) MTU() int { return w.mtu }

func (w *WebSocket) Close() error {
	var result *multierror.Error
	if err := w.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, err)
	}
	if w.srv != nil {
		if err := w.srv.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (w *WebSocket) String() string {
	return "websocket://" + w.name
}
