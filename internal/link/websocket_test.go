package link

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/dmrtunnel/internal/tunnel"
)

// webSocketPair connects a listening and a dialing WebSocket link.
func webSocketPair(t *testing.T) (server, client *WebSocket) {
	t.Helper()
	return webSocketPairPIN(t, "", "")
}

func webSocketPairPIN(t *testing.T, pin, presented string) (server, client *WebSocket) {
	t.Helper()
	return webSocketPairMTU(t, pin, presented, 0, 0)
}

func webSocketPairMTU(t *testing.T, pin, presented string, serverMTU, clientMTU int) (server, client *WebSocket) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		ws  *WebSocket
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ws, err := ListenWebSocket(ctx, ln, pin, serverMTU)
		ch <- result{ws, err}
	}()

	url := "ws://" + ln.Addr().String() + WebSocketPath
	if presented != "" {
		url += "?pin=" + presented
	}
	client, err = DialWebSocket(ctx, url, clientMTU)
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}

	r := <-ch
	if r.err != nil {
		t.Fatalf("ListenWebSocket: %v", r.err)
	}
	t.Cleanup(func() {
		client.Close()
		r.ws.Close()
	})
	return r.ws, client
}

func TestWebSocketPair(t *testing.T) {
	server, client := webSocketPair(t)

	if err := client.Send([]byte("ping")); err != nil {
		t.Fatalf("client Send: %v", err)
	}
	got, err := server.Receive()
	if err != nil || string(got) != "ping" {
		t.Fatalf("server Receive = %q, %v", got, err)
	}

	if err := server.Send([]byte("pong")); err != nil {
		t.Fatalf("server Send: %v", err)
	}
	got, err = client.Receive()
	if err != nil || string(got) != "pong" {
		t.Fatalf("client Receive = %q, %v", got, err)
	}
}

func TestWebSocketDropsFramesAboveMTU(t *testing.T) {
	server, client := webSocketPairMTU(t, "", "", 512, 4096)

	if err := client.Send(make([]byte, 2000)); err != nil {
		t.Fatalf("Send large: %v", err)
	}
	if err := client.Send([]byte("fits")); err != nil {
		t.Fatalf("Send small: %v", err)
	}

	got, err := server.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != "fits" {
		t.Fatalf("Receive = %d bytes, want the frame within the MTU", len(got))
	}
}

func TestWebSocketPIN(t *testing.T) {
	server, client := webSocketPairPIN(t, "4821", "4821")
	if err := client.Send([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got, err := server.Receive(); err != nil || len(got) != 3 {
		t.Fatalf("Receive = %v, %v", got, err)
	}
}

func TestWebSocketWrongPIN(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ListenWebSocket(ctx, ln, "4821", 0)
		done <- err
	}()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	_, resp, err := websocket.DefaultDialer.DialContext(dialCtx, "ws://"+ln.Addr().String()+WebSocketPath+"?pin=0000", nil)
	if err == nil {
		t.Fatal("dial with a wrong PIN succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v, want 401", resp)
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("ListenWebSocket = %v, want context.Canceled", err)
	}
}

func TestWebSocketRejectsSecondPeer(t *testing.T) {
	server, _ := webSocketPair(t)

	url := "ws://" + server.conn.LocalAddr().String() + WebSocketPath

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	extra, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer extra.Close()

	extra.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = extra.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("second peer got %v, want a policy violation close", err)
	}
}

// TestTunnelOverWebSocket runs two engines over a WebSocket link:
//
//	[TCP client] <-> [client engine] <-> [WebSocket] <-> [server engine] <-> [echo server]
func TestTunnelOverWebSocket(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer echo.Close()
	go func() {
		for {
			conn, err := echo.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	serverLink, clientLink := webSocketPair(t)

	opts := tunnel.DefaultOptions()
	opts.RateInterval = 2 * time.Millisecond

	serverOpts := opts
	serverOpts.ServerMode = true
	serverOpts.Destination = echo.Addr().String()

	clientListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() {
		tunnel.NewEngine(serverLink, nil, serverOpts).Run(ctx)
		done <- struct{}{}
	}()
	go func() {
		tunnel.NewEngine(clientLink, clientListener, opts).Run(ctx)
		done <- struct{}{}
	}()
	defer func() {
		cancel()
		<-done
		<-done
	}()

	conn, err := net.Dial("tcp", clientListener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := []byte("hello over the air")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("echo = %q", got)
	}
}
