package link

import (
	"fmt"
	"net"
)

// UDP is the radio data port of a DMR handset: frames are sent to one fixed
// peer address, and datagrams from any source are received.
type UDP struct {
	conn *net.UDPConn
	peer *net.UDPAddr
	mtu  int
}

// ListenUDP binds local and sends every frame to peer.
func ListenUDP(local, peer string, mtu int) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, fmt.Errorf("resolve local address %q: %w", local, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return nil, fmt.Errorf("resolve peer address %q: %w", peer, err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("bind radio socket: %w", err)
	}

	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &UDP{conn: conn, peer: raddr, mtu: mtu}, nil
}

func (u *UDP) Send(frame []byte) error {
	if err := checkSize(frame, u.mtu); err != nil {
		return err
	}
	_, err := u.conn.WriteToUDP(frame, u.peer)
	return err
}

// Receive returns the next datagram. Datagrams longer than the MTU are
// truncated to it, as a radio would.
func (u *UDP) Receive() ([]byte, error) {
	buf := make([]byte, u.mtu)
	n, _, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (u *UDP) MTU() int { return u.mtu }

func (u *UDP) Close() error { return u.conn.Close() }

// LocalAddr returns the bound radio socket address.
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

func (u *UDP) String() string {
	return fmt.Sprintf("udp://%s -> %s", u.conn.LocalAddr(), u.peer)
}
