// Package link provides the datagram transports ("radios") a tunnel engine
// runs over. Every backend carries whole frames: one Send on this side is at
// most one Receive on the far side, and frames may be lost.
package link

import (
	"errors"
	"net"

	"github.com/1ureka/dmrtunnel/internal/tunnel"
)

// Compile-time interface checks.
var (
	_ tunnel.Link = (*UDP)(nil)
	_ tunnel.Link = (*WebSocket)(nil)
	_ tunnel.Link = (*WebRTC)(nil)
	_ tunnel.Link = (*RF95)(nil)
	_ tunnel.Link = (*KISS)(nil)
)

// DefaultMTU is the datagram size of the DMR radio data port.
const DefaultMTU = 1024

// ErrFrameTooLarge is returned by Send for frames above the link MTU.
var ErrFrameTooLarge = errors.New("frame exceeds link MTU")

// errClosed is returned by links without a socket error of their own once
// they are closed.
var errClosed = net.ErrClosed

func checkSize(frame []byte, mtu int) error {
	if mtu > 0 && len(frame) > mtu {
		return ErrFrameTooLarge
	}
	return nil
}
