package tunnel

import "errors"

// Circuit-level causes. They are logged when a circuit is destroyed and never
// propagate past the engine.
var (
	ErrUnknownCircuit     = errors.New("unknown circuit")
	ErrClientDisconnected = errors.New("client disconnected")
	ErrRetryExhausted     = errors.New("retry budget exhausted")
	ErrIdleTimeout        = errors.New("circuit idle")
	ErrDialFailed         = errors.New("destination dial failed")
)

// Process-level failures returned by Engine.Run.
var (
	ErrLinkFatal     = errors.New("link socket failed")
	ErrListenerFatal = errors.New("client listener failed")
)
