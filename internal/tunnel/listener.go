package tunnel

import "fmt"

// acceptClients hands every connection accepted on the client-mode listener
// to the engine. It returns when the listener is closed; an accept error
// while the engine is running is fatal.
func (e *Engine) acceptClients() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.done:
				// Already shutting down, the listener was closed on purpose.
			case e.fatal <- fmt.Errorf("%w: accept: %v", ErrListenerFatal, err):
			}
			return
		}

		select {
		case e.accepted <- conn:
		case <-e.done:
			conn.Close()
			return
		}
	}
}
