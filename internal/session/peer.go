package session

import "github.com/e-jigsaw/l1nk/internal/protocol"

// Peer is one connected client channel of a document.
type Peer interface {
	ID() string
	// Send enqueues frame without blocking. It reports false when the peer can
	// no longer accept frames; the session then drops the peer.
	Send(frame protocol.Frame) bool
	Close()
}
