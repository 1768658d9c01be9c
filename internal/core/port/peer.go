package port

import "github.com/Wyydra/callsignal/internal/core/domain"

// PeerConnection is one bidirectional, message-oriented channel to a peer.
//
// Send may be called from any goroutine; implementations serialize writes.
// Receive is only called by the owning session's reader.
type PeerConnection interface {
	// Accept completes the transport handshake. It is called at most once,
	// before the connection becomes visible to other peers.
	Accept() error
	Send(msg domain.Message) error
	Receive() ([]byte, error)
	// CloseWithReason tells the remote side why it is being dropped, then
	// closes. It works on connections that were never accepted.
	CloseWithReason(code int, reason string) error
	Close() error
}
