package domain

type MessageType string

const (
	TypePing             MessageType = "ping"
	TypePong             MessageType = "pong"
	TypePeerList         MessageType = "peer-list"
	TypeNewPeer          MessageType = "new-peer"
	TypePeerDisconnected MessageType = "peer-disconnected"
	TypeError            MessageType = "error"
)

// WebSocket close codes surfaced to clients (RFC 6455 section 7.4.1).
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	ClosePolicyViolation = 1008
)

// PingMessage is the server-originated liveness probe.
func PingMessage() Message {
	return Message{"type": string(TypePing), "from": SystemSender}
}

func PongMessage() Message {
	return Message{"type": string(TypePong)}
}

// PeerListMessage is the roster sent to a newcomer, itself excluded.
func PeerListMessage(peers []UserID) Message {
	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.String())
	}
	return Message{
		"type":  string(TypePeerList),
		"peers": ids,
		"from":  SystemSender,
	}
}

func NewPeerMessage(peer UserID) Message {
	return Message{
		"type":   string(TypeNewPeer),
		"peerId": peer.String(),
		"from":   SystemSender,
	}
}

func PeerDisconnectedMessage(peer UserID) Message {
	return Message{
		"type":   string(TypePeerDisconnected),
		"peerId": peer.String(),
		"from":   SystemSender,
	}
}

func ErrorMessage(reason string) Message {
	return Message{
		"type":  string(TypeError),
		"error": reason,
		"from":  SystemSender,
	}
}
