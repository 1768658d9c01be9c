package port

type Metrics interface {
	CallOpened()
	CallClosed()
	PeerJoined()
	PeerLeft()
	JoinRejected(reason string)
	MessageRelayed(kind string)
	DeliveryFailed()
	PeersEvicted(n int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) CallOpened()           {}
func (NopMetrics) CallClosed()           {}
func (NopMetrics) PeerJoined()           {}
func (NopMetrics) PeerLeft()             {}
func (NopMetrics) JoinRejected(string)   {}
func (NopMetrics) MessageRelayed(string) {}
func (NopMetrics) DeliveryFailed()       {}
func (NopMetrics) PeersEvicted(int)      {}
