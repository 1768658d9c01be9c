package port

import "github.com/Wyydra/callsignal/internal/core/domain"

// CallWatcher is told when a call gains its first peer and when it loses
// its last one.
type CallWatcher interface {
	Watch(callID domain.CallID)
	Unwatch(callID domain.CallID)
}
