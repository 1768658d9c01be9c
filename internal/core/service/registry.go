package service

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Wyydra/callsignal/internal/core/domain"
	"github.com/Wyydra/callsignal/internal/core/port"
	"github.com/rs/zerolog/log"
)

var (
	ErrDuplicatePeer   = errors.New("user already connected to call")
	ErrHandshakeFailed = errors.New("handshake failed")
)

type peerEntry struct {
	conn port.PeerConnection
	// false while the handshake for a reserved slot is in flight
	ready bool
}

type call struct {
	mu     sync.Mutex
	peers  map[domain.UserID]*peerEntry
	opened bool
	// set once the peer set empties; a dead record is never reused
	dead bool
}

// CallRegistry is the single source of truth for call membership and the
// only path through which messages reach a peer. Locks cover map updates
// only, never network I/O.
type CallRegistry struct {
	mu    sync.RWMutex
	calls map[domain.CallID]*call

	wmu     sync.RWMutex
	watcher port.CallWatcher

	metrics port.Metrics
}

func NewCallRegistry(metrics port.Metrics) *CallRegistry {
	if metrics == nil {
		metrics = port.NopMetrics{}
	}
	return &CallRegistry{
		calls:   make(map[domain.CallID]*call),
		metrics: metrics,
	}
}

// SetWatcher installs the hook told about calls opening and closing.
func (r *CallRegistry) SetWatcher(w port.CallWatcher) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	r.watcher = w
}

func (r *CallRegistry) currentWatcher() port.CallWatcher {
	r.wmu.RLock()
	defer r.wmu.RUnlock()
	return r.watcher
}

// lockCall returns the live record for id with its mutex held. With create
// unset it returns nil when the call does not exist.
func (r *CallRegistry) lockCall(id domain.CallID, create bool) *call {
	for {
		r.mu.RLock()
		c := r.calls[id]
		r.mu.RUnlock()

		if c == nil {
			if !create {
				return nil
			}
			r.mu.Lock()
			c = r.calls[id]
			if c == nil {
				c = &call{peers: make(map[domain.UserID]*peerEntry)}
				r.calls[id] = c
			}
			r.mu.Unlock()
		}

		c.mu.Lock()
		if !c.dead {
			return c
		}
		c.mu.Unlock()
		r.forget(id, c)
	}
}

func (r *CallRegistry) forget(id domain.CallID, c *call) {
	r.mu.Lock()
	if r.calls[id] == c {
		delete(r.calls, id)
	}
	r.mu.Unlock()
}

// retireIfEmpty must be called with c.mu held.
func (r *CallRegistry) retireIfEmpty(id domain.CallID, c *call) bool {
	if len(c.peers) > 0 {
		return false
	}
	c.dead = true
	if c.opened {
		if w := r.currentWatcher(); w != nil {
			w.Unwatch(id)
		}
		r.metrics.CallClosed()
		log.Info().Str("call_id", id.String()).Msg("Call ended")
	}
	return true
}

// Register adds userID to callID. It returns false without side effects on
// existing peers when the identity is already present or the handshake
// fails.
func (r *CallRegistry) Register(callID domain.CallID, userID domain.UserID, conn port.PeerConnection) bool {
	return r.join(callID, userID, conn) == nil
}

// join is Register reporting why it refused: ErrDuplicatePeer, or
// ErrHandshakeFailed wrapping the Accept error.
func (r *CallRegistry) join(callID domain.CallID, userID domain.UserID, conn port.PeerConnection) error {
	l := log.With().Str("call_id", callID.String()).Str("user_id", userID.String()).Logger()

	c := r.lockCall(callID, true)
	if _, exists := c.peers[userID]; exists {
		c.mu.Unlock()
		l.Warn().Msg("User already connected to call")
		r.metrics.JoinRejected("duplicate")
		return ErrDuplicatePeer
	}
	entry := &peerEntry{conn: conn}
	c.peers[userID] = entry
	c.mu.Unlock()

	if err := conn.Accept(); err != nil {
		l.Error().Err(err).Msg("Failed to accept connection")
		closeQuietly(conn)

		c.mu.Lock()
		delete(c.peers, userID)
		empty := r.retireIfEmpty(callID, c)
		c.mu.Unlock()
		if empty {
			r.forget(callID, c)
		}
		r.metrics.JoinRejected("handshake")
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	c.mu.Lock()
	entry.ready = true
	if !c.opened {
		c.opened = true
		if w := r.currentWatcher(); w != nil {
			w.Watch(callID)
		}
		r.metrics.CallOpened()
	}
	count := len(c.peers)
	c.mu.Unlock()

	r.metrics.PeerJoined()
	l.Info().Int("count", count).Msg("User connected to call")
	return nil
}

// Deregister removes userID from callID and closes its connection. It is
// idempotent and reports whether anything was removed.
func (r *CallRegistry) Deregister(callID domain.CallID, userID domain.UserID) bool {
	return r.remove(callID, userID, nil)
}

// remove deletes the entry for userID, but only if it is bound to conn when
// conn is non-nil. That keeps a stale failure on an old connection from
// evicting a newer one holding the same identity.
func (r *CallRegistry) remove(callID domain.CallID, userID domain.UserID, conn port.PeerConnection) bool {
	c := r.lockCall(callID, false)
	if c == nil {
		return false
	}
	entry, ok := c.peers[userID]
	if !ok || !entry.ready || (conn != nil && entry.conn != conn) {
		c.mu.Unlock()
		return false
	}
	delete(c.peers, userID)
	count := len(c.peers)
	empty := r.retireIfEmpty(callID, c)
	c.mu.Unlock()
	if empty {
		r.forget(callID, c)
	}

	closeQuietly(entry.conn)
	r.metrics.PeerLeft()
	log.Info().Str("call_id", callID.String()).Str("user_id", userID.String()).Int("count", count).Msg("User disconnected from call")
	return true
}

// heldByOther reports whether userID is registered in callID through a
// connection other than conn. Pending reservations do not count, since
// their handshake may still fail.
func (r *CallRegistry) heldByOther(callID domain.CallID, userID domain.UserID, conn port.PeerConnection) bool {
	c := r.lockCall(callID, false)
	if c == nil {
		return false
	}
	defer c.mu.Unlock()
	entry, ok := c.peers[userID]
	return ok && entry.ready && entry.conn != conn
}

// Snapshot copies the registered peers of callID, minus exclude. An unknown
// call yields an empty map.
func (r *CallRegistry) Snapshot(callID domain.CallID, exclude domain.UserID) map[domain.UserID]port.PeerConnection {
	out := make(map[domain.UserID]port.PeerConnection)
	c := r.lockCall(callID, false)
	if c == nil {
		return out
	}
	for id, entry := range c.peers {
		if entry.ready && id != exclude {
			out[id] = entry.conn
		}
	}
	c.mu.Unlock()
	return out
}

// Roster lists the registered user ids of callID in lexical order.
func (r *CallRegistry) Roster(callID domain.CallID, exclude domain.UserID) []domain.UserID {
	peers := r.Snapshot(callID, exclude)
	ids := make([]domain.UserID, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *CallRegistry) lookup(callID domain.CallID, userID domain.UserID) (port.PeerConnection, bool) {
	c := r.lockCall(callID, false)
	if c == nil {
		return nil, false
	}
	defer c.mu.Unlock()
	entry, ok := c.peers[userID]
	if !ok || !entry.ready {
		return nil, false
	}
	return entry.conn, true
}

// SendTo delivers msg to one peer. A failed write deregisters that peer.
func (r *CallRegistry) SendTo(callID domain.CallID, target domain.UserID, msg domain.Message) bool {
	conn, ok := r.lookup(callID, target)
	if !ok {
		log.Warn().Str("call_id", callID.String()).Str("target", target.String()).Msg("Target not found in call")
		return false
	}
	return r.deliver(callID, target, conn, msg)
}

func (r *CallRegistry) deliver(callID domain.CallID, userID domain.UserID, conn port.PeerConnection, msg domain.Message) bool {
	if err := conn.Send(msg); err != nil {
		log.Warn().Err(err).Str("call_id", callID.String()).Str("user_id", userID.String()).Msg("Send failed, dropping peer")
		r.metrics.DeliveryFailed()
		r.remove(callID, userID, conn)
		return false
	}
	return true
}

// Broadcast sends msg to every peer of callID except exclude and returns
// the number of successful deliveries.
func (r *CallRegistry) Broadcast(callID domain.CallID, msg domain.Message, exclude domain.UserID) int {
	sent := 0
	for id, conn := range r.Snapshot(callID, exclude) {
		if r.deliver(callID, id, conn, msg) {
			sent++
		}
	}
	return sent
}

// ProbeAndEvict pings every peer of callID and drops those whose ping
// cannot be written. It returns the number evicted.
func (r *CallRegistry) ProbeAndEvict(callID domain.CallID) int {
	evicted := 0
	for id, conn := range r.Snapshot(callID, "") {
		if err := conn.Send(domain.PingMessage()); err != nil {
			log.Warn().Err(err).Str("call_id", callID.String()).Str("user_id", id.String()).Msg("Stale connection detected")
			if r.remove(callID, id, conn) {
				evicted++
			}
		}
	}
	if evicted > 0 {
		r.metrics.PeersEvicted(evicted)
	}
	return evicted
}

// IsConnected reports whether userID currently holds a slot in callID.
func (r *CallRegistry) IsConnected(callID domain.CallID, userID domain.UserID) bool {
	_, ok := r.lookup(callID, userID)
	return ok
}

// Peers returns the number of registered peers in callID.
func (r *CallRegistry) Peers(callID domain.CallID) int {
	return len(r.Snapshot(callID, ""))
}

// Calls returns the number of calls with at least one registered peer.
func (r *CallRegistry) Calls() int {
	r.mu.RLock()
	records := make([]*call, 0, len(r.calls))
	for _, c := range r.calls {
		records = append(records, c)
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range records {
		c.mu.Lock()
		if c.opened && !c.dead {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

// Close deregisters every peer of every call.
func (r *CallRegistry) Close() {
	r.mu.RLock()
	ids := make([]domain.CallID, 0, len(r.calls))
	for id := range r.calls {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, callID := range ids {
		for userID := range r.Snapshot(callID, "") {
			r.Deregister(callID, userID)
		}
	}
	log.Info().Int("calls", len(ids)).Msg("Registry closed")
}

func closeQuietly(conn port.PeerConnection) {
	if err := conn.Close(); err != nil {
		log.Debug().Err(err).Msg("Close warning")
	}
}
