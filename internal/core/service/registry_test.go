package service

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Wyydra/callsignal/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallRegistry_RegisterAndRoster(t *testing.T) {
	r := NewCallRegistry(nil)
	a, b := newFakeConn(), newFakeConn()

	require.True(t, r.Register("c1", "b", b))
	require.True(t, r.Register("c1", "a", a))

	assert.True(t, a.accepted)
	assert.Equal(t, []domain.UserID{"a", "b"}, r.Roster("c1", ""))
	assert.Equal(t, []domain.UserID{"b"}, r.Roster("c1", "a"))
	assert.Equal(t, 1, r.Calls())
	assert.Equal(t, 2, r.Peers("c1"))
}

func TestCallRegistry_DuplicateRejectedWithoutSideEffects(t *testing.T) {
	r := NewCallRegistry(nil)
	first, second := newFakeConn(), newFakeConn()

	require.True(t, r.Register("c1", "a", first))
	assert.False(t, r.Register("c1", "a", second))

	assert.False(t, second.accepted, "loser must not be accepted")
	assert.False(t, first.isClosed())

	peers := r.Snapshot("c1", "")
	require.Len(t, peers, 1)
	assert.Same(t, first, peers["a"])
}

func TestCallRegistry_ConcurrentDuplicateRegistration(t *testing.T) {
	for round := 0; round < 50; round++ {
		r := NewCallRegistry(nil)
		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if r.Register("c1", "same", newFakeConn()) {
					wins.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		require.EqualValues(t, 1, wins.Load(), "round %d", round)
		require.Equal(t, 1, r.Peers("c1"))
	}
}

func TestCallRegistry_PendingHandshakeIsInvisibleAndHoldsIdentity(t *testing.T) {
	r := NewCallRegistry(nil)
	slow := newFakeConn()
	slow.acceptGate = make(chan struct{})

	done := make(chan bool)
	go func() { done <- r.Register("c1", "a", slow) }()

	require.Eventually(t, func() bool {
		c := r.lockCall("c1", false)
		if c == nil {
			return false
		}
		defer c.mu.Unlock()
		_, reserved := c.peers["a"]
		return reserved
	}, timeout, tick)

	assert.False(t, r.Register("c1", "a", newFakeConn()))
	assert.Empty(t, r.Snapshot("c1", ""))
	assert.False(t, r.IsConnected("c1", "a"))
	assert.False(t, r.Deregister("c1", "a"), "pending entries cannot be deregistered")

	close(slow.acceptGate)
	require.True(t, <-done)
	assert.True(t, r.IsConnected("c1", "a"))
}

func TestCallRegistry_FailedHandshakeLeavesNoTrace(t *testing.T) {
	r := NewCallRegistry(nil)
	w := &recordingWatcher{}
	r.SetWatcher(w)

	bad := newFakeConn()
	bad.acceptErr = errors.New("upgrade failed")

	assert.False(t, r.Register("c1", "a", bad))
	assert.True(t, bad.isClosed())
	assert.Equal(t, 0, r.Calls())
	assert.Empty(t, r.Snapshot("c1", ""))
	assert.Empty(t, w.list())

	assert.True(t, r.Register("c1", "a", newFakeConn()))
}

func TestCallRegistry_BroadcastExcludesSenderAndStaysInCall(t *testing.T) {
	r := NewCallRegistry(nil)
	a, b, c, other := newFakeConn(), newFakeConn(), newFakeConn(), newFakeConn()
	require.True(t, r.Register("c1", "a", a))
	require.True(t, r.Register("c1", "b", b))
	require.True(t, r.Register("c1", "c", c))
	require.True(t, r.Register("c2", "d", other))

	n := r.Broadcast("c1", domain.Message{"type": "offer"}, "a")

	assert.Equal(t, 2, n)
	assert.Empty(t, a.messages())
	assert.Len(t, b.messages(), 1)
	assert.Len(t, c.messages(), 1)
	assert.Empty(t, other.messages())
}

func TestCallRegistry_BroadcastDropsFailedPeer(t *testing.T) {
	r := NewCallRegistry(nil)
	a, b, broken := newFakeConn(), newFakeConn(), newFakeConn()
	require.True(t, r.Register("c1", "a", a))
	require.True(t, r.Register("c1", "b", b))
	require.True(t, r.Register("c1", "broken", broken))
	broken.failSends(errors.New("write: broken pipe"))

	n := r.Broadcast("c1", domain.Message{"type": "candidate"}, "a")

	assert.Equal(t, 1, n)
	assert.False(t, r.IsConnected("c1", "broken"))
	assert.True(t, broken.isClosed())
	assert.Equal(t, []domain.UserID{"a", "b"}, r.Roster("c1", ""))
}

func TestCallRegistry_SendTo(t *testing.T) {
	r := NewCallRegistry(nil)
	a, b := newFakeConn(), newFakeConn()
	require.True(t, r.Register("c1", "a", a))
	require.True(t, r.Register("c1", "b", b))

	assert.True(t, r.SendTo("c1", "b", domain.Message{"type": "answer"}))
	require.Len(t, b.messages(), 1)
	assert.Empty(t, a.messages())

	assert.False(t, r.SendTo("c1", "nobody", domain.Message{}))
	assert.False(t, r.SendTo("missing", "b", domain.Message{}))

	b.failSends(errors.New("timeout"))
	assert.False(t, r.SendTo("c1", "b", domain.Message{"type": "answer"}))
	assert.False(t, r.IsConnected("c1", "b"))
	assert.True(t, r.IsConnected("c1", "a"))
}

func TestCallRegistry_LastPeerRemovesCall(t *testing.T) {
	r := NewCallRegistry(nil)
	w := &recordingWatcher{}
	r.SetWatcher(w)

	a, b := newFakeConn(), newFakeConn()
	require.True(t, r.Register("c1", "a", a))
	require.True(t, r.Register("c1", "b", b))

	assert.True(t, r.Deregister("c1", "a"))
	assert.True(t, a.isClosed())
	assert.Equal(t, 1, r.Calls())

	assert.True(t, r.Deregister("c1", "b"))
	assert.False(t, r.Deregister("c1", "b"), "deregister is idempotent")
	assert.Equal(t, 0, r.Calls())

	peers := r.Snapshot("c1", "")
	assert.NotNil(t, peers)
	assert.Empty(t, peers)
	assert.Empty(t, r.Roster("c1", ""))

	assert.Equal(t, []string{"watch:c1", "unwatch:c1"}, w.list())

	// the call id is reusable and opens a fresh record
	require.True(t, r.Register("c1", "a", newFakeConn()))
	assert.Equal(t, []string{"watch:c1", "unwatch:c1", "watch:c1"}, w.list())
}

func TestCallRegistry_StaleFailureDoesNotEvictNewerConnection(t *testing.T) {
	r := NewCallRegistry(nil)
	old, fresh := newFakeConn(), newFakeConn()
	require.True(t, r.Register("c1", "a", old))
	require.True(t, r.Deregister("c1", "a"))
	require.True(t, r.Register("c1", "a", fresh))

	assert.False(t, r.remove("c1", "a", old))
	assert.True(t, r.IsConnected("c1", "a"))
	assert.True(t, r.heldByOther("c1", "a", old))
	assert.False(t, r.heldByOther("c1", "a", fresh))
}

func TestCallRegistry_PendingRejoinIsNotHeldByOther(t *testing.T) {
	r := NewCallRegistry(nil)
	old := newFakeConn()
	require.True(t, r.Register("c1", "a", old))
	require.True(t, r.Register("c1", "b", newFakeConn()))
	require.True(t, r.remove("c1", "a", old))

	rejoin := newFakeConn()
	rejoin.acceptGate = make(chan struct{})
	rejoin.acceptErr = errors.New("upgrade failed")
	done := make(chan bool)
	go func() { done <- r.Register("c1", "a", rejoin) }()

	require.Eventually(t, func() bool {
		c := r.lockCall("c1", false)
		if c == nil {
			return false
		}
		defer c.mu.Unlock()
		_, reserved := c.peers["a"]
		return reserved
	}, timeout, tick)

	assert.False(t, r.heldByOther("c1", "a", old), "a pending handshake may still fail")

	close(rejoin.acceptGate)
	require.False(t, <-done)
	assert.False(t, r.heldByOther("c1", "a", old))
	assert.Equal(t, []domain.UserID{"b"}, r.Roster("c1", ""))
}

func TestCallRegistry_SlowPeerDoesNotBlockMembership(t *testing.T) {
	r := NewCallRegistry(nil)
	slow, fast := newBlockingConn(), newFakeConn()
	require.True(t, r.Register("c1", "slow", slow))
	require.True(t, r.Register("c1", "fast", fast))

	sent := make(chan int)
	go func() { sent <- r.Broadcast("c1", domain.Message{"type": "offer"}, "sender") }()
	select {
	case <-slow.entered:
	case <-time.After(timeout):
		t.Fatal("broadcast never reached the slow peer")
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		assert.True(t, r.Register("c1", "late", newFakeConn()))
		assert.Len(t, r.Snapshot("c1", ""), 3)
		assert.True(t, r.SendTo("c1", "fast", domain.Message{"type": "answer"}))
		assert.True(t, r.Deregister("c1", "late"))
	}()
	select {
	case <-finished:
	case <-time.After(timeout):
		t.Fatal("registry operations blocked behind a slow send")
	}

	close(slow.release)
	assert.Equal(t, 2, <-sent)
	assert.Len(t, slow.messages(), 1)
}

func TestCallRegistry_ProbeAndEvict(t *testing.T) {
	r := NewCallRegistry(nil)
	alive, silent := newFakeConn(), newFakeConn()
	require.True(t, r.Register("c1", "alive", alive))
	require.True(t, r.Register("c1", "silent", silent))
	silent.failSends(errors.New("i/o timeout"))

	assert.Equal(t, 1, r.ProbeAndEvict("c1"))
	assert.Equal(t, []domain.UserID{"alive"}, r.Roster("c1", ""))
	require.Len(t, alive.ofType(domain.TypePing), 1)

	assert.Equal(t, 0, r.ProbeAndEvict("unknown"))
}

func TestCallRegistry_Close(t *testing.T) {
	r := NewCallRegistry(nil)
	conns := make([]*fakeConn, 0, 4)
	for i := 0; i < 4; i++ {
		c := newFakeConn()
		conns = append(conns, c)
		callID := domain.CallID(fmt.Sprintf("c%d", i%2))
		require.True(t, r.Register(callID, domain.UserID(fmt.Sprintf("u%d", i)), c))
	}

	r.Close()

	assert.Equal(t, 0, r.Calls())
	for _, c := range conns {
		assert.True(t, c.isClosed())
	}
}

func TestCallRegistry_ConcurrentMembershipStaysConsistent(t *testing.T) {
	r := NewCallRegistry(nil)
	const users = 32

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := domain.UserID(fmt.Sprintf("u%02d", i))
			if !r.Register("c1", id, newFakeConn()) {
				t.Errorf("register %s failed", id)
				return
			}
			r.Broadcast("c1", domain.Message{"type": "hello"}, id)
			if i%2 == 0 {
				r.Deregister("c1", id)
			}
		}(i)
	}
	wg.Wait()

	roster := r.Roster("c1", "")
	require.Len(t, roster, users/2)
	for _, id := range roster {
		var n int
		_, err := fmt.Sscanf(id.String(), "u%d", &n)
		require.NoError(t, err)
		assert.Equal(t, 1, n%2, "even users left the call")
	}
}
