package service

import (
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/callsignal/internal/core/domain"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var errFakeClosed = errors.New("fake connection closed")

type fakeConn struct {
	mu        sync.Mutex
	sent      []domain.Message
	sendErr   error
	acceptErr error
	accepted  bool
	closeCode int
	// acceptGate, when set, blocks Accept until it is closed
	acceptGate chan struct{}

	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Accept() error {
	if c.acceptGate != nil {
		<-c.acceptGate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acceptErr != nil {
		return c.acceptErr
	}
	c.accepted = true
	return nil
}

func (c *fakeConn) Send(msg domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.isClosed() {
		return errFakeClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.closed:
		return nil, errFakeClosed
	}
}

func (c *fakeConn) CloseWithReason(code int, reason string) error {
	c.mu.Lock()
	c.closeCode = code
	c.mu.Unlock()
	return c.Close()
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *fakeConn) push(raw string) {
	c.inbox <- []byte(raw)
}

func (c *fakeConn) messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) ofType(t domain.MessageType) []domain.Message {
	var out []domain.Message
	for _, m := range c.messages() {
		if m.Type() == t {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

type recordingWatcher struct {
	mu     sync.Mutex
	events []string
}

func (w *recordingWatcher) Watch(id domain.CallID) {
	w.mu.Lock()
	w.events = append(w.events, "watch:"+id.String())
	w.mu.Unlock()
}

func (w *recordingWatcher) Unwatch(id domain.CallID) {
	w.mu.Lock()
	w.events = append(w.events, "unwatch:"+id.String())
	w.mu.Unlock()
}

func (w *recordingWatcher) list() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.events...)
}

// blockingConn parks every Send until release is closed.
type blockingConn struct {
	*fakeConn
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingConn() *blockingConn {
	return &blockingConn{
		fakeConn: newFakeConn(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (c *blockingConn) Send(msg domain.Message) error {
	c.once.Do(func() { close(c.entered) })
	<-c.release
	return c.fakeConn.Send(msg)
}
