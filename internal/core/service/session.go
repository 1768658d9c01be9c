package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wyydra/callsignal/internal/core/domain"
	"github.com/Wyydra/callsignal/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultReceiveTimeout = 60 * time.Second

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type drainReason string

const (
	reasonShutdown   drainReason = "shutdown"
	reasonDisconnect drainReason = "disconnect"
	reasonTimeout    drainReason = "timeout"
	reasonRateLimit  drainReason = "rate limit exceeded"
)

type SessionOptions struct {
	// ReceiveTimeout is how long the session waits for an inbound frame
	// before probing the peer itself.
	ReceiveTimeout time.Duration
	// Limiter caps inbound message rate; nil disables the check.
	Limiter port.Limiter
	Now     func() time.Time
}

// SignalingSession drives one peer connection through
// connecting, active, draining and closed.
type SignalingSession struct {
	id       domain.SessionID
	callID   domain.CallID
	userID   domain.UserID
	conn     port.PeerConnection
	registry *CallRegistry

	receiveTimeout time.Duration
	limiter        port.Limiter
	now            func() time.Time

	state atomic.Int32
	log   zerolog.Logger
}

func NewSignalingSession(registry *CallRegistry, callID domain.CallID, userID domain.UserID, conn port.PeerConnection, opts SessionOptions) *SignalingSession {
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = DefaultReceiveTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	id := domain.NewSessionID()
	return &SignalingSession{
		id:             id,
		callID:         callID,
		userID:         userID,
		conn:           conn,
		registry:       registry,
		receiveTimeout: opts.ReceiveTimeout,
		limiter:        opts.Limiter,
		now:            opts.Now,
		log: log.With().
			Str("session_id", id.String()).
			Str("call_id", callID.String()).
			Str("user_id", userID.String()).
			Logger(),
	}
}

func (s *SignalingSession) ID() domain.SessionID {
	return s.id
}

func (s *SignalingSession) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *SignalingSession) setState(st SessionState) {
	s.state.Store(int32(st))
	s.log.Debug().Str("state", st.String()).Msg("Session state changed")
}

// Run blocks until the session is closed. It returns ErrDuplicatePeer when
// the identity is already active in the call, an ErrHandshakeFailed error
// when the connection could not be accepted, and nil otherwise.
func (s *SignalingSession) Run(ctx context.Context) error {
	if err := s.registry.join(s.callID, s.userID, s.conn); err != nil {
		s.log.Warn().Err(err).Msg("Connect refused")
		if errors.Is(err, ErrDuplicatePeer) {
			if cerr := s.conn.CloseWithReason(domain.ClosePolicyViolation, "duplicate peer"); cerr != nil {
				s.log.Debug().Err(cerr).Msg("Close warning")
			}
		}
		s.setState(StateClosed)
		return err
	}
	s.setState(StateActive)
	s.announceJoin()

	inbound := make(chan []byte)
	done := make(chan struct{})
	var readErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		readErr = s.readLoop(inbound, done)
	}()

	reason := s.relay(ctx, inbound)

	s.setState(StateDraining)
	s.drain(reason)

	close(done)
	wg.Wait()
	if reason == reasonDisconnect && readErr != nil {
		s.log.Debug().Err(readErr).Msg("Reader stopped")
	}
	s.setState(StateClosed)
	return nil
}

func (s *SignalingSession) announceJoin() {
	roster := s.registry.Roster(s.callID, s.userID)
	if !s.reply(domain.PeerListMessage(roster)) {
		s.log.Error().Msg("Failed to send peer-list")
	}
	sent := s.registry.Broadcast(s.callID, domain.NewPeerMessage(s.userID), s.userID)
	s.log.Info().Int("peers", len(roster)).Int("notified", sent).Msg("Peer joined")
}

// readLoop pumps frames into inbound until the connection fails or done is
// closed. It closes inbound on exit.
func (s *SignalingSession) readLoop(inbound chan<- []byte, done <-chan struct{}) error {
	defer close(inbound)
	for {
		data, err := s.conn.Receive()
		if err != nil {
			return err
		}
		select {
		case inbound <- data:
		case <-done:
			return nil
		}
	}
}

func (s *SignalingSession) relay(ctx context.Context, inbound <-chan []byte) drainReason {
	timer := time.NewTimer(s.receiveTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return reasonShutdown

		case data, ok := <-inbound:
			if !ok {
				return reasonDisconnect
			}
			timer.Reset(s.receiveTimeout)
			if s.limiter != nil && !s.limiter.Allow(s.now()) {
				return reasonRateLimit
			}
			s.handle(data)

		case <-timer.C:
			if !s.reply(domain.PingMessage()) {
				return reasonTimeout
			}
			timer.Reset(s.receiveTimeout)
		}
	}
}

func (s *SignalingSession) handle(data []byte) {
	msg, err := domain.DecodeMessage(data)
	if errors.Is(err, domain.ErrNotObject) {
		s.reply(domain.ErrorMessage("invalid message format"))
		return
	}
	if err != nil {
		s.log.Debug().Err(err).Msg("Undecodable message")
		s.reply(domain.ErrorMessage("invalid json"))
		return
	}

	switch msg.Type() {
	case domain.TypePing:
		s.reply(domain.PongMessage())
		return
	case domain.TypePong:
		return
	}

	target, unicast, err := msg.Target()
	if err != nil {
		s.reply(domain.ErrorMessage("invalid target"))
		return
	}
	msg.StampSender(s.userID)

	if unicast {
		if s.registry.SendTo(s.callID, target, msg) {
			s.registry.metrics.MessageRelayed("unicast")
		}
		return
	}
	if s.registry.Broadcast(s.callID, msg, s.userID) > 0 {
		s.registry.metrics.MessageRelayed("broadcast")
	}
}

func (s *SignalingSession) reply(msg domain.Message) bool {
	return s.registry.SendTo(s.callID, s.userID, msg)
}

func (s *SignalingSession) drain(reason drainReason) {
	s.log.Info().Str("reason", string(reason)).Msg("Session draining")

	// A newer connection may already hold this identity after an eviction.
	if !s.registry.heldByOther(s.callID, s.userID, s.conn) {
		s.registry.Broadcast(s.callID, domain.PeerDisconnectedMessage(s.userID), s.userID)
	}

	switch reason {
	case reasonRateLimit:
		_ = s.conn.CloseWithReason(domain.ClosePolicyViolation, string(reason))
	case reasonShutdown:
		_ = s.conn.CloseWithReason(domain.CloseGoingAway, "server shutting down")
	}

	if !s.registry.remove(s.callID, s.userID, s.conn) {
		closeQuietly(s.conn)
	}
	s.log.Info().Msg("Cleanup complete")
}
