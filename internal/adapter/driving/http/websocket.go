package http

import (
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wyydra/callsignal/internal/adapter/driven/ratelimit"
	"github.com/Wyydra/callsignal/internal/core/domain"
	"github.com/Wyydra/callsignal/internal/core/port"
	"github.com/Wyydra/callsignal/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var errNotAccepted = errors.New("websocket not accepted")

// WSPeer is a port.PeerConnection over a lazily upgraded WebSocket. The
// upgrade happens in Accept, so a refused join never completes the
// handshake unless a close code has to be delivered.
type WSPeer struct {
	w            http.ResponseWriter
	r            *http.Request
	upgrader     *websocket.Upgrader
	writeTimeout time.Duration
	readLimit    int64

	acceptOnce sync.Once
	acceptErr  error
	conn       atomic.Pointer[websocket.Conn]

	// gorilla allows one concurrent writer
	writeMu sync.Mutex
}

func NewWSPeer(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, writeTimeout time.Duration, readLimit int64) *WSPeer {
	return &WSPeer{
		w:            w,
		r:            r,
		upgrader:     upgrader,
		writeTimeout: writeTimeout,
		readLimit:    readLimit,
	}
}

func (p *WSPeer) Accept() error {
	p.acceptOnce.Do(func() {
		conn, err := p.upgrader.Upgrade(p.w, p.r, nil)
		if err != nil {
			p.acceptErr = err
			return
		}
		if p.readLimit > 0 {
			conn.SetReadLimit(p.readLimit)
		}
		p.conn.Store(conn)
	})
	return p.acceptErr
}

func (p *WSPeer) Send(msg domain.Message) error {
	conn := p.conn.Load()
	if conn == nil {
		return errNotAccepted
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func (p *WSPeer) Receive() ([]byte, error) {
	conn := p.conn.Load()
	if conn == nil {
		return nil, errNotAccepted
	}
	_, data, err := conn.ReadMessage()
	return data, err
}

func (p *WSPeer) CloseWithReason(code int, reason string) error {
	if err := p.Accept(); err != nil {
		return err
	}
	conn := p.conn.Load()
	err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(p.writeTimeout))
	if cerr := conn.Close(); err == nil {
		err = cerr
	}
	return err
}

func (p *WSPeer) Close() error {
	conn := p.conn.Load()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// ServeWS runs one signaling session for /ws/signaling/{callID}/{userID}.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	peer := NewWSPeer(w, r, &h.upgrader, h.cfg.WriteTimeout, h.cfg.MaxMessageBytes)

	callID, userID, err := parseIdentity(r)
	if err != nil {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Invalid params")
		_ = peer.CloseWithReason(domain.CloseProtocolError, "invalid call or user id")
		return
	}

	var limiter port.Limiter
	if h.cfg.MaxMessagesPerSecond > 0 {
		limiter = ratelimit.NewSlidingWindow(h.cfg.MaxMessagesPerSecond, time.Second)
	}

	h.sessions.Add(1)
	defer h.sessions.Done()

	sess := service.NewSignalingSession(h.Registry, callID, userID, peer, service.SessionOptions{
		ReceiveTimeout: h.cfg.ReceiveTimeout,
		Limiter:        limiter,
	})
	l := log.With().Str("session_id", sess.ID().String()).Logger()
	l.Info().Str("call_id", callID.String()).Str("user_id", userID.String()).Msg("Incoming signaling connection")

	if err := sess.Run(h.ctx); err != nil {
		l.Warn().Err(err).Msg("Signaling session refused")
	}
}

func parseIdentity(r *http.Request) (domain.CallID, domain.UserID, error) {
	rawCall, err := urlParam(r, "callID")
	if err != nil {
		return "", "", err
	}
	rawUser, err := urlParam(r, "userID")
	if err != nil {
		return "", "", err
	}
	callID, err := domain.ParseCallID(rawCall)
	if err != nil {
		return "", "", err
	}
	userID, err := domain.ParseUserID(rawUser)
	if err != nil {
		return "", "", err
	}
	return callID, userID, nil
}

// chi matches on RawPath when the request has one, leaving params escaped.
func urlParam(r *http.Request, key string) (string, error) {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v, nil
	}
	return url.PathUnescape(v)
}
