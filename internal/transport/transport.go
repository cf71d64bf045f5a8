package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"twinlink/internal/event"
	"twinlink/internal/gateway"
	"twinlink/internal/identity"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

// Server upgrades HTTP requests to websocket sessions and pumps events
// between the socket and the gateway.
type Server struct {
	gw       *gateway.Gateway
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewServer(gw *gateway.Gateway, allowedOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	allowAll := len(allowedOrigins) == 0
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return &Server{
		gw: gw,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowAll {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
		logger: logger,
	}
}

// session couples one websocket with one gateway connection for the
// lifetime of both pumps.
type session struct {
	srv    *Server
	ws     *websocket.Conn
	conn   *gateway.Connection
	ctx    context.Context
	cancel context.CancelFunc
	closed int32
}

// ServeWS authenticates and registers the caller, then hands the socket
// to the read and write pumps. The bearer token travels in the "token"
// query parameter because browsers cannot set headers on a websocket
// handshake.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		// Without a client-supplied device id, every connection counts as
		// its own device so two anonymous tabs never collide.
		deviceID = uuid.New().String()
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}

	conn, err := s.gw.Connect(r.Context(), token, deviceID)
	if err != nil {
		s.rejectHandshake(ws, err)
		return
	}

	sess := &session{srv: s, ws: ws, conn: conn}
	sess.ctx, sess.cancel = context.WithCancel(context.Background())

	s.logger.Info("New WebSocket session established",
		"connID", conn.ID(), "userID", conn.UserID(), "deviceID", conn.DeviceID())

	go sess.writePump()
	go sess.readPump()
}

// rejectHandshake reports the failure over the already-upgraded socket
// and closes it. Auth failures and connection throttling map to the
// policy-violation close code so clients know not to retry blindly.
func (s *Server) rejectHandshake(ws *websocket.Conn, err error) {
	code := websocket.CloseInternalServerErr
	reason := "connection failed"

	var rl *gateway.RateLimitedError
	switch {
	case errors.As(err, &rl):
		code = websocket.ClosePolicyViolation
		reason = "too many connection attempts"
	case errors.Is(err, identity.ErrTokenExpired),
		errors.Is(err, identity.ErrTokenMalformed),
		errors.Is(err, identity.ErrUnknownUser),
		errors.Is(err, identity.ErrAccountLocked),
		errors.Is(err, identity.ErrContactUnverified):
		code = websocket.ClosePolicyViolation
		reason = "authentication failed"
	}

	s.logger.Warn("WebSocket handshake rejected", "reason", reason, "error", err)
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	ws.Close()
}

func (sess *session) isClosed() bool {
	return atomic.LoadInt32(&sess.closed) == 1
}

func (sess *session) close() {
	if atomic.CompareAndSwapInt32(&sess.closed, 0, 1) {
		sess.cancel()
	}
}

func (sess *session) readPump() {
	defer func() {
		sess.close()
		sess.srv.gw.Disconnect(sess.conn, "socket closed")
		if err := sess.ws.Close(); err != nil {
			sess.srv.logger.Debug("Error closing connection", "connID", sess.conn.ID(), "error", err)
		}
	}()

	sess.ws.SetReadLimit(maxMessageSize)
	sess.ws.SetReadDeadline(time.Now().Add(pongWait))
	sess.ws.SetPongHandler(func(string) error {
		if sess.isClosed() {
			return websocket.ErrCloseSent
		}
		sess.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-sess.ctx.Done():
			return
		default:
		}

		_, raw, err := sess.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				sess.srv.logger.Error("WebSocket error", "connID", sess.conn.ID(), "userID", sess.conn.UserID(), "error", err)
			} else {
				sess.srv.logger.Debug("WebSocket connection closed", "connID", sess.conn.ID(), "error", err)
			}
			return
		}

		ev, err := event.Decode(raw)
		if err != nil {
			sess.srv.logger.Debug("Failed to decode inbound event", "connID", sess.conn.ID(), "error", err)
			continue
		}

		// The socket identity wins over whatever the payload claims.
		ev.UserID = sess.conn.UserID()
		if ev.Timestamp == 0 {
			ev.Timestamp = time.Now().Unix()
		}

		if err := sess.srv.gw.Dispatch(sess.ctx, sess.conn, ev); err != nil {
			sess.srv.logger.Error("Dispatch failed", "connID", sess.conn.ID(), "type", ev.Type, "error", err)
		}
	}
}

func (sess *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	out := sess.conn.Events()
	for {
		select {
		case ev, ok := <-out:
			if sess.isClosed() {
				return
			}

			sess.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sess.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := sess.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				sess.srv.logger.Debug("Error getting next writer", "connID", sess.conn.ID(), "error", err)
				return
			}

			payload, err := ev.Encode()
			if err != nil {
				sess.srv.logger.Error("Failed to encode event", "connID", sess.conn.ID(), "type", ev.Type, "error", err)
				w.Close()
				continue
			}
			if _, err := w.Write(payload); err != nil {
				w.Close()
				return
			}

			// Drain queued events into the same websocket frame.
			n := len(out)
			for i := 0; i < n; i++ {
				queued, ok := <-out
				if !ok {
					break
				}
				next, err := queued.Encode()
				if err != nil {
					continue
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			if sess.isClosed() {
				return
			}
			sess.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-sess.conn.Done():
			// The gateway dropped us (slow consumer, admin action). Tell
			// the peer before tearing down.
			sess.ws.SetWriteDeadline(time.Now().Add(writeWait))
			sess.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server closed the stream"))
			sess.close()
			return

		case <-sess.ctx.Done():
			return
		}
	}
}
