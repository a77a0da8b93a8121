// Package transport accepts WebSocket connections, drives the
// UNAUTHENTICATED -> REGISTERED -> CLOSED handshake state machine over
// each one, and dispatches registered frames into the Hub.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"chatsignal/internal/chatsession"
	"chatsignal/internal/hub"
	"chatsignal/internal/logging"
	"chatsignal/internal/metrics"
	"chatsignal/internal/protocol"
	"chatsignal/internal/ratelimit"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server upgrades HTTP requests to WebSocket connections and hands each
// one off to the Hub.
type Server struct {
	hub            *hub.Hub
	allowedOrigins []string
	limiter        *ratelimit.Limiter
}

// NewServer builds a Server bound to hub, accepting connections only from
// allowedOrigins (an empty list allows any origin). limiter may be nil to
// disable rate limiting entirely.
func NewServer(h *hub.Hub, allowedOrigins []string, limiter *ratelimit.Limiter) *Server {
	return &Server{hub: h, allowedOrigins: allowedOrigins, limiter: limiter}
}

// ServeWs is the gin handler for the WebSocket upgrade endpoint.
func (s *Server) ServeWs(c *gin.Context) {
	if s.limiter != nil && !s.limiter.AllowConnect(c.Request.Context(), c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	go s.handleConnection(conn)
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	for _, o := range s.allowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// handleConnection drives one connection's lifetime: an UNAUTHENTICATED
// loop reading raw frames until a connect handshake succeeds, then the
// REGISTERED phase, which hands off to the Session's own read/write pumps.
func (s *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	sess := s.awaitHandshake(conn)
	if sess == nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sess.WritePump()
	}()

	sess.ReadPump(func(raw []byte) bool {
		return s.dispatchRegistered(sess, raw)
	})

	// CLOSED: finalizer. By now Disconnect has normally already run: from
	// dispatchRegistered on a disconnect tag, and from Session.terminate
	// (ReadPump's defer or the slow-consumer threshold). Disconnect is
	// idempotent, so this call is a cheap, safe no-op in that case.
	s.hub.Disconnect(sess)
	wg.Wait()
}

// awaitHandshake implements the UNAUTHENTICATED state: read frames
// directly off conn (no Session exists yet) until a connect succeeds.
func (s *Server) awaitHandshake(conn *websocket.Conn) *chatsession.Session {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil
		}

		frame, err := protocol.DecodeFrame(raw)
		if err != nil {
			writeFrame(conn, errorFrame("mensaje inválido"))
			continue
		}

		if frame.Type != protocol.TypeConnect {
			writeFrame(conn, mustFrame(protocol.TypeConnectionError, protocol.ConnectionErrorPayload{
				Reason: "Primer mensaje debe ser de conexión",
			}))
			continue
		}

		var payload protocol.ConnectPayload
		if err := decodePayload(frame, &payload); err != nil {
			writeFrame(conn, errorFrame("mensaje inválido"))
			continue
		}

		var sess *chatsession.Session
		var terminateOnce sync.Once
		onTerminate := func(terminated *chatsession.Session) {
			terminateOnce.Do(func() {
				s.hub.Disconnect(terminated)
			})
		}

		var reason hub.RejectReason
		sess, reason, _ = s.hub.Register(conn, payload.Username, onTerminate)
		if sess == nil {
			logging.Warn(context.Background(), "handshake rejected", zap.String("reason", string(reason)))
			writeFrame(conn, mustFrame(protocol.TypeConnectionError, protocol.ConnectionErrorPayload{
				Reason: reason.Message(),
			}))
			continue
		}

		logging.Info(logging.WithSession(context.Background(), sess.ID()), "handshake complete")
		return sess
	}
}

// dispatchRegistered implements the REGISTERED state: decode one frame and
// route it to the matching Hub operation. Returning false ends the read
// loop (only the disconnect tag does this).
func (s *Server) dispatchRegistered(sess *chatsession.Session, raw []byte) bool {
	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		sess.Enqueue(errorFrame("mensaje inválido"))
		return true
	}

	switch frame.Type {
	case protocol.TypeDisconnect:
		s.hub.Disconnect(sess)
		return false

	case protocol.TypeCreateRoom:
		var p protocol.CreateRoomPayload
		if decodePayload(frame, &p) != nil {
			sess.Enqueue(errorFrame("mensaje inválido"))
			return true
		}
		s.hub.CreateRoomAndJoin(sess, p.RoomName)

	case protocol.TypeJoinRoom:
		var p protocol.JoinRoomPayload
		if decodePayload(frame, &p) != nil {
			sess.Enqueue(errorFrame("mensaje inválido"))
			return true
		}
		s.hub.JoinRoom(sess, p.RoomName)

	case protocol.TypeLeaveRoom:
		var p protocol.LeaveRoomPayload
		if decodePayload(frame, &p) != nil {
			sess.Enqueue(errorFrame("mensaje inválido"))
			return true
		}
		s.hub.LeaveRoom(sess, p.RoomName)

	case protocol.TypeListRooms:
		s.hub.ListRooms(sess)

	case protocol.TypeChatMessage:
		var p protocol.ChatMessagePayload
		if decodePayload(frame, &p) != nil {
			sess.Enqueue(errorFrame("mensaje inválido"))
			return true
		}
		if s.limiter != nil && !s.limiter.AllowMessage(context.Background(), sess.ID()) {
			sess.Enqueue(errorFrame("Límite de mensajes excedido, intenta de nuevo en un momento"))
			return true
		}
		s.hub.BroadcastChat(sess, p.RoomName, p.Content)

	default:
		logging.Debug(logging.WithSession(context.Background(), sess.ID()), "unknown tag ignored", zap.String("type", string(frame.Type)))
	}

	return true
}

func writeFrame(conn *websocket.Conn, frame []byte) {
	if frame == nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, frame)
}

func decodePayload(f *protocol.Frame, v any) error {
	return json.Unmarshal(f.Payload, v)
}

func mustFrame(t protocol.MessageType, payload any) []byte {
	f, err := protocol.NewFrame(t, payload)
	if err != nil {
		metrics.DroppedFramesTotal.WithLabelValues("encode_error").Inc()
		return nil
	}
	data, _ := f.Encode()
	return data
}

func errorFrame(message string) []byte {
	return mustFrame(protocol.TypeError, protocol.ErrorPayload{Message: message})
}
