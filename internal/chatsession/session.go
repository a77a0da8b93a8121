// Package chatsession implements Session, the per-connection record: an
// owned transport, a bounded outbound queue drained by a dedicated
// writer, and the identity (id, display name, current room) mutated only
// through Hub operations.
package chatsession

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"chatsignal/internal/logging"
	"chatsignal/internal/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	outboundCapacity = 64
	writeWait        = 10 * time.Second

	// A keepalive ping every 30s; 10s of unanswered heartbeat is treated as
	// a dead peer. pongWait is reset on every received pong, so a peer that
	// misses one ping's 10s grace window has its read deadline expire and
	// ReadPump returns.
	pingInterval = 30 * time.Second
	pongWait     = pingInterval + 10*time.Second

	// maxConsecutiveDrops is the slow-consumer threshold: this many
	// consecutive full-queue drops terminates the session.
	maxConsecutiveDrops = 8
)

// wsConn is the subset of *websocket.Conn a Session needs. Abstracted so
// tests can exercise Session without a real network connection.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session owns one client's connection for its entire lifetime.
type Session struct {
	id          string
	displayName atomic.Value // string
	connectedAt time.Time

	conn     wsConn
	outbound chan []byte

	mu          sync.RWMutex
	currentRoom string // "" means no room
	closed      bool

	consecutiveDrops atomic.Int32

	// onTerminate is invoked exactly once, from whichever goroutine
	// observes termination first (slow-consumer threshold, or ReadPump
	// ending on a read error or a disconnect request), so the Hub can run
	// its disconnect sequence. Close does not invoke it.
	onTerminate  func(*Session)
	terminateOne sync.Once
}

// New wraps conn as a Session with the given id and initial display name.
// onTerminate is called exactly once when the session should be removed
// from the Hub (transport closed, slow-consumer threshold crossed, or an
// explicit disconnect request).
func New(id, displayName string, conn wsConn, onTerminate func(*Session)) *Session {
	s := &Session{
		id:          id,
		conn:        conn,
		connectedAt: time.Now().UTC(),
		outbound:    make(chan []byte, outboundCapacity),
		onTerminate: onTerminate,
	}
	s.displayName.Store(displayName)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) DisplayName() string {
	v, _ := s.displayName.Load().(string)
	return v
}

func (s *Session) SetDisplayName(name string) { s.displayName.Store(name) }

func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// CurrentRoom returns the room name the session currently occupies, or
// "" if none. Mutated only by Hub operations via SetCurrentRoom.
func (s *Session) CurrentRoom() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRoom
}

func (s *Session) SetCurrentRoom(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentRoom = name
}

// Enqueue is the non-blocking send path every room broadcast and direct
// notification goes through. A full queue drops the frame and counts
// toward the slow-consumer threshold; crossing it schedules termination
// without blocking the caller. Holding mu.RLock around the send keeps
// Close from closing the channel mid-send.
func (s *Session) Enqueue(frame []byte) bool {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false
	}
	select {
	case s.outbound <- frame:
		s.mu.RUnlock()
		s.consecutiveDrops.Store(0)
		return true
	default:
		s.mu.RUnlock()
		n := s.consecutiveDrops.Add(1)
		logging.Warn(context.Background(), "session outbound queue full, dropping frame",
			zap.String("session_id", s.id), zap.Int32("consecutive_drops", n))
		if n >= maxConsecutiveDrops {
			s.terminate()
		}
		return false
	}
}

// terminate invokes onTerminate exactly once. Safe to call from any
// goroutine (ReadPump ending, or Enqueue crossing the slow-consumer
// threshold). A failed write in WritePump closes the transport, which
// ends ReadPump and so reaches terminate that way.
func (s *Session) terminate() {
	s.terminateOne.Do(func() {
		if s.onTerminate != nil {
			s.onTerminate(s)
		}
	})
}

// Close idempotently marks the session dead, drains the outbound queue
// best-effort, and closes the transport. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.outbound)
	s.mu.Unlock()

	_ = s.conn.Close()
	metrics.ActiveSessions.Dec()
}

// ReadPump reads frames from the transport and hands each decoded payload
// to handle, until the connection errors or handle returns false (the
// dispatcher signalling a clean shutdown). It always ends by calling
// terminate so the Hub's disconnect sequence runs exactly once.
func (s *Session) ReadPump(handle func(raw []byte) (keepGoing bool)) {
	defer s.terminate()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !handle(data) {
			return
		}
	}
}

// WritePump drains the outbound queue to the transport and sends periodic
// pings, until the queue is closed or a write fails.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case frame, ok := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
