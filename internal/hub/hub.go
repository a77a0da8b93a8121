// Package hub implements the Hub: the process-wide registry of sessions
// and rooms, and the only place shared chat state is mutated. Every
// operation here runs under a single exclusive mutex; all transport I/O
// (session enqueues) happens after the relevant mutation is committed and
// the lock released.
package hub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatsignal/internal/bus"
	"chatsignal/internal/chatsession"
	"chatsignal/internal/logging"
	"chatsignal/internal/metrics"
	"chatsignal/internal/protocol"
	"chatsignal/internal/room"
	"chatsignal/internal/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRoomName is the immortal room created at hub startup. It is
// never removed, even when empty.
const DefaultRoomName = "General"

const (
	maxDisplayNameLen = 30
	maxRoomNameLen    = 50
)

// RejectReason identifies why register() refused a handshake.
type RejectReason string

const (
	RejectEmptyName   RejectReason = "EMPTY_NAME"
	RejectNameTooLong RejectReason = "NAME_TOO_LONG"
	RejectNameInUse   RejectReason = "NAME_IN_USE"
)

// Message returns the client-facing rejection text. Every rejection shares
// one message; the reason codes exist for logging and metrics only.
func (r RejectReason) Message() string { return msgInvalidOrTaken }

// Error messages sent to clients. The protocol's operational-error text
// is Spanish.
const (
	msgInvalidOrTaken   = "Nombre de usuario inválido o ya en uso"
	msgRoomExistsFmt    = "La sala '%s' ya existe"
	msgRoomMissingFmt   = "La sala '%s' no existe"
	msgNotInRoom        = "No estás en esta sala"
	msgRoomCreatedFmt   = "Se ha creado la sala '%s'"
	msgYouCreatedFmt    = "Has creado y te has unido a la sala '%s'"
	msgYouJoinedFmt     = "Te has unido a la sala '%s'"
)

// Hub is the authoritative in-memory registry of sessions and rooms.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*chatsession.Session
	rooms    map[string]*room.Room

	bus *bus.Service
}

// New builds a Hub with its immortal default room already created.
func New(busService *bus.Service) *Hub {
	h := &Hub{
		sessions: make(map[string]*chatsession.Session),
		rooms:    make(map[string]*room.Room),
		bus:      busService,
	}
	general := room.New(DefaultRoomName, "")
	h.rooms[DefaultRoomName] = general
	h.subscribeBus(general)
	metrics.ActiveRooms.Inc()
	return h
}

// ---------------------------------------------------------------------------
// register
// ---------------------------------------------------------------------------

// Register validates displayName and, on success, creates and indexes a
// new Session wrapping conn, then sends it a connection_ack followed by
// the current rooms_list. It does not join any room. onTerminate is
// forwarded to the Session and fires once when the session should be torn
// down.
func (h *Hub) Register(conn sessionConn, displayName string, onTerminate func(*chatsession.Session)) (*chatsession.Session, RejectReason, error) {
	ctx, span := tracing.Tracer.Start(context.Background(), "hub.register")
	defer span.End()

	name := strings.TrimSpace(displayName)
	if name == "" {
		metrics.HandshakeRejectedTotal.WithLabelValues(string(RejectEmptyName)).Inc()
		return nil, RejectEmptyName, nil
	}
	if len(name) > maxDisplayNameLen {
		metrics.HandshakeRejectedTotal.WithLabelValues(string(RejectNameTooLong)).Inc()
		return nil, RejectNameTooLong, nil
	}

	h.mu.Lock()
	for _, s := range h.sessions {
		if strings.EqualFold(s.DisplayName(), name) {
			h.mu.Unlock()
			metrics.HandshakeRejectedTotal.WithLabelValues(string(RejectNameInUse)).Inc()
			return nil, RejectNameInUse, nil
		}
	}

	id := uuid.NewString()[:8]
	sess := chatsession.New(id, name, conn, onTerminate)
	h.sessions[id] = sess
	rooms := h.roomsListLocked()
	h.mu.Unlock()

	metrics.ActiveSessions.Inc()
	logging.Info(logging.WithSession(ctx, id), "session registered", zap.String("display_name", name))

	sess.Enqueue(mustFrame(protocol.TypeConnectionAck, protocol.ConnectionAckPayload{Username: name, UserID: id}))
	sess.Enqueue(mustFrame(protocol.TypeRoomsList, rooms))
	return sess, "", nil
}

// sessionConn mirrors chatsession's unexported wsConn method set. Go
// interface satisfaction is structural, so any *websocket.Conn (or test
// fake) passed in here also satisfies chatsession.New's conn parameter
// without Hub importing gorilla/websocket directly.
type sessionConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ---------------------------------------------------------------------------
// room lifecycle
// ---------------------------------------------------------------------------

// notification is a single (frame, recipients) pair to deliver after the
// hub lock is released.
type notification struct {
	frame      []byte
	recipients []*chatsession.Session // nil means "all live sessions"
}

// CreateRoomAndJoin creates a room named rawName with sess as its sole
// member, leaving sess's current room first if it has one. Creating a room
// that already exists is an error to sess and changes nothing.
func (h *Hub) CreateRoomAndJoin(sess *chatsession.Session, rawName string) {
	ctx, span := tracing.Tracer.Start(context.Background(), "hub.create_room_and_join")
	defer span.End()
	ctx = logging.WithSession(ctx, sess.ID())

	name := strings.TrimSpace(rawName)
	if err := validateRoomName(name); err != "" {
		h.sendTo(sess, errorFrame(err))
		return
	}

	var notes []notification
	func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if _, exists := h.rooms[name]; exists {
			notes = append(notes, notification{frame: errorFrame(fmt.Sprintf(msgRoomExistsFmt, name)), recipients: []*chatsession.Session{sess}})
			return
		}

		if prev := sess.CurrentRoom(); prev != "" {
			h.leaveLocked(sess, prev, &notes)
		}

		r := room.New(name, sess.DisplayName())
		r.Add(sess)
		sess.SetCurrentRoom(name)
		h.rooms[name] = r
		h.subscribeBus(r)
		metrics.ActiveRooms.Inc()
		metrics.RoomParticipants.WithLabelValues(name).Set(1)

		notes = append(notes,
			notification{frame: systemFrame(fmt.Sprintf(msgRoomCreatedFmt, name), ""), recipients: nil},
			notification{frame: mustFrame(protocol.TypeRoomsList, h.roomsListLocked())},
			notification{frame: roomUsersFrame(name, r.MembersSnapshot()), recipients: []*chatsession.Session{sess}},
			notification{frame: systemFrame(fmt.Sprintf(msgYouCreatedFmt, name), name), recipients: []*chatsession.Session{sess}},
		)
	}()

	h.deliver(ctx, notes)
}

// JoinRoom moves sess into the room named rawName, leaving its current
// room first. Joining the room it is already in is a no-op; joining a
// missing room is an error to sess and changes nothing.
func (h *Hub) JoinRoom(sess *chatsession.Session, rawName string) {
	ctx, span := tracing.Tracer.Start(context.Background(), "hub.join_room")
	defer span.End()
	ctx = logging.WithSession(ctx, sess.ID())

	name := strings.TrimSpace(rawName)
	if sess.CurrentRoom() == name {
		return
	}

	var notes []notification
	func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		r, exists := h.rooms[name]
		if !exists {
			notes = append(notes, notification{frame: errorFrame(fmt.Sprintf(msgRoomMissingFmt, name)), recipients: []*chatsession.Session{sess}})
			return
		}

		if prev := sess.CurrentRoom(); prev != "" {
			h.leaveLocked(sess, prev, &notes)
		}

		r.Add(sess)
		sess.SetCurrentRoom(name)
		metrics.RoomParticipants.WithLabelValues(name).Set(float64(r.MemberCount()))

		notes = append(notes,
			notification{frame: userEventFrame(protocol.TypeUserJoined, sess.DisplayName(), name), recipients: h.membersExceptLocked(r, sess.ID())},
			notification{frame: roomUsersFrame(name, r.MembersSnapshot()), recipients: h.members(r)},
			notification{frame: systemFrame(fmt.Sprintf(msgYouJoinedFmt, name), name), recipients: []*chatsession.Session{sess}},
			notification{frame: mustFrame(protocol.TypeRoomsList, h.roomsListLocked())},
		)
	}()

	h.deliver(ctx, notes)
}

// LeaveRoom removes sess from the room named name, or from its current
// room when name is "". Returns false if the room is absent or sess is not
// a member.
func (h *Hub) LeaveRoom(sess *chatsession.Session, name string) bool {
	ctx, span := tracing.Tracer.Start(context.Background(), "hub.leave_room")
	defer span.End()
	ctx = logging.WithSession(ctx, sess.ID())

	if name == "" {
		name = sess.CurrentRoom()
	}

	var notes []notification
	var ok bool
	func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		r, exists := h.rooms[name]
		if !exists || !r.Has(sess.ID()) {
			ok = false
			return
		}
		ok = true
		h.leaveLocked(sess, name, &notes)
	}()

	h.deliver(ctx, notes)
	return ok
}

// leaveLocked performs the membership removal and queues its
// notifications. Caller must hold h.mu. It also handles the "move between
// rooms" case: join_room and create_room_and_join call this directly
// before adding the session to its new room.
func (h *Hub) leaveLocked(sess *chatsession.Session, name string, notes *[]notification) {
	r, exists := h.rooms[name]
	if !exists || !r.Remove(sess.ID()) {
		return
	}
	sess.SetCurrentRoom("")

	remaining := h.members(r)
	*notes = append(*notes, notification{
		frame:      userEventFrame(protocol.TypeUserLeft, sess.DisplayName(), name),
		recipients: remaining,
	})

	if len(remaining) > 0 {
		metrics.RoomParticipants.WithLabelValues(name).Set(float64(len(remaining)))
		*notes = append(*notes, notification{frame: roomUsersFrame(name, r.MembersSnapshot()), recipients: remaining})
		*notes = append(*notes, notification{frame: mustFrame(protocol.TypeRoomsList, h.roomsListLocked())})
		return
	}

	metrics.RoomParticipants.DeleteLabelValues(name)
	if name != DefaultRoomName {
		delete(h.rooms, name)
		r.Close()
		metrics.ActiveRooms.Dec()
	}
	*notes = append(*notes, notification{frame: mustFrame(protocol.TypeRoomsList, h.roomsListLocked())})
}

// ---------------------------------------------------------------------------
// chat
// ---------------------------------------------------------------------------

// BroadcastChat appends content to the room's history and fans it out to
// every member, sender included, so every client treats the
// server-stamped copy as canonical. Empty content is ignored; chatting in
// a room the sender is not a member of is an error to the sender only.
func (h *Hub) BroadcastChat(sess *chatsession.Session, roomName, content string) {
	ctx, span := tracing.Tracer.Start(context.Background(), "hub.broadcast_chat")
	defer span.End()
	ctx = logging.WithSession(ctx, sess.ID())

	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	if roomName == "" {
		roomName = sess.CurrentRoom()
	}

	h.mu.Lock()
	r, exists := h.rooms[roomName]
	if !exists || !r.Has(sess.ID()) {
		h.mu.Unlock()
		h.sendTo(sess, errorFrame(msgNotInRoom))
		return
	}
	r.AppendHistory(sess.DisplayName(), content)
	h.mu.Unlock()

	frame := mustFrame(protocol.TypeChatMessage, protocol.ChatMessagePayload{
		Username: sess.DisplayName(),
		RoomName: roomName,
		Content:  content,
	})
	r.Broadcast(frame, "")
	h.publishBus(ctx, r, frame, sess.ID())
}

// ListRooms sends a rooms_list snapshot to sess only.
func (h *Hub) ListRooms(sess *chatsession.Session) {
	h.mu.Lock()
	payload := h.roomsListLocked()
	h.mu.Unlock()
	h.sendTo(sess, mustFrame(protocol.TypeRoomsList, payload))
}

// Disconnect leaves the session's current room if any, removes it from
// the registry, and closes its transport.
// Idempotent: calling it more than once for the same session is a no-op
// after the first call.
func (h *Hub) Disconnect(sess *chatsession.Session) {
	ctx, span := tracing.Tracer.Start(context.Background(), "hub.disconnect")
	defer span.End()
	ctx = logging.WithSession(ctx, sess.ID())

	if room := sess.CurrentRoom(); room != "" {
		h.LeaveRoom(sess, room)
	}

	h.mu.Lock()
	_, existed := h.sessions[sess.ID()]
	delete(h.sessions, sess.ID())
	h.mu.Unlock()

	if existed {
		logging.Info(ctx, "session disconnected")
	}
	sess.Close()
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func validateRoomName(name string) string {
	if name == "" {
		return "El nombre de la sala no puede estar vacío"
	}
	if len(name) > maxRoomNameLen {
		return "El nombre de la sala es demasiado largo"
	}
	return ""
}

// roomsListLocked builds a rooms_list snapshot. Caller must hold h.mu.
func (h *Hub) roomsListLocked() protocol.RoomsListPayload {
	out := make([]protocol.RoomSummary, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, protocol.RoomSummary{
			Name:      r.Name,
			CreatedBy: r.CreatedBy,
			CreatedAt: r.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			UserCount: r.MemberCount(),
			Users:     r.MembersSnapshot(),
		})
	}
	return protocol.RoomsListPayload{Rooms: out}
}

// members resolves a room's membership to concrete *chatsession.Session
// values for a notification's recipient list. Caller must hold h.mu.
func (h *Hub) members(r *room.Room) []*chatsession.Session {
	return h.membersExceptLocked(r, "")
}

// membersExceptLocked resolves room membership excluding one session id.
// Caller must hold h.mu.
func (h *Hub) membersExceptLocked(r *room.Room, exclude string) []*chatsession.Session {
	ids := r.MemberIDs()
	out := make([]*chatsession.Session, 0, len(ids))
	for _, id := range ids {
		if id == exclude {
			continue
		}
		if s, ok := h.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (h *Hub) sendTo(sess *chatsession.Session, frame []byte) {
	sess.Enqueue(frame)
}

func (h *Hub) deliver(ctx context.Context, notes []notification) {
	for _, n := range notes {
		if n.recipients == nil {
			h.mu.Lock()
			all := make([]*chatsession.Session, 0, len(h.sessions))
			for _, s := range h.sessions {
				all = append(all, s)
			}
			h.mu.Unlock()
			for _, s := range all {
				s.Enqueue(n.frame)
			}
			continue
		}
		for _, s := range n.recipients {
			if s == nil {
				continue
			}
			s.Enqueue(n.frame)
		}
	}
}

func (h *Hub) subscribeBus(r *room.Room) {
	if h.bus == nil {
		return
	}
	h.bus.Subscribe(r.Context(), r.Name, nil, func(evt bus.Event) {
		// Redis also delivers this process's own publishes back to it; a
		// sender that is a session on this hub was already broadcast locally.
		h.mu.Lock()
		_, local := h.sessions[evt.SenderID]
		h.mu.Unlock()
		if local {
			return
		}
		r.Broadcast(evt.Frame, "")
	})
}

func (h *Hub) publishBus(ctx context.Context, r *room.Room, frame []byte, senderID string) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(ctx, r.Name, frame, senderID); err != nil {
		logging.Warn(ctx, "bus publish failed", zap.Error(err))
	}
}

func mustFrame(t protocol.MessageType, payload any) []byte {
	f, err := protocol.NewFrame(t, payload)
	if err != nil {
		return nil
	}
	data, _ := f.Encode()
	return data
}

func errorFrame(message string) []byte {
	return mustFrame(protocol.TypeError, protocol.ErrorPayload{Message: message})
}

func systemFrame(content, roomName string) []byte {
	return mustFrame(protocol.TypeSystemMessage, protocol.SystemMessagePayload{Content: content, RoomName: roomName})
}

func userEventFrame(t protocol.MessageType, username, roomName string) []byte {
	switch t {
	case protocol.TypeUserJoined:
		return mustFrame(t, protocol.UserJoinedPayload{Username: username, RoomName: roomName})
	default:
		return mustFrame(t, protocol.UserLeftPayload{Username: username, RoomName: roomName})
	}
}

func roomUsersFrame(roomName string, users []string) []byte {
	return mustFrame(protocol.TypeRoomUsers, protocol.RoomUsersPayload{RoomName: roomName, Users: users})
}
