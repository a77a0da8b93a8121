// Package protocol defines the wire format exchanged between chat clients
// and the server: a framed, newline-free JSON object per message, carried
// over a WebSocket connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of frame being sent.
type MessageType string

const (
	// Client -> Server
	TypeConnect    MessageType = "connect"
	TypeDisconnect MessageType = "disconnect"
	TypeCreateRoom MessageType = "create_room"
	TypeJoinRoom   MessageType = "join_room"
	TypeLeaveRoom  MessageType = "leave_room"
	TypeListRooms  MessageType = "list_rooms"

	// Server -> Client
	TypeConnectionAck   MessageType = "connection_ack"
	TypeConnectionError MessageType = "connection_error"
	TypeRoomsList       MessageType = "rooms_list"
	TypeRoomUsers       MessageType = "room_users"
	TypeSystemMessage   MessageType = "system_message"
	TypeUserJoined      MessageType = "user_joined"
	TypeUserLeft        MessageType = "user_left"
	TypeError           MessageType = "error"

	// Both directions
	TypeChatMessage MessageType = "chat_message"
)

// Frame is the top-level wire format. Every frame is a standalone JSON
// object with exactly these three fields.
type Frame struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// NewFrame marshals payload and stamps the frame with the current time.
func NewFrame(t MessageType, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload for %s: %w", t, err)
	}
	return &Frame{
		Type:      t,
		Payload:   raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// Encode returns the JSON bytes for f.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses raw bytes into a Frame. It fails only on malformed
// JSON or a missing/empty type tag; unknown tags decode successfully and
// are left for the dispatcher to handle on the same connection.
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("protocol: missing type tag")
	}
	return &f, nil
}

// ---------------------------------------------------------------------------
// Payload types
// ---------------------------------------------------------------------------

type ConnectPayload struct {
	Username string `json:"username"`
}

type DisconnectPayload struct {
	Username string `json:"username"`
}

type ConnectionAckPayload struct {
	Username string `json:"username"`
	UserID   string `json:"user_id"`
}

type ConnectionErrorPayload struct {
	Reason string `json:"reason"`
}

type CreateRoomPayload struct {
	RoomName string `json:"room_name"`
}

type JoinRoomPayload struct {
	RoomName string `json:"room_name"`
}

type LeaveRoomPayload struct {
	RoomName string `json:"room_name,omitempty"`
}

type ListRoomsPayload struct{}

// RoomSummary is one entry of a rooms_list snapshot.
type RoomSummary struct {
	Name      string   `json:"name"`
	CreatedBy string   `json:"created_by"`
	CreatedAt string   `json:"created_at"`
	UserCount int      `json:"user_count"`
	Users     []string `json:"users"`
}

type RoomsListPayload struct {
	Rooms []RoomSummary `json:"rooms"`
}

type RoomUsersPayload struct {
	RoomName string   `json:"room_name"`
	Users    []string `json:"users"`
}

type ChatMessagePayload struct {
	Username string `json:"username"`
	RoomName string `json:"room_name"`
	Content  string `json:"content"`
}

type SystemMessagePayload struct {
	Content  string `json:"content"`
	RoomName string `json:"room_name,omitempty"`
}

type UserJoinedPayload struct {
	Username string `json:"username"`
	RoomName string `json:"room_name"`
}

type UserLeftPayload struct {
	Username string `json:"username"`
	RoomName string `json:"room_name"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
