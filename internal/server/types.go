// Package server defines the wire-level event envelope, shared payload types,
// and utility helpers that are reused across client, hub, and handler logic.
package server

import (
	"encoding/json"
	"strings"
)

// Record type discriminators for entries in a room's history.
const (
	RecordTypeMessage = "message"
	RecordTypeFile    = "file"
)

// Inbound event names accepted over the WebSocket connection.
const (
	EventCreateRoom  = "create-room"
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventChatMessage = "chat message"
)

// Outbound event names emitted to connected clients.
const (
	EventRoomJoined   = "room-joined"
	EventRoomLeft     = "room-left"
	EventRoomNotFound = "room-not-found"
	EventUserJoined   = "user-joined"
	EventUserLeft     = "user-left"
	EventFileShared   = "file-shared"
	EventRoomDeleted  = "room-deleted"
	EventError        = "error"
)

// Envelope is the framing for every inbound WebSocket event. The data payload
// is kept raw so each handler can validate its own required fields.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outboundEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// marshalEvent frames an outbound event with its payload.
func marshalEvent(event string, data any) ([]byte, error) {
	return json.Marshal(outboundEnvelope{Event: event, Data: data})
}

// ChatRecord is a single entry in a room's history: either a chat message or
// a shared file. Records are append-only; they are never mutated after
// insertion, only evicted when the history bound is exceeded.
type ChatRecord struct {
	Type         string `json:"type"`
	Content      string `json:"content,omitempty"`
	Username     string `json:"username"`
	Timestamp    string `json:"timestamp"`
	Filename     string `json:"filename,omitempty"`
	OriginalName string `json:"originalname,omitempty"`
	Path         string `json:"path,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

// Inbound payload shapes. Each handler validates its required fields before
// touching room state.

type createRoomRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type joinRoomRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

// leaveRoomRequest carries only the room id; the username is derived from the
// membership map keyed by connection id rather than trusted from the client.
type leaveRoomRequest struct {
	RoomID string `json:"roomId"`
}

type chatMessageRequest struct {
	RoomID   string `json:"roomId"`
	Message  string `json:"message"`
	Username string `json:"username"`
}

// Outbound payload shapes.

type roomJoinedPayload struct {
	RoomID   string       `json:"roomId"`
	Users    []string     `json:"users"`
	Messages []ChatRecord `json:"messages"`
}

type userEventPayload struct {
	RoomID   string   `json:"roomId"`
	Username string   `json:"username"`
	Users    []string `json:"users"`
}

type roomEventPayload struct {
	RoomID string `json:"roomId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
