// Package server routes inbound real-time events through the room state
// machine: join, leave, chat, room creation, and the disconnect sweep.
//
// Every compound operation runs inside the target room's Update section so
// the mutation and the broadcast announcing it form one non-interleaved
// step. Room existence is re-validated inside that section whenever it was
// established before a suspend point (password hashing, channel handoff).
package server

import (
	"encoding/json"
	"errors"
	"log"
	"strings"
)

const unauthorizedJoinMessage = "Unauthorized: verify the room password before joining"

// routeEvent dispatches a decoded envelope to the matching handler. Unknown
// event names are answered with a generic error so clients can detect
// protocol drift.
func (h *Hub) routeEvent(c *Client, env Envelope) {
	switch env.Event {
	case EventCreateRoom:
		h.handleCreateRoom(c, env.Data)
	case EventJoinRoom:
		h.handleJoinRoom(c, env.Data)
	case EventLeaveRoom:
		h.handleLeaveRoom(c, env.Data)
	case EventChatMessage:
		h.handleChatMessage(c, env.Data)
	default:
		log.Printf("Unknown event %q from %s", env.Event, c.addr)
		h.sendEvent(c, EventError, errorPayload{Message: "Unknown event"})
	}
}

// handleCreateRoom creates a room over the socket and immediately joins the
// creator. It mirrors the HTTP create endpoint: the creator proves knowledge
// of the password by choosing it and is authorized as part of creation.
func (h *Hub) handleCreateRoom(c *Client, data json.RawMessage) {
	var req createRoomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendEvent(c, EventError, errorPayload{Message: "Invalid create-room payload"})
		return
	}

	if strings.TrimSpace(req.RoomID) == "" || strings.TrimSpace(req.Username) == "" || req.Password == "" {
		h.sendEvent(c, EventError, errorPayload{Message: "roomId, username and password are required"})
		return
	}

	room, err := h.registry.Create(req.RoomID, req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, ErrRoomExists):
			h.sendEvent(c, EventError, errorPayload{Message: "Room ID already exists"})
		case errors.Is(err, ErrInvalidUsername):
			h.sendEvent(c, EventError, errorPayload{Message: "Please enter a valid username"})
		default:
			log.Printf("Error creating room %q for %s: %v", req.RoomID, c.addr, err)
			h.sendEvent(c, EventError, errorPayload{Message: "Failed to create room"})
		}
		return
	}

	h.joinRoom(c, room, req.Username)
}

// handleJoinRoom performs the Authorized-Offline to Joined transition.
// Unknown rooms get a distinct room-not-found signal so clients can offer
// room-creation UX; unauthorized usernames get a generic error.
func (h *Hub) handleJoinRoom(c *Client, data json.RawMessage) {
	var req joinRoomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendEvent(c, EventError, errorPayload{Message: "Invalid join-room payload"})
		return
	}

	room, ok := h.registry.Get(req.RoomID)
	if !ok {
		h.sendEvent(c, EventRoomNotFound, roomEventPayload{RoomID: req.RoomID})
		return
	}

	h.joinRoom(c, room, req.Username)
}

// joinRoom commits membership and fans out the join notifications: the
// joiner receives room-joined with the member list and recent history, every
// other member receives user-joined.
func (h *Hub) joinRoom(c *Client, room *Room, username string) {
	roomID := room.ID()

	room.Update(func() {
		// The room may have been reclaimed between lookup and commit.
		if _, ok := h.registry.Get(roomID); !ok {
			h.sendEvent(c, EventRoomNotFound, roomEventPayload{RoomID: roomID})
			return
		}

		if !room.Join(c.id, username) {
			h.sendEvent(c, EventError, errorPayload{Message: unauthorizedJoinMessage})
			return
		}

		c.trackJoin(roomID)
		h.joinGroup(roomID, c)

		users := room.MemberUsernames()
		h.sendEvent(c, EventRoomJoined, roomJoinedPayload{
			RoomID:   roomID,
			Users:    users,
			Messages: room.RecentMessages(),
		})
		h.broadcastToGroup(roomID, c, EventUserJoined, userEventPayload{
			RoomID:   roomID,
			Username: username,
			Users:    users,
		})
	})
}

// handleLeaveRoom performs the Joined to Authorized-Offline transition for
// an explicit leave. The username is derived from the membership map; a
// leave for a room the connection never joined is a no-op.
func (h *Hub) handleLeaveRoom(c *Client, data json.RawMessage) {
	var req leaveRoomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendEvent(c, EventError, errorPayload{Message: "Invalid leave-room payload"})
		return
	}

	room, ok := h.registry.Get(req.RoomID)
	if !ok {
		return
	}

	room.Update(func() {
		username, ok := room.Leave(c.id)
		if !ok {
			return
		}

		c.trackLeave(room.ID())
		h.leaveGroup(room.ID(), c)

		h.broadcastToGroup(room.ID(), nil, EventUserLeft, userEventPayload{
			RoomID:   room.ID(),
			Username: username,
			Users:    room.MemberUsernames(),
		})
		h.sendEvent(c, EventRoomLeft, roomEventPayload{RoomID: room.ID()})

		h.armCleanupIfEmpty(room)
	})
}

// handleChatMessage accepts a message only from an authorized username.
// Unauthorized attempts are dropped silently: no broadcast, no error, so
// probing cannot reveal whether a room exists. On acceptance the record is
// appended to history and broadcast verbatim to the whole group, sender
// included.
func (h *Hub) handleChatMessage(c *Client, data json.RawMessage) {
	var req chatMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	room, ok := h.registry.Get(req.RoomID)
	if !ok {
		return
	}

	room.Update(func() {
		if !room.IsAuthorized(req.Username) {
			return
		}

		record := room.AppendMessage(ChatRecord{
			Type:     RecordTypeMessage,
			Content:  req.Message,
			Username: req.Username,
		})
		h.broadcastToGroup(room.ID(), nil, EventChatMessage, record)
	})
}

// handleDisconnect sweeps every room the disconnecting connection was a
// member of, performing the same transition as an explicit leave except that
// no room-left acknowledgment is sent to the unreachable connection.
func (h *Hub) handleDisconnect(c *Client) {
	if c == nil {
		return
	}

	for _, roomID := range c.joinedRooms() {
		room, ok := h.registry.Get(roomID)
		if !ok {
			c.trackLeave(roomID)
			continue
		}

		room.Update(func() {
			username, ok := room.Leave(c.id)
			if !ok {
				return
			}

			c.trackLeave(roomID)
			h.leaveGroup(roomID, c)

			h.broadcastToGroup(roomID, nil, EventUserLeft, userEventPayload{
				RoomID:   roomID,
				Username: username,
				Users:    room.MemberUsernames(),
			})

			h.armCleanupIfEmpty(room)
		})
	}
}

// ShareFile validates an uploaded file's authorization against the room,
// appends it to history, and broadcasts it under the file-shared event so
// clients can render attachments differently from plain chat. The completed
// record, with server-assigned timestamp, is returned to the uploader.
func (h *Hub) ShareFile(roomID, username string, rec ChatRecord) (ChatRecord, error) {
	room, ok := h.registry.Get(roomID)
	if !ok {
		return ChatRecord{}, ErrRoomNotFound
	}

	var (
		shared  ChatRecord
		procErr error
	)
	room.Update(func() {
		// Storage writes happened before this point; re-check that the room
		// still exists before committing.
		if _, ok := h.registry.Get(roomID); !ok {
			procErr = ErrRoomNotFound
			return
		}
		if !room.IsAuthorized(username) {
			procErr = ErrNotAuthorized
			return
		}

		rec.Type = RecordTypeFile
		rec.Username = username
		shared = room.AppendMessage(rec)
		h.broadcastToGroup(roomID, nil, EventFileShared, shared)
	})

	return shared, procErr
}

// armCleanupIfEmpty arms the room's deferred cleanup when the last member
// has left. The timer re-checks emptiness on fire; deletion then removes the
// room from the registry and notifies every connection so room listings
// update everywhere.
func (h *Hub) armCleanupIfEmpty(room *Room) {
	if room.MemberCount() > 0 {
		return
	}

	room.ArmCleanup(h.cleanupWindow, func() {
		h.deleteIdleRoom(room)
	})
}

// deleteIdleRoom removes a quiesced room. The emptiness re-check runs inside
// the room's Update section so a join racing the timer either lands first
// and aborts the deletion, or observes room-not-found afterwards.
func (h *Hub) deleteIdleRoom(room *Room) {
	roomID := room.ID()

	room.Update(func() {
		if room.MemberCount() > 0 {
			return
		}
		if _, ok := h.registry.Get(roomID); !ok {
			return
		}

		h.registry.Remove(roomID)
		h.dropGroup(roomID)
		log.Printf("Room %q reclaimed after quiescence window", roomID)
		h.broadcastAll(EventRoomDeleted, roomEventPayload{RoomID: roomID})
	})
}
