package server

import (
	"errors"
	"testing"
	"time"
)

// joinAs authorizes a username, routes a join-room event for it, and consumes
// the resulting room-joined acknowledgment.
func joinAs(t *testing.T, hub *Hub, client *Client, roomID, username string) {
	t.Helper()

	room, ok := hub.registry.Get(roomID)
	if !ok {
		t.Fatalf("Room %q not found", roomID)
	}
	if err := room.Authorize(username); err != nil {
		t.Fatalf("Failed to authorize %q: %v", username, err)
	}

	hub.routeEvent(client, Envelope{
		Event: EventJoinRoom,
		Data:  mustJSON(t, joinRoomRequest{RoomID: roomID, Username: username}),
	})

	env := recvEvent(t, client)
	if env.Event != EventRoomJoined {
		t.Fatalf("Expected %q event, got %q", EventRoomJoined, env.Event)
	}
}

// TestCreateRoomEvent verifies the socket create path registers the room and
// lands the creator inside it.
func TestCreateRoomEvent(t *testing.T) {
	hub := newTestHub(time.Hour)
	client := attachClient(hub, "127.0.0.1:1001")

	hub.routeEvent(client, Envelope{
		Event: EventCreateRoom,
		Data:  mustJSON(t, createRoomRequest{RoomID: "alpha", Username: "alice", Password: "p1"}),
	})

	env := recvEvent(t, client)
	if env.Event != EventRoomJoined {
		t.Fatalf("Expected %q event, got %q", EventRoomJoined, env.Event)
	}

	var payload roomJoinedPayload
	decodeData(t, env, &payload)
	if payload.RoomID != "alpha" {
		t.Errorf("RoomID = %q, want %q", payload.RoomID, "alpha")
	}
	if len(payload.Users) != 1 || payload.Users[0] != "alice" {
		t.Errorf("Users = %v, want [alice]", payload.Users)
	}
	if len(payload.Messages) != 0 {
		t.Errorf("Expected empty history, got %d records", len(payload.Messages))
	}

	room, ok := hub.registry.Get("alpha")
	if !ok {
		t.Fatal("Expected room to be registered")
	}
	if room.MemberCount() != 1 {
		t.Errorf("MemberCount = %d, want 1", room.MemberCount())
	}
}

// TestCreateRoomEventDuplicate verifies a duplicate id is reported over the
// socket without disturbing the original room.
func TestCreateRoomEventDuplicate(t *testing.T) {
	hub := newTestHub(time.Hour)
	client := attachClient(hub, "127.0.0.1:1001")

	if _, err := hub.registry.Create("alpha", "alice", "p1"); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	hub.routeEvent(client, Envelope{
		Event: EventCreateRoom,
		Data:  mustJSON(t, createRoomRequest{RoomID: "alpha", Username: "bob", Password: "p2"}),
	})

	env := recvEvent(t, client)
	if env.Event != EventError {
		t.Fatalf("Expected %q event, got %q", EventError, env.Event)
	}
	var payload errorPayload
	decodeData(t, env, &payload)
	if payload.Message != "Room ID already exists" {
		t.Errorf("Message = %q, want %q", payload.Message, "Room ID already exists")
	}
}

// TestCreateRoomEventValidation verifies blank fields are rejected before any
// room state changes.
func TestCreateRoomEventValidation(t *testing.T) {
	hub := newTestHub(time.Hour)
	client := attachClient(hub, "127.0.0.1:1001")

	hub.routeEvent(client, Envelope{
		Event: EventCreateRoom,
		Data:  mustJSON(t, createRoomRequest{RoomID: "alpha", Username: "", Password: "p1"}),
	})

	env := recvEvent(t, client)
	if env.Event != EventError {
		t.Fatalf("Expected %q event, got %q", EventError, env.Event)
	}
	if hub.registry.Len() != 0 {
		t.Errorf("Expected no rooms, got %d", hub.registry.Len())
	}
}

// TestJoinUnknownRoom verifies the distinct room-not-found signal.
func TestJoinUnknownRoom(t *testing.T) {
	hub := newTestHub(time.Hour)
	client := attachClient(hub, "127.0.0.1:1001")

	hub.routeEvent(client, Envelope{
		Event: EventJoinRoom,
		Data:  mustJSON(t, joinRoomRequest{RoomID: "ghost", Username: "alice"}),
	})

	env := recvEvent(t, client)
	if env.Event != EventRoomNotFound {
		t.Fatalf("Expected %q event, got %q", EventRoomNotFound, env.Event)
	}
	var payload roomEventPayload
	decodeData(t, env, &payload)
	if payload.RoomID != "ghost" {
		t.Errorf("RoomID = %q, want %q", payload.RoomID, "ghost")
	}
}

// TestJoinWithoutAuthorization verifies an unverified username is turned away
// with a generic error and never enters the room.
func TestJoinWithoutAuthorization(t *testing.T) {
	hub := newTestHub(time.Hour)
	client := attachClient(hub, "127.0.0.1:1001")

	room, err := hub.registry.Create("alpha", "alice", "p1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	hub.routeEvent(client, Envelope{
		Event: EventJoinRoom,
		Data:  mustJSON(t, joinRoomRequest{RoomID: "alpha", Username: "bob"}),
	})

	env := recvEvent(t, client)
	if env.Event != EventError {
		t.Fatalf("Expected %q event, got %q", EventError, env.Event)
	}
	var payload errorPayload
	decodeData(t, env, &payload)
	if payload.Message != unauthorizedJoinMessage {
		t.Errorf("Message = %q, want %q", payload.Message, unauthorizedJoinMessage)
	}
	if room.MemberCount() != 0 {
		t.Errorf("MemberCount = %d, want 0", room.MemberCount())
	}
}

// TestJoinNotifiesExistingMembers verifies the joiner gets room-joined with
// history while everyone already present gets user-joined, and only them.
func TestJoinNotifiesExistingMembers(t *testing.T) {
	hub := newTestHub(time.Hour)
	alice := attachClient(hub, "127.0.0.1:1001")
	bob := attachClient(hub, "127.0.0.1:1002")

	room, err := hub.registry.Create("alpha", "alice", "p1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	room.AppendMessage(ChatRecord{Type: RecordTypeMessage, Content: "welcome", Username: "alice"})

	joinAs(t, hub, alice, "alpha", "alice")

	if err := room.Authorize("bob"); err != nil {
		t.Fatalf("Failed to authorize bob: %v", err)
	}
	hub.routeEvent(bob, Envelope{
		Event: EventJoinRoom,
		Data:  mustJSON(t, joinRoomRequest{RoomID: "alpha", Username: "bob"}),
	})

	env := recvEvent(t, bob)
	if env.Event != EventRoomJoined {
		t.Fatalf("Expected %q for joiner, got %q", EventRoomJoined, env.Event)
	}
	var joined roomJoinedPayload
	decodeData(t, env, &joined)
	if len(joined.Users) != 2 {
		t.Errorf("Users = %v, want two entries", joined.Users)
	}
	if len(joined.Messages) != 1 || joined.Messages[0].Content != "welcome" {
		t.Errorf("Messages = %v, want the single welcome record", joined.Messages)
	}

	env = recvEvent(t, alice)
	if env.Event != EventUserJoined {
		t.Fatalf("Expected %q for existing member, got %q", EventUserJoined, env.Event)
	}
	var notice userEventPayload
	decodeData(t, env, &notice)
	if notice.Username != "bob" {
		t.Errorf("Username = %q, want %q", notice.Username, "bob")
	}

	// The joiner must not also receive the user-joined broadcast.
	assertNoEvent(t, bob)
}

// TestChatMessageFanOut verifies an accepted message reaches every member,
// sender included, and lands in history with a server timestamp.
func TestChatMessageFanOut(t *testing.T) {
	hub := newTestHub(time.Hour)
	alice := attachClient(hub, "127.0.0.1:1001")
	bob := attachClient(hub, "127.0.0.1:1002")

	room, err := hub.registry.Create("alpha", "alice", "p1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	joinAs(t, hub, alice, "alpha", "alice")
	joinAs(t, hub, bob, "alpha", "bob")
	recvEvent(t, alice) // drain user-joined for bob

	hub.routeEvent(alice, Envelope{
		Event: EventChatMessage,
		Data:  mustJSON(t, chatMessageRequest{RoomID: "alpha", Message: "hello", Username: "alice"}),
	})

	for _, client := range []*Client{alice, bob} {
		env := recvEvent(t, client)
		if env.Event != EventChatMessage {
			t.Fatalf("Expected %q event, got %q", EventChatMessage, env.Event)
		}
		var record ChatRecord
		decodeData(t, env, &record)
		if record.Content != "hello" || record.Username != "alice" {
			t.Errorf("Record = %+v, want content hello from alice", record)
		}
		if record.Timestamp == "" {
			t.Error("Expected server-assigned timestamp")
		}
	}

	if got := len(room.RecentMessages()); got != 1 {
		t.Errorf("History length = %d, want 1", got)
	}
}

// TestChatMessageUnauthorizedIsSilent verifies an unauthorized message is
// dropped without any broadcast, error, or history mutation.
func TestChatMessageUnauthorizedIsSilent(t *testing.T) {
	hub := newTestHub(time.Hour)
	alice := attachClient(hub, "127.0.0.1:1001")
	mallory := attachClient(hub, "127.0.0.1:1002")

	room, err := hub.registry.Create("alpha", "alice", "p1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	joinAs(t, hub, alice, "alpha", "alice")

	hub.routeEvent(mallory, Envelope{
		Event: EventChatMessage,
		Data:  mustJSON(t, chatMessageRequest{RoomID: "alpha", Message: "intrusion", Username: "mallory"}),
	})

	assertNoEvent(t, mallory)
	assertNoEvent(t, alice)
	if got := len(room.RecentMessages()); got != 0 {
		t.Errorf("History length = %d, want 0", got)
	}
}

// TestLeaveRoomNotifications verifies the leaver gets room-left, the rest get
// user-left, and the room's cleanup arms once it empties.
func TestLeaveRoomNotifications(t *testing.T) {
	hub := newTestHub(time.Hour)
	alice := attachClient(hub, "127.0.0.1:1001")
	bob := attachClient(hub, "127.0.0.1:1002")

	room, err := hub.registry.Create("alpha", "alice", "p1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	joinAs(t, hub, alice, "alpha", "alice")
	joinAs(t, hub, bob, "alpha", "bob")
	recvEvent(t, alice) // drain user-joined for bob

	hub.routeEvent(bob, Envelope{
		Event: EventLeaveRoom,
		Data:  mustJSON(t, leaveRoomRequest{RoomID: "alpha"}),
	})

	env := recvEvent(t, alice)
	if env.Event != EventUserLeft {
		t.Fatalf("Expected %q for remaining member, got %q", EventUserLeft, env.Event)
	}
	var notice userEventPayload
	decodeData(t, env, &notice)
	if notice.Username != "bob" {
		t.Errorf("Username = %q, want %q", notice.Username, "bob")
	}
	if len(notice.Users) != 1 || notice.Users[0] != "alice" {
		t.Errorf("Users = %v, want [alice]", notice.Users)
	}

	env = recvEvent(t, bob)
	if env.Event != EventRoomLeft {
		t.Fatalf("Expected %q for leaver, got %q", EventRoomLeft, env.Event)
	}

	if room.CleanupArmed() {
		t.Error("Cleanup must not arm while a member remains")
	}

	hub.routeEvent(alice, Envelope{
		Event: EventLeaveRoom,
		Data:  mustJSON(t, leaveRoomRequest{RoomID: "alpha"}),
	})
	recvEvent(t, alice) // room-left

	if !room.CleanupArmed() {
		t.Error("Expected cleanup to arm on the emptied room")
	}
	if _, ok := hub.registry.Get("alpha"); !ok {
		t.Error("Room must survive until the quiescence window elapses")
	}
}

// TestLeaveRoomWithoutMembership verifies leaving a room the connection never
// joined produces no events.
func TestLeaveRoomWithoutMembership(t *testing.T) {
	hub := newTestHub(time.Hour)
	client := attachClient(hub, "127.0.0.1:1001")

	if _, err := hub.registry.Create("alpha", "alice", "p1"); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	hub.routeEvent(client, Envelope{
		Event: EventLeaveRoom,
		Data:  mustJSON(t, leaveRoomRequest{RoomID: "alpha"}),
	})
	assertNoEvent(t, client)

	hub.routeEvent(client, Envelope{
		Event: EventLeaveRoom,
		Data:  mustJSON(t, leaveRoomRequest{RoomID: "ghost"}),
	})
	assertNoEvent(t, client)
}

// TestDisconnectSweep verifies a dropped connection is swept from every room
// it occupied, with user-left notices to the remaining members and no
// acknowledgment to the unreachable connection.
func TestDisconnectSweep(t *testing.T) {
	hub := newTestHub(time.Hour)
	alice := attachClient(hub, "127.0.0.1:1001")
	bob := attachClient(hub, "127.0.0.1:1002")

	for _, id := range []string{"alpha", "beta"} {
		if _, err := hub.registry.Create(id, "alice", "p1"); err != nil {
			t.Fatalf("Create(%q) returned error: %v", id, err)
		}
		joinAs(t, hub, alice, id, "alice")
	}
	joinAs(t, hub, bob, "alpha", "bob")
	recvEvent(t, alice) // drain user-joined for bob

	hub.handleDisconnect(alice)

	env := recvEvent(t, bob)
	if env.Event != EventUserLeft {
		t.Fatalf("Expected %q event, got %q", EventUserLeft, env.Event)
	}
	var notice userEventPayload
	decodeData(t, env, &notice)
	if notice.Username != "alice" || notice.RoomID != "alpha" {
		t.Errorf("Notice = %+v, want alice leaving alpha", notice)
	}

	alpha, _ := hub.registry.Get("alpha")
	beta, _ := hub.registry.Get("beta")
	if alpha.MemberCount() != 1 {
		t.Errorf("alpha MemberCount = %d, want 1", alpha.MemberCount())
	}
	if beta.MemberCount() != 0 {
		t.Errorf("beta MemberCount = %d, want 0", beta.MemberCount())
	}
	if alpha.CleanupArmed() {
		t.Error("alpha cleanup must not arm while bob remains")
	}
	if !beta.CleanupArmed() {
		t.Error("Expected beta cleanup to arm after the sweep emptied it")
	}
	if len(alice.joinedRooms()) != 0 {
		t.Errorf("joinedRooms = %v, want empty", alice.joinedRooms())
	}
}

// TestIdleRoomDeletion verifies an emptied room is reclaimed after the
// quiescence window and that the deletion notice reaches every connection,
// members or not.
func TestIdleRoomDeletion(t *testing.T) {
	hub := newTestHub(30 * time.Millisecond)
	alice := attachClient(hub, "127.0.0.1:1001")
	observer := attachClient(hub, "127.0.0.1:1002")

	if _, err := hub.registry.Create("alpha", "alice", "p1"); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	joinAs(t, hub, alice, "alpha", "alice")

	hub.routeEvent(alice, Envelope{
		Event: EventLeaveRoom,
		Data:  mustJSON(t, leaveRoomRequest{RoomID: "alpha"}),
	})
	recvEvent(t, alice) // room-left

	env := recvEvent(t, observer)
	if env.Event != EventRoomDeleted {
		t.Fatalf("Expected %q event, got %q", EventRoomDeleted, env.Event)
	}
	var payload roomEventPayload
	decodeData(t, env, &payload)
	if payload.RoomID != "alpha" {
		t.Errorf("RoomID = %q, want %q", payload.RoomID, "alpha")
	}

	env = recvEvent(t, alice)
	if env.Event != EventRoomDeleted {
		t.Fatalf("Expected %q for former member, got %q", EventRoomDeleted, env.Event)
	}

	if _, ok := hub.registry.Get("alpha"); ok {
		t.Error("Expected room to be removed from the registry")
	}
}

// TestRejoinCancelsDeletion verifies a rejoin inside the quiescence window
// keeps the room alive.
func TestRejoinCancelsDeletion(t *testing.T) {
	hub := newTestHub(60 * time.Millisecond)
	alice := attachClient(hub, "127.0.0.1:1001")

	if _, err := hub.registry.Create("alpha", "alice", "p1"); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	joinAs(t, hub, alice, "alpha", "alice")

	hub.routeEvent(alice, Envelope{
		Event: EventLeaveRoom,
		Data:  mustJSON(t, leaveRoomRequest{RoomID: "alpha"}),
	})
	recvEvent(t, alice) // room-left

	joinAs(t, hub, alice, "alpha", "alice")

	time.Sleep(150 * time.Millisecond)
	if _, ok := hub.registry.Get("alpha"); !ok {
		t.Error("Room was reclaimed despite an active member")
	}
	assertNoEvent(t, alice)
}

// TestShareFile verifies authorization gating and the file-shared broadcast.
func TestShareFile(t *testing.T) {
	hub := newTestHub(time.Hour)
	alice := attachClient(hub, "127.0.0.1:1001")

	room, err := hub.registry.Create("alpha", "alice", "p1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	joinAs(t, hub, alice, "alpha", "alice")

	rec := ChatRecord{
		Filename:     "abc123.png",
		OriginalName: "cat.png",
		Path:         "/uploads/abc123.png",
		MimeType:     "image/png",
		Size:         512,
	}

	if _, err := hub.ShareFile("ghost", "alice", rec); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("ShareFile on unknown room = %v, want ErrRoomNotFound", err)
	}
	if _, err := hub.ShareFile("alpha", "mallory", rec); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("ShareFile from unauthorized username = %v, want ErrNotAuthorized", err)
	}
	assertNoEvent(t, alice)

	shared, err := hub.ShareFile("alpha", "alice", rec)
	if err != nil {
		t.Fatalf("ShareFile returned error: %v", err)
	}
	if shared.Type != RecordTypeFile || shared.Username != "alice" {
		t.Errorf("Shared record = %+v, want file type from alice", shared)
	}
	if shared.Timestamp == "" {
		t.Error("Expected server-assigned timestamp")
	}

	env := recvEvent(t, alice)
	if env.Event != EventFileShared {
		t.Fatalf("Expected %q event, got %q", EventFileShared, env.Event)
	}
	var record ChatRecord
	decodeData(t, env, &record)
	if record.Path != "/uploads/abc123.png" || record.MimeType != "image/png" {
		t.Errorf("Broadcast record = %+v", record)
	}

	history := room.RecentMessages()
	if len(history) != 1 || history[0].Type != RecordTypeFile {
		t.Errorf("History = %+v, want the single file record", history)
	}
}

// TestUnknownEvent verifies protocol drift is answered with a generic error.
func TestUnknownEvent(t *testing.T) {
	hub := newTestHub(time.Hour)
	client := attachClient(hub, "127.0.0.1:1001")

	hub.routeEvent(client, Envelope{Event: "teleport", Data: mustJSON(t, struct{}{})})

	env := recvEvent(t, client)
	if env.Event != EventError {
		t.Fatalf("Expected %q event, got %q", EventError, env.Event)
	}
	var payload errorPayload
	decodeData(t, env, &payload)
	if payload.Message != "Unknown event" {
		t.Errorf("Message = %q, want %q", payload.Message, "Unknown event")
	}
}
