// Package server exposes HTTP handlers: the room listing and authorization
// API, file uploads, WebSocket upgrades, and the health check.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// roomInfo is the listing DTO for GET /api/rooms. IsAuthorized reflects the
// calling session's identity, not global room state.
type roomInfo struct {
	ID           string    `json:"id"`
	UserCount    int       `json:"userCount"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	IsAuthorized bool      `json:"isAuthorized"`
	CreatedBy    string    `json:"createdBy"`
}

type roomAuthRequest struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password"`
	Username string `json:"username"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error writing JSON response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeSuccess(w http.ResponseWriter, extra map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// callerUsername extracts the caller's session identity: the username query
// parameter, falling back to the session cookie set by the frontend.
func callerUsername(r *http.Request) string {
	if username := r.URL.Query().Get("username"); username != "" {
		return username
	}
	if cookie, err := r.Cookie("username"); err == nil {
		return cookie.Value
	}
	return ""
}

// WebSocketHandler returns a handler that upgrades HTTP connections to
// WebSocket and registers the resulting client with the hub, which launches
// the client's read/write pumps.
func WebSocketHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade failed: %v", err)
			return
		}

		client := NewClient(conn, hub, r.RemoteAddr)

		// Register the client with the hub; the hub will launch the pump goroutines.
		hub.register <- client
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Parley server is running!")
}

// ListRoomsHandler returns the room listing with per-caller authorization
// flags.
func ListRoomsHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username := callerUsername(r)

		rooms := registry.List()
		infos := make([]roomInfo, 0, len(rooms))
		for _, room := range rooms {
			infos = append(infos, roomInfo{
				ID:           room.ID(),
				UserCount:    room.MemberCount(),
				CreatedAt:    room.CreatedAt(),
				LastActivity: room.LastActivity(),
				IsAuthorized: username != "" && room.IsAuthorized(username),
				CreatedBy:    room.CreatedBy(),
			})
		}

		writeJSON(w, http.StatusOK, infos)
	}
}

// CreateRoomHandler creates a room from an authenticated HTTP request. The
// password hash is computed before insertion and the creator is authorized
// as part of creation, so a subsequent join needs no verify call.
func CreateRoomHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req roomAuthRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}

		if strings.TrimSpace(req.RoomID) == "" || req.Password == "" || strings.TrimSpace(req.Username) == "" {
			writeJSONError(w, http.StatusBadRequest, "roomId, password and username are required")
			return
		}

		if _, err := registry.Create(req.RoomID, req.Username, req.Password); err != nil {
			switch {
			case errors.Is(err, ErrRoomExists):
				writeJSONError(w, http.StatusBadRequest, "Room ID already exists")
			case errors.Is(err, ErrInvalidUsername):
				writeJSONError(w, http.StatusBadRequest, "Please enter a valid username")
			default:
				log.Printf("Error creating room %q: %v", req.RoomID, err)
				writeJSONError(w, http.StatusInternalServerError, "Failed to create room")
			}
			return
		}

		log.Printf("Room %q created by %q", req.RoomID, req.Username)
		writeSuccess(w, nil)
	}
}

// VerifyRoomHandler checks a candidate password against a room's credential
// and, on success, adds the username to the room's authorization set.
// Authorization persists across disconnects, so rejoining never requires
// re-entering the password.
func VerifyRoomHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req roomAuthRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}

		if strings.TrimSpace(req.RoomID) == "" || req.Password == "" || strings.TrimSpace(req.Username) == "" {
			writeJSONError(w, http.StatusBadRequest, "roomId, password and username are required")
			return
		}

		room, ok := registry.Get(req.RoomID)
		if !ok {
			writeJSONError(w, http.StatusNotFound, "Room not found")
			return
		}

		if !room.VerifyPassword(req.Password) {
			writeJSONError(w, http.StatusUnauthorized, "Invalid password")
			return
		}

		// The bcrypt comparison is a suspend point: the room may have been
		// reclaimed while it ran. Re-validate existence before committing.
		if _, ok := registry.Get(req.RoomID); !ok {
			writeJSONError(w, http.StatusNotFound, "Room not found")
			return
		}

		if err := room.Authorize(req.Username); err != nil {
			writeJSONError(w, http.StatusBadRequest, "Please enter a valid username")
			return
		}

		log.Printf("User %q authorized for room %q", req.Username, req.RoomID)
		writeSuccess(w, nil)
	}
}

// UploadHandler accepts a multipart file upload, validates it through the
// store, and relays it into the target room's history and broadcast group.
// Authorization failures are distinct from invalid files: 401 for an
// unauthorized username, 404 for an unknown room, 400 for a rejected file.
func UploadHandler(hub *Hub, store *FileStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Leave headroom for the multipart framing around the file itself.
		r.Body = http.MaxBytesReader(w, r.Body, store.MaxSize()+1<<20)

		if err := r.ParseMultipartForm(store.MaxSize()); err != nil {
			writeJSONError(w, http.StatusBadRequest, "Invalid multipart form")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "No file uploaded")
			return
		}
		_ = file.Close()

		roomID := r.FormValue("roomId")
		username := r.FormValue("username")
		if strings.TrimSpace(roomID) == "" || strings.TrimSpace(username) == "" {
			writeJSONError(w, http.StatusBadRequest, "roomId and username are required")
			return
		}

		record, err := store.Save(header)
		if err != nil {
			switch {
			case errors.Is(err, ErrFileTooLarge):
				writeJSONError(w, http.StatusBadRequest, "File exceeds the maximum upload size")
			case errors.Is(err, ErrFileRejected):
				writeJSONError(w, http.StatusBadRequest, "File type is not accepted")
			default:
				log.Printf("Error storing upload for room %q: %v", roomID, err)
				writeJSONError(w, http.StatusInternalServerError, "Failed to store file")
			}
			return
		}

		shared, err := hub.ShareFile(roomID, username, record)
		if err != nil {
			// The file was already written; don't leave orphans behind.
			if removeErr := store.Remove(record.Filename); removeErr != nil {
				log.Printf("Error removing rejected upload %q: %v", record.Filename, removeErr)
			}

			switch {
			case errors.Is(err, ErrRoomNotFound):
				writeJSONError(w, http.StatusNotFound, "Room not found")
			case errors.Is(err, ErrNotAuthorized):
				writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
			default:
				log.Printf("Error relaying upload to room %q: %v", roomID, err)
				writeJSONError(w, http.StatusInternalServerError, "Failed to share file")
			}
			return
		}

		log.Printf("File %q shared in room %q by %q", shared.OriginalName, roomID, username)
		writeSuccess(w, map[string]any{"file": shared})
	}
}
