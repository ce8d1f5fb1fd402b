// Package server wires HTTP handlers into a gorilla/mux router for the
// Parley application.
package server

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes configures and returns the application router: health check,
// WebSocket endpoint, room API, uploads, and static retrieval of stored
// files. All dependencies are injected; the router holds no globals.
func SetupRoutes(hub *Hub, registry *Registry, store *FileStore) *mux.Router {
	router := mux.NewRouter()
	router.Use(recoverMiddleware)

	router.HandleFunc("/", HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ws", WebSocketHandler(hub)).Methods(http.MethodGet)

	router.HandleFunc("/api/rooms", ListRoomsHandler(registry)).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms", CreateRoomHandler(registry)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/verify", VerifyRoomHandler(registry)).Methods(http.MethodPost)

	router.HandleFunc("/upload", UploadHandler(hub, store)).Methods(http.MethodPost)
	router.PathPrefix("/uploads/").Handler(
		http.StripPrefix("/uploads/", http.FileServer(http.Dir(store.Dir()))))

	return router
}

// recoverMiddleware catches panics at the request boundary and reports them
// as 500 responses so a single bad request cannot crash the process.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("Recovered from panic in %s %s: %v", r.Method, r.URL.Path, rec)
				writeJSONError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
