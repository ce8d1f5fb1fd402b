package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parleychat/parley/internal/server"
)

func main() {
	fmt.Println("Starting Parley server...")

	// Load configuration from the environment
	config := server.NewConfigFromEnv()
	server.SetConfig(config)

	// Build the room registry and hub; the registry is the single source of
	// truth for room existence and is injected everywhere it is needed.
	verifier := server.NewBcryptVerifier()
	registry := server.NewRegistry(verifier)
	hub := server.NewHub(registry, config.RoomCleanupWindow)

	store, err := server.NewFileStore(config.UploadDir, config.MaxUploadSize)
	if err != nil {
		log.Fatalf("Failed to initialize file store: %v", err)
	}

	hub.Start()

	// Setup routes
	router := server.SetupRoutes(hub, registry, store)

	// Create and start server
	httpServer := server.CreateServer(config.Port, router)

	go func() {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down Parley server...")

	if err := server.ShutdownServer(httpServer, 10*time.Second); err != nil {
		log.Printf("HTTP shutdown did not complete cleanly: %v", err)
	}
	if err := hub.Shutdown(5 * time.Second); err != nil {
		log.Printf("Hub shutdown did not complete cleanly: %v", err)
	}

	log.Println("Parley server exited")
}
