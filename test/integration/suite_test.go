// Package integration contains integration tests for the Parley server.
//
// These tests verify that multiple components work together correctly by
// testing the complete system behavior with real HTTP servers, WebSocket
// connections, and end-to-end functionality: room creation and password
// verification, event broadcast, file sharing, and room cleanup.
package integration

import (
	"strings"
	"testing"
	"time"

	"github.com/parleychat/parley/internal/server"
	"github.com/parleychat/parley/test/testhelpers"
)

// testEnv bundles a running server instance with everything a test needs to
// talk to it and inspect its state.
type testEnv struct {
	httpURL  string
	wsURL    string
	registry *server.Registry
	hub      *server.Hub
	store    *server.FileStore
}

// startTestServer boots a complete server stack on an ephemeral port. The
// test server's own URL is added to the origin allow-list so WebSocket dials
// from the test succeed.
func startTestServer(t *testing.T, customize func(cfg *server.Config)) *testEnv {
	t.Helper()

	cfg := server.NewConfig()
	cfg.UploadDir = t.TempDir()
	if customize != nil {
		customize(cfg)
	}

	registry := server.NewRegistry(server.NewBcryptVerifier())
	hub := server.NewHub(registry, cfg.RoomCleanupWindow)

	store, err := server.NewFileStore(cfg.UploadDir, cfg.MaxUploadSize)
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}

	router := server.SetupRoutes(hub, registry, store)
	testServer := testhelpers.CreateTestServer(router)

	cfg.AllowedOrigins = append([]string{testServer.URL}, cfg.AllowedOrigins...)
	server.SetConfig(cfg)

	hub.Start()

	t.Cleanup(func() {
		testServer.Close()
		if err := hub.Shutdown(2 * time.Second); err != nil {
			t.Logf("Hub shutdown: %v", err)
		}
		server.SetConfig(nil)
	})

	return &testEnv{
		httpURL:  testServer.URL,
		wsURL:    "ws" + strings.TrimPrefix(testServer.URL, "http") + "/ws",
		registry: registry,
		hub:      hub,
		store:    store,
	}
}
