package server

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// plainVerifier is a fast stand-in for the bcrypt verifier so unit tests do
// not pay the hashing cost.
type plainVerifier struct{}

func (plainVerifier) Hash(password string) ([]byte, error) {
	return []byte("plain:" + password), nil
}

func (plainVerifier) Compare(hash []byte, candidate string) error {
	if string(hash) != "plain:"+candidate {
		return errors.New("password mismatch")
	}
	return nil
}

// newTestHub builds a hub with a fast verifier and a registry ready for
// direct manipulation.
func newTestHub(window time.Duration) *Hub {
	registry := NewRegistry(plainVerifier{})
	return NewHub(registry, window)
}

// attachClient creates a client and registers it with the hub directly,
// bypassing the Run loop so no pump goroutines are launched.
func attachClient(hub *Hub, addr string) *Client {
	client := NewClient(nil, hub, addr)
	hub.mutex.Lock()
	hub.clients[client] = true
	hub.mutex.Unlock()
	return client
}

// recvEvent reads the next framed event from a client's send channel.
func recvEvent(t *testing.T, client *Client) Envelope {
	t.Helper()

	select {
	case payload := <-client.send:
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Fatalf("Failed to decode event envelope: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
	return Envelope{}
}

// assertNoEvent verifies that no event reaches the client within a short
// window.
func assertNoEvent(t *testing.T, client *Client) {
	t.Helper()

	select {
	case payload := <-client.send:
		t.Fatalf("Expected no event but received: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

// decodeData unmarshals an envelope's data payload into out.
func decodeData(t *testing.T, env Envelope, out any) {
	t.Helper()

	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("Failed to decode %q payload: %v", env.Event, err)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	return data
}
