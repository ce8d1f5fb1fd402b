// Package server provides the process-wide room registry, the single source
// of truth for room existence.
package server

import (
	"errors"
	"fmt"
	"sync"
)

// Registry errors.
var (
	ErrRoomExists   = errors.New("room id already exists")
	ErrRoomNotFound = errors.New("room not found")
)

// Registry maps room identifiers to live rooms. It is owned by the process's
// composition root and passed by reference to the hub and HTTP handlers;
// there is no hidden package-level instance.
type Registry struct {
	verifier PasswordVerifier

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRegistry creates an empty registry that derives room credentials with
// the given verifier.
func NewRegistry(verifier PasswordVerifier) *Registry {
	return &Registry{
		verifier: verifier,
		rooms:    make(map[string]*Room),
	}
}

// Create hashes the password, then atomically checks for an existing room id
// and inserts the new room. The creator is authorized as part of creation.
// The hash is computed before the lock is taken: it is the only suspend
// point, and the existence check must not race with the insert.
func (reg *Registry) Create(id, creator, password string) (*Room, error) {
	hash, err := reg.verifier.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hashing room password: %w", err)
	}

	room := NewRoom(id, creator, hash, reg.verifier)
	if err := room.Authorize(creator); err != nil {
		return nil, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.rooms[id]; exists {
		return nil, ErrRoomExists
	}
	reg.rooms[id] = room
	return room, nil
}

// Get returns the room with the given id.
func (reg *Registry) Get(id string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[id]
	return room, ok
}

// Remove deletes the room with the given id. Removing an unknown id is a
// no-op.
func (reg *Registry) Remove(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.rooms, id)
}

// List returns a snapshot of all current rooms.
func (reg *Registry) List() []*Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Len returns the number of registered rooms.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}
