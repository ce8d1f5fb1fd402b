// Package server coordinates client registration, room broadcast groups, and
// connection cleanup for the Parley WebSocket system via the Hub type.
package server

import (
	"context"
	"log"
	"sync"
	"time"
)

// Hub manages all WebSocket client connections, the per-room broadcast
// groups, and the event fan-out that keeps every client consistent with room
// state. It maintains client registration/unregistration and ensures
// thread-safe operations through mutex protection.
//
// The registry is injected by the composition root; the hub never owns a
// hidden global store.
type Hub struct {
	registry      *Registry
	cleanupWindow time.Duration

	clients    map[*Client]bool
	groups     map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates and initializes a new Hub instance bound to the given room
// registry. The cleanup window is the quiescence delay before a memberless
// room becomes eligible for deletion.
func NewHub(registry *Registry, cleanupWindow time.Duration) *Hub {
	if cleanupWindow <= 0 {
		cleanupWindow = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:      registry,
		cleanupWindow: cleanupWindow,
		clients:       make(map[*Client]bool),
		groups:        make(map[string]map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// Registry returns the room store the hub routes events against.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// GetRegisterChan returns the channel used for registering new clients to the hub.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering clients from the hub.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// Start launches the hub's event loop in its own goroutine.
func (h *Hub) Start() {
	go h.Run()
	log.Println("Hub started and ready to manage WebSocket connections")
}

// Run starts the hub's main event loop, handling client registration and
// unregistration. Disconnections detected by the transport are routed here
// and swept through every room the connection occupied. This method should
// be called in a separate goroutine as it runs indefinitely.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				log.Printf("Received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mutex.Unlock()
			log.Printf("Client %s registered from %s. Total clients: %d", client.id, client.addr, clientCount)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			// Sweep room membership before the send channel closes so
			// user-left notifications still reach the remaining members.
			h.handleDisconnect(client)

			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, group := range h.groups {
					delete(group, client)
				}
				client.closed = true
				clientCount := len(h.clients)
				h.mutex.Unlock()
				// Close the channel after releasing the lock
				close(client.send)
				log.Printf("Client %s unregistered from %s. Total clients: %d", client.id, client.addr, clientCount)
			} else {
				h.mutex.Unlock()
			}
		}
	}
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in safeSend: %v", r)
		}
	}()

	// Hold the lock during the entire send operation to prevent race conditions
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	// Check if client is still registered and not closed
	_, exists := h.clients[client]
	if !exists || client.closed {
		return false
	}

	// Try to send the message (channel might be closed, so we need to recover from panic)
	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// sendEvent frames and delivers a single event to one client.
func (h *Hub) sendEvent(client *Client, event string, data any) {
	payload, err := marshalEvent(event, data)
	if err != nil {
		log.Printf("Error marshaling %q event for %s: %v", event, client.addr, err)
		return
	}
	if !h.safeSend(client, payload) {
		h.removeFailedClients([]*Client{client})
	}
}

// joinGroup subscribes a client to a room's broadcast group.
func (h *Hub) joinGroup(roomID string, client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	group, ok := h.groups[roomID]
	if !ok {
		group = make(map[*Client]bool)
		h.groups[roomID] = group
	}
	group[client] = true
}

// leaveGroup removes a client from a room's broadcast group.
func (h *Hub) leaveGroup(roomID string, client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	group, ok := h.groups[roomID]
	if !ok {
		return
	}
	delete(group, client)
	if len(group) == 0 {
		delete(h.groups, roomID)
	}
}

// dropGroup removes a room's broadcast group entirely.
func (h *Hub) dropGroup(roomID string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.groups, roomID)
}

// groupSnapshot returns a thread-safe snapshot of a room's broadcast group.
func (h *Hub) groupSnapshot(roomID string) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	group := h.groups[roomID]
	clients := make([]*Client, 0, len(group))
	for client := range group {
		clients = append(clients, client)
	}
	return clients
}

// getClientSnapshot returns a thread-safe snapshot of all current clients.
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// broadcastToGroup sends a framed event to every connection joined to the
// room's broadcast group. When except is non-nil that client is skipped.
func (h *Hub) broadcastToGroup(roomID string, except *Client, event string, data any) {
	payload, err := marshalEvent(event, data)
	if err != nil {
		log.Printf("Error marshaling %q event for room %s: %v", event, roomID, err)
		return
	}

	clients := h.groupSnapshot(roomID)

	var clientsToRemove []*Client
	for _, client := range clients {
		if except != nil && client == except {
			continue
		}
		if !h.safeSend(client, payload) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}

	h.removeFailedClients(clientsToRemove)
}

// broadcastAll sends a framed event to every connected client, whether or
// not it has joined a room. Room deletion notices use this so the room
// listing view updates everywhere.
func (h *Hub) broadcastAll(event string, data any) {
	payload, err := marshalEvent(event, data)
	if err != nil {
		log.Printf("Error marshaling %q event: %v", event, err)
		return
	}

	clients := h.getClientSnapshot()

	var clientsToRemove []*Client
	for _, client := range clients {
		if !h.safeSend(client, payload) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}

	h.removeFailedClients(clientsToRemove)
}

// removeFailedClients removes clients that failed to receive messages and closes their channels
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range clientsToRemove {
		if _, exists := h.clients[client]; exists {
			delete(h.clients, client)
			for _, group := range h.groups {
				delete(group, client)
			}
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			log.Printf("Client from %s removed due to full send buffer", client.addr)
		}
	}
	h.mutex.Unlock()

	// Close channels after releasing the lock
	for _, ch := range channelsToClose {
		close(ch)
	}
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	log.Println("Shutting down all client connections...")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	// Close all client connections
	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error closing client connection from %s: %v", client.addr, err)
				}
			}
		}
	}

	log.Printf("Closed %d client connections", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	// Signal shutdown
	h.cancel()

	// Wait for Run() to complete
	<-h.done

	// Wait for all client goroutines to finish with timeout
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
