// Package server implements the core HTTP and WebSocket server functionality for Parley.
//
// Parley organizes ephemeral, password-gated chat rooms. The implementation is
// organized into specialized files for configuration, the room registry, the
// hub, clients, the event router, file attachments, routing, and HTTP handlers
// to keep the codebase maintainable and testable as the project grows.
package server
