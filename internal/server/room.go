// Package server implements the Room type: membership, the authorization set,
// bounded message history, activity tracking, and the per-room cleanup timer.
package server

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// historyLimit bounds a room's history to the most recent entries; the oldest
// record is evicted on overflow.
const historyLimit = 100

// Room state errors.
var (
	ErrInvalidUsername = errors.New("username must not be empty")
	ErrNotAuthorized   = errors.New("username is not authorized for this room")
)

type memberInfo struct {
	username string
	avatar   string
}

// Room is a named, password-authorized chat channel with bounded history.
//
// The authorization set is independent of connection state: a username that
// has proven knowledge of the password once may rejoin on any number of
// connections without re-verifying. Membership is keyed by connection id, so
// the same username may hold several entries (multi-device). A username never
// appears in the membership map without being in the authorization set.
type Room struct {
	id           string
	createdBy    string
	passwordHash []byte
	createdAt    time.Time
	verifier     PasswordVerifier

	// opMu serializes compound operations (mutate then broadcast) so every
	// member of the room's broadcast group observes events in the same order.
	opMu sync.Mutex

	mu           sync.RWMutex
	lastActivity time.Time
	members      map[string]memberInfo
	authorized   map[string]struct{}
	history      []ChatRecord
	cleanup      *time.Timer
}

// NewRoom creates a room with a pre-computed password hash. The creator is
// not authorized implicitly; the registry authorizes it as part of creation.
func NewRoom(id, createdBy string, passwordHash []byte, verifier PasswordVerifier) *Room {
	now := time.Now()
	return &Room{
		id:           id,
		createdBy:    createdBy,
		passwordHash: passwordHash,
		createdAt:    now,
		verifier:     verifier,
		lastActivity: now,
		members:      make(map[string]memberInfo),
		authorized:   make(map[string]struct{}),
	}
}

// ID returns the room's unique identifier, which doubles as its broadcast
// group key.
func (r *Room) ID() string { return r.id }

// CreatedBy returns the username of the room's creator.
func (r *Room) CreatedBy() string { return r.createdBy }

// CreatedAt returns the room's creation time.
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// LastActivity returns the time of the most recent membership or message
// mutation.
func (r *Room) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

// Update runs fn while holding the room's operation lock. State mutation and
// the broadcast announcing it execute as one non-interleaved step, matching
// the ordering guarantee that all group members see events in emission order.
func (r *Room) Update(fn func()) {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	fn()
}

// Authorize adds a username to the room's authorization set. It is
// idempotent and fails only on a blank username.
func (r *Room) Authorize(username string) error {
	if strings.TrimSpace(username) == "" {
		return ErrInvalidUsername
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.authorized[username] = struct{}{}
	return nil
}

// IsAuthorized reports whether the username has proven knowledge of the
// room's password.
func (r *Room) IsAuthorized(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.authorized[username]
	return ok
}

// VerifyPassword checks a candidate password against the room's credential.
// It performs no mutation; the bcrypt comparison is CPU-bound, so callers
// must re-validate room existence afterward before committing any change.
func (r *Room) VerifyPassword(candidate string) bool {
	return r.verifier.Compare(r.passwordHash, candidate) == nil
}

// Join inserts a membership entry for the connection. It succeeds only when
// the username is already authorized; it returns false (rather than an
// error) on an unauthorized attempt so the caller decides the user-facing
// response. Joining cancels any pending cleanup and refreshes activity.
// Re-joining on the same connection is an idempotent overwrite.
func (r *Room) Join(connID, username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.authorized[username]; !ok {
		return false
	}

	r.members[connID] = memberInfo{username: username}
	r.lastActivity = time.Now()
	r.cancelCleanupLocked()
	return true
}

// Leave removes the connection's membership entry and refreshes activity.
// It returns the username that left, or false if the connection was not a
// member.
func (r *Room) Leave(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	member, ok := r.members[connID]
	if !ok {
		return "", false
	}

	delete(r.members, connID)
	r.lastActivity = time.Now()
	return member.username, true
}

// MemberName returns the username associated with a member connection.
func (r *Room) MemberName(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	member, ok := r.members[connID]
	return member.username, ok
}

// MemberCount returns the number of live connections joined to the room.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// MemberUsernames returns an order-stable list of usernames derived from the
// membership map, one entry per live connection.
func (r *Room) MemberUsernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.members))
	for _, member := range r.members {
		users = append(users, member.username)
	}
	sort.Strings(users)
	return users
}

// AppendMessage pushes a record onto the history with a server-assigned
// timestamp, evicting the oldest entry when the bound is exceeded, and
// refreshes activity. The completed record is returned for broadcast.
func (r *Room) AppendMessage(rec ChatRecord) ChatRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec.Timestamp = time.Now().UTC().Format(time.RFC3339)
	r.history = append(r.history, rec)
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}
	r.lastActivity = time.Now()
	return rec
}

// RecentMessages returns a copy of the current history, oldest first.
func (r *Room) RecentMessages() []ChatRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	messages := make([]ChatRecord, len(r.history))
	copy(messages, r.history)
	return messages
}

// ArmCleanup schedules the deferred cleanup callback. It is a no-op while
// the room has members; arming replaces any previously pending timer, so at
// most one is ever outstanding. The callback re-checks emptiness when it
// fires, guarding against a join that landed after arming but whose cancel
// did not beat the timer.
func (r *Room) ArmCleanup(window time.Duration, onFire func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.members) > 0 {
		return
	}
	if r.cleanup != nil {
		r.cleanup.Stop()
	}
	r.cleanup = time.AfterFunc(window, func() {
		r.mu.Lock()
		if len(r.members) > 0 {
			r.mu.Unlock()
			return
		}
		r.cleanup = nil
		r.mu.Unlock()
		onFire()
	})
}

// CancelCleanup synchronously cancels any pending cleanup timer. A cancelled
// timer is indistinguishable from one that never fired.
func (r *Room) CancelCleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelCleanupLocked()
}

func (r *Room) cancelCleanupLocked() {
	if r.cleanup != nil {
		r.cleanup.Stop()
		r.cleanup = nil
	}
}

// CleanupArmed reports whether a cleanup timer is currently pending.
func (r *Room) CleanupArmed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cleanup != nil
}
