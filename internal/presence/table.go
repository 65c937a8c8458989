// Package presence provides the in-memory table of which user owns which
// connection. It performs no I/O.
package presence

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Handle is an opaque, process-local connection identifier.
type Handle string

// RoomKey scopes typing and read-receipt traffic of a two-party conversation.
type RoomKey string

// ConversationKey derives the RoomKey of the unordered pair (a, b).
func ConversationKey(a, b int64) RoomKey {
	if a > b {
		a, b = b, a
	}
	return RoomKey(fmt.Sprintf("conversation_%d_%d", a, b))
}

// Entry is a copy of one presence record.
type Entry struct {
	UserID int64
	Handle Handle
	Rooms  []RoomKey
	Since  time.Time
}

type entry struct {
	handle Handle
	rooms  map[RoomKey]struct{}
	since  time.Time
}

// Table maps users to their authoritative connection and back.
// Both directions live behind one lock so they can never disagree.
// Thread-safe: all methods are safe for concurrent access.
type Table struct {
	mu       sync.RWMutex
	byUser   map[int64]*entry
	byHandle map[Handle]int64
	clock    func() time.Time
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{
		byUser:   make(map[int64]*entry),
		byHandle: make(map[Handle]int64),
		clock:    time.Now,
	}
}

// SetOnline makes h the authoritative handle of userID, replacing any
// existing entry. It returns the superseded handle, if there was one and it
// differs from h. Rooms survive a reconnection.
func (t *Table) SetOnline(userID int64, h Handle) (prev Handle, replaced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A handle belongs to at most one user.
	if other, ok := t.byHandle[h]; ok && other != userID {
		delete(t.byUser, other)
	}

	e, ok := t.byUser[userID]
	if !ok {
		t.byUser[userID] = &entry{
			handle: h,
			rooms:  make(map[RoomKey]struct{}),
			since:  t.clock(),
		}
		t.byHandle[h] = userID
		return "", false
	}

	if e.handle == h {
		return "", false
	}
	prev = e.handle
	delete(t.byHandle, prev)
	e.handle = h
	e.since = t.clock()
	t.byHandle[h] = userID
	return prev, true
}

// SetOffline removes the entry of userID. It reports whether an entry was
// removed; false means the call was a no-op.
func (t *Table) SetOffline(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byUser[userID]
	if !ok {
		return false
	}
	delete(t.byHandle, e.handle)
	delete(t.byUser, userID)
	return true
}

// SetOfflineIfHandle removes the entry of userID only while h is still its
// authoritative handle. A connection that has been superseded therefore
// cannot take its user offline.
func (t *Table) SetOfflineIfHandle(userID int64, h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byUser[userID]
	if !ok || e.handle != h {
		return false
	}
	delete(t.byHandle, h)
	delete(t.byUser, userID)
	return true
}

// Lookup returns the authoritative handle of userID.
func (t *Table) Lookup(userID int64) (Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.byUser[userID]
	if !ok {
		return "", false
	}
	return e.handle, true
}

// UserOf returns the user currently owning h.
func (t *Table) UserOf(h Handle) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	userID, ok := t.byHandle[h]
	return userID, ok
}

// SnapshotHandles returns the set of handles currently in the table.
func (t *Table) SnapshotHandles() map[Handle]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[Handle]struct{}, len(t.byHandle))
	for h := range t.byHandle {
		out[h] = struct{}{}
	}
	return out
}

// Snapshot returns a copy of every entry, ordered by user id.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.byUser))
	for userID, e := range t.byUser {
		out = append(out, Entry{
			UserID: userID,
			Handle: e.handle,
			Rooms:  sortedRooms(e.rooms),
			Since:  e.since,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OnlineUsers returns the ids of every user in the table, ascending.
func (t *Table) OnlineUsers() []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]int64, 0, len(t.byUser))
	for userID := range t.byUser {
		out = append(out, userID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byUser)
}

// JoinRoom adds key to the room set of userID. It reports false when the
// user has no entry.
func (t *Table) JoinRoom(userID int64, key RoomKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byUser[userID]
	if !ok {
		return false
	}
	e.rooms[key] = struct{}{}
	return true
}

// LeaveRoom removes key from the room set of userID. It reports whether the
// key was present.
func (t *Table) LeaveRoom(userID int64, key RoomKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byUser[userID]
	if !ok {
		return false
	}
	if _, in := e.rooms[key]; !in {
		return false
	}
	delete(e.rooms, key)
	return true
}

// Rooms returns the rooms joined by userID.
func (t *Table) Rooms(userID int64) []RoomKey {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.byUser[userID]
	if !ok {
		return nil
	}
	return sortedRooms(e.rooms)
}

func sortedRooms(rooms map[RoomKey]struct{}) []RoomKey {
	if len(rooms) == 0 {
		return nil
	}
	out := make([]RoomKey, 0, len(rooms))
	for k := range rooms {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
