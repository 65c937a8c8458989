// Package memory is an in-process store backend for tests and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/omochice/chat-relay/internal/store"
	"github.com/omochice/chat-relay/pkg/protocol"
)

// User is a row of the users table.
type User struct {
	ID       int64
	Username string
	FullName string
	Online   bool
	LastSeen time.Time
}

// StatusCall records one PersistOnlineStatus call.
type StatusCall struct {
	UserID int64
	Online bool
	At     time.Time
}

type pair struct{ from, to int64 }

// Store keeps users, friendships and messages in memory.
// Thread-safe: all methods are safe for concurrent access.
type Store struct {
	mu          sync.Mutex
	users       map[int64]*User
	friends     map[pair]store.FriendshipStatus
	messages    []protocol.MessageEnvelope
	nextID      int64
	statusCalls []StatusCall
	calls       map[string]int
	failures    map[string]error
	clock       func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:    make(map[int64]*User),
		friends:  make(map[pair]store.FriendshipStatus),
		calls:    make(map[string]int),
		failures: make(map[string]error),
		clock:    time.Now,
	}
}

var _ store.Backend = (*Store)(nil)

// AddUser creates or replaces a user.
func (s *Store) AddUser(id int64, username, fullName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = &User{ID: id, Username: username, FullName: fullName}
}

// SetFriendship sets the directed relationship from -> to.
func (s *Store) SetFriendship(from, to int64, status store.FriendshipStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == store.FriendshipNone {
		delete(s.friends, pair{from, to})
		return
	}
	s.friends[pair{from, to}] = status
}

// Befriend marks a and b as accepted friends in both directions.
func (s *Store) Befriend(a, b int64) {
	s.SetFriendship(a, b, store.FriendshipAccepted)
	s.SetFriendship(b, a, store.FriendshipAccepted)
}

// FailOn makes every call of op return err until cleared with a nil err.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Calls returns how many times op was invoked, failed calls included.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// StatusCalls returns every successful PersistOnlineStatus call in order.
func (s *Store) StatusCalls() []StatusCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StatusCall(nil), s.statusCalls...)
}

// Messages returns every stored message in insertion order.
func (s *Store) Messages() []protocol.MessageEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.MessageEnvelope(nil), s.messages...)
}

// User returns a copy of the user row.
func (s *Store) User(id int64) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// begin counts a call of op and returns its injected failure. Callers hold s.mu.
func (s *Store) begin(op string) error {
	s.calls[op]++
	if err := s.failures[op]; err != nil {
		return store.Unavailable(op, err)
	}
	return nil
}

// CheckFriendship implements store.Graph.
func (s *Store) CheckFriendship(_ context.Context, userID, otherID int64) (store.FriendshipStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(store.OpCheckFriendship); err != nil {
		return store.FriendshipNone, err
	}
	status, ok := s.friends[pair{userID, otherID}]
	if !ok {
		return store.FriendshipNone, nil
	}
	return status, nil
}

// ListAcceptedFriends implements store.Graph.
func (s *Store) ListAcceptedFriends(_ context.Context, userID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(store.OpListAcceptedFriends); err != nil {
		return nil, err
	}
	var out []int64
	for p, status := range s.friends {
		if p.from == userID && status == store.FriendshipAccepted {
			out = append(out, p.to)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// PersistOnlineStatus implements store.StatusWriter.
func (s *Store) PersistOnlineStatus(_ context.Context, userID int64, online bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(store.OpPersistOnline); err != nil {
		return err
	}
	if u, ok := s.users[userID]; ok {
		u.Online = online
		u.LastSeen = at
	}
	s.statusCalls = append(s.statusCalls, StatusCall{UserID: userID, Online: online, At: at})
	return nil
}

// PersistMessage implements store.Messages.
func (s *Store) PersistMessage(_ context.Context, senderID, receiverID int64, body string) (protocol.MessageEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(store.OpPersistMessage); err != nil {
		return protocol.MessageEnvelope{}, err
	}
	s.nextID++
	env := protocol.MessageEnvelope{
		ID:         s.nextID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Message:    body,
		CreatedAt:  s.clock().UTC(),
	}
	if u, ok := s.users[senderID]; ok {
		env.SenderUsername, env.SenderName = u.Username, u.FullName
	}
	if u, ok := s.users[receiverID]; ok {
		env.ReceiverUsername, env.ReceiverName = u.Username, u.FullName
	}
	s.messages = append(s.messages, env)
	return env, nil
}

// MarkRead implements store.Messages.
func (s *Store) MarkRead(_ context.Context, receiverID, senderID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(store.OpMarkRead); err != nil {
		return 0, err
	}
	var n int64
	for i := range s.messages {
		m := &s.messages[i]
		if m.ReceiverID == receiverID && m.SenderID == senderID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

// Ping implements store.Pinger.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begin(store.OpPing)
}
