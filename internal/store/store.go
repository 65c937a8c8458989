// Package store defines the relay's view of the external Account & Graph
// Service and message storage, and composes status writers.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/omochice/chat-relay/pkg/protocol"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// FriendshipStatus is the directed relationship between two users.
type FriendshipStatus string

const (
	FriendshipNone     FriendshipStatus = "none"
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
	FriendshipBlocked  FriendshipStatus = "blocked"
)

// Operation names, used in errors and logs.
const (
	OpCheckFriendship     = "check_friendship"
	OpListAcceptedFriends = "list_accepted_friends"
	OpPersistOnline       = "persist_online_status"
	OpPersistMessage      = "persist_message"
	OpMarkRead            = "mark_read"
	OpPing                = "ping"
)

// ErrUnavailable matches every error caused by an unreachable or failing store.
var ErrUnavailable = errors.New("store unavailable")

// UnavailableError wraps a failed store call.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrUnavailable, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is reports ErrUnavailable as a match.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Unavailable wraps err as a failure of op. A nil err stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Op: op, Err: err}
}

// Graph answers relationship questions. Nothing is cached: every call
// reflects the store at call time.
type Graph interface {
	CheckFriendship(ctx context.Context, userID, otherID int64) (FriendshipStatus, error)
	ListAcceptedFriends(ctx context.Context, userID int64) ([]int64, error)
}

// StatusWriter persists the durable online flag and last-seen time.
type StatusWriter interface {
	PersistOnlineStatus(ctx context.Context, userID int64, online bool, at time.Time) error
}

// Messages persists messages and read marks.
type Messages interface {
	PersistMessage(ctx context.Context, senderID, receiverID int64, body string) (protocol.MessageEnvelope, error)
	MarkRead(ctx context.Context, receiverID, senderID int64) (int64, error)
}

// Pinger is implemented by backends that can be health-checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Backend is a complete Account & Graph Service adapter.
type Backend interface {
	Graph
	StatusWriter
	Messages
	Pinger
}

// StatusChain writes to a primary StatusWriter and then to best-effort
// mirrors. Only the primary's error is returned.
type StatusChain struct {
	primary StatusWriter
	mirrors []StatusWriter
	log     *zap.Logger
}

// NewStatusChain creates a StatusChain.
func NewStatusChain(primary StatusWriter, log *zap.Logger, mirrors ...StatusWriter) *StatusChain {
	if log == nil {
		log = zap.NewNop()
	}
	return &StatusChain{primary: primary, mirrors: mirrors, log: log}
}

// PersistOnlineStatus implements StatusWriter.
func (c *StatusChain) PersistOnlineStatus(ctx context.Context, userID int64, online bool, at time.Time) error {
	err := c.primary.PersistOnlineStatus(ctx, userID, online, at)
	for _, m := range c.mirrors {
		if merr := m.PersistOnlineStatus(ctx, userID, online, at); merr != nil {
			c.log.Warn("status mirror write failed",
				zap.Int64("user_id", userID),
				zap.Bool("online", online),
				zap.Error(merr))
		}
	}
	return err
}

// PingAll pings every Pinger in order and returns the first failure.
func PingAll(ctx context.Context, pingers ...Pinger) error {
	for _, p := range pingers {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			return Unavailable(OpPing, err)
		}
	}
	return nil
}
