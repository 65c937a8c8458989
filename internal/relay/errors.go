package relay

import (
	"github.com/omochice/chat-relay/internal/store"
	"github.com/omochice/chat-relay/pkg/protocol"
	"github.com/pkg/errors"
)

// Wire reasons carried by the error event.
const (
	ReasonAuthenticationMissing = "AuthenticationMissing"
	ReasonFriendshipRequired    = "FriendshipRequired"
	ReasonStoreUnavailable      = "StoreUnavailable"
	ReasonRecipientOffline      = "RecipientOffline"
	ReasonInvalidPayload        = "InvalidPayload"
	ReasonIdentityMismatch      = "IdentityMismatch"
	ReasonSessionSuperseded     = "SessionSuperseded"
	ReasonInternalError         = "InternalError"
)

var (
	// ErrAuthenticationMissing: an event other than user_online arrived on an
	// unidentified session. The session is terminated.
	ErrAuthenticationMissing = errors.New("identify with user_online first")

	// ErrFriendshipRequired: the Friendship Gate did not answer accepted.
	ErrFriendshipRequired = errors.New("you can only message accepted friends")

	// ErrStoreUnavailable: an external call failed.
	ErrStoreUnavailable = store.ErrUnavailable

	// ErrRecipientOffline: the target user has no open session. Never sent
	// to clients; ephemeral events are dropped and messages wait in storage.
	ErrRecipientOffline = errors.New("recipient offline")

	ErrInvalidPayload    = errors.New("invalid payload")
	ErrIdentityMismatch  = errors.New("payload names a different user than this connection")
	ErrSessionSuperseded = errors.New("a newer connection identified as the same user")

	errShuttingDown = errors.New("relay shutting down")
)

// Reason maps err to its wire reason.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthenticationMissing):
		return ReasonAuthenticationMissing
	case errors.Is(err, ErrFriendshipRequired):
		return ReasonFriendshipRequired
	case errors.Is(err, ErrStoreUnavailable):
		return ReasonStoreUnavailable
	case errors.Is(err, ErrRecipientOffline):
		return ReasonRecipientOffline
	case errors.Is(err, ErrInvalidPayload):
		return ReasonInvalidPayload
	case errors.Is(err, ErrIdentityMismatch):
		return ReasonIdentityMismatch
	case errors.Is(err, ErrSessionSuperseded):
		return ReasonSessionSuperseded
	default:
		return ReasonInternalError
	}
}

// errorFrame builds the error event for err. Store and internal failures
// carry a generic message so driver details stay in the logs.
func errorFrame(err error) protocol.Frame {
	reason := Reason(err)
	msg := err.Error()
	switch reason {
	case ReasonStoreUnavailable:
		msg = "storage is temporarily unavailable"
	case ReasonInternalError:
		msg = "internal error"
	}
	return protocol.MustFrame(protocol.EventError, protocol.ErrorPayload{Reason: reason, Message: msg})
}

func invalidPayload(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidPayload, format, args...)
}
