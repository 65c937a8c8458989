package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Event is a wire event name. Names are a contract surface shared with
// existing clients and must not be renamed.
type Event string

// Inbound events.
const (
	EventUserOnline        Event = "user_online"
	EventUserOffline       Event = "user_offline"
	EventUserAway          Event = "user_away"
	EventSendMessage       Event = "send_message"
	EventTyping            Event = "typing"
	EventStopTyping        Event = "stop_typing"
	EventJoinConversation  Event = "join_conversation"
	EventLeaveConversation Event = "leave_conversation"
	EventMessagesRead      Event = "messages_read"
)

// Outbound events. messages_read is used in both directions.
const (
	EventUserStatusChanged Event = "user_status_changed"
	EventMessageSent       Event = "message_sent"
	EventNewMessage        Event = "new_message"
	EventUserTyping        Event = "user_typing"
	EventUserStoppedTyping Event = "user_stopped_typing"
	EventNotification      Event = "notification"
	EventError             Event = "error"
)

// Status is a presence status carried by user_status_changed.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusAway    Status = "away"
)

// UserRef is the payload of user_online, user_offline and user_away.
// Clients send either a bare user id or an object.
type UserRef struct {
	UserID int64  `json:"user_id"`
	Token  string `json:"token,omitempty"`
}

// UnmarshalJSON accepts 42, "42" and {"user_id": 42, "token": "..."}.
func (u *UserRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty user reference")
	}
	switch data[0] {
	case '{':
		type plain UserRef
		var p plain
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*u = UserRef(p)
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid user id %q", s)
		}
		*u = UserRef{UserID: id}
		return nil
	default:
		var id int64
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*u = UserRef{UserID: id}
		return nil
	}
}

// SendMessage is the payload of send_message.
type SendMessage struct {
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
	Message    string `json:"message"`
}

// Typing is the payload of typing and stop_typing.
type Typing struct {
	UserID     int64  `json:"user_id"`
	Username   string `json:"username,omitempty"`
	ReceiverID int64  `json:"receiver_id"`
}

// Conversation is the payload of join_conversation and leave_conversation.
type Conversation struct {
	UserID   int64 `json:"user_id"`
	FriendID int64 `json:"friend_id"`
}

// MessagesRead is the inbound payload of messages_read.
type MessagesRead struct {
	ReaderID int64 `json:"reader_id"`
	SenderID int64 `json:"sender_id"`
}

// ReadReceipt is the outbound payload of messages_read.
type ReadReceipt struct {
	ReaderID  int64     `json:"reader_id"`
	Timestamp time.Time `json:"timestamp"`
	Count     int64     `json:"count"`
}

// StatusChanged is the payload of user_status_changed.
type StatusChanged struct {
	UserID int64  `json:"user_id"`
	Status Status `json:"status"`
}

// UserTyping is the payload of user_typing.
type UserTyping struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// UserStoppedTyping is the payload of user_stopped_typing.
type UserStoppedTyping struct {
	UserID int64 `json:"user_id"`
}

// Notification is the payload of notification.
type Notification struct {
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the payload of error.
type ErrorPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// MessageEnvelope is the canonical stored message, as returned by the
// message store and relayed in new_message and message_sent.
type MessageEnvelope struct {
	ID               int64     `json:"id"`
	SenderID         int64     `json:"sender_id"`
	ReceiverID       int64     `json:"receiver_id"`
	Message          string    `json:"message"`
	IsRead           bool      `json:"is_read"`
	CreatedAt        time.Time `json:"created_at"`
	SenderUsername   string    `json:"sender_username,omitempty"`
	SenderName       string    `json:"sender_name,omitempty"`
	ReceiverUsername string    `json:"receiver_username,omitempty"`
	ReceiverName     string    `json:"receiver_name,omitempty"`
}
