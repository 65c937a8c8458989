// Package relay is the Relay Engine: it interprets inbound session events,
// consults the friendship graph and the message store, and routes outbound
// events through the presence table.
package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/omochice/chat-relay/internal/auth"
	"github.com/omochice/chat-relay/internal/chat"
	"github.com/omochice/chat-relay/internal/presence"
	"github.com/omochice/chat-relay/internal/store"
	"github.com/omochice/chat-relay/pkg/protocol"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	// MaxMessageRunes bounds the body of send_message.
	MaxMessageRunes = 4000

	defaultCallTimeout = 5 * time.Second
)

// Sessions is the transport layer's set of open connections.
type Sessions interface {
	Get(h presence.Handle) (*chat.Session, bool)
	OpenHandles() map[presence.Handle]struct{}
}

// StatusPublisher receives every presence transition the engine fans out.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, userID int64, status protocol.Status, at time.Time) error
}

// Config wires the engine to its collaborators. Table, Sessions, Graph,
// Status and Messages are required.
type Config struct {
	Table    *presence.Table
	Sessions Sessions
	Graph    store.Graph
	Status   store.StatusWriter
	Messages store.Messages

	Verifier      auth.Verifier        // defaults to auth.Trust
	Publisher     StatusPublisher      // optional
	MeterProvider metric.MeterProvider // defaults to the global provider

	CallTimeout time.Duration // per external call
	Clock       func() time.Time
}

type handlerFunc func(ctx context.Context, s *chat.Session, f protocol.Frame) error

// Engine implements chat.Handler.
type Engine struct {
	conf     Config
	log      *zap.Logger
	metrics  *metrics
	handlers map[protocol.Event]handlerFunc
	closing  atomic.Bool
	status   *userLocks
}

var _ chat.Handler = (*Engine)(nil)

// New creates an Engine.
func New(conf Config, log *zap.Logger) (*Engine, error) {
	if conf.Table == nil || conf.Sessions == nil || conf.Graph == nil || conf.Status == nil || conf.Messages == nil {
		return nil, errors.New("relay: table, sessions, graph, status and messages are required")
	}
	if conf.Verifier == nil {
		conf.Verifier = auth.Trust{}
	}
	if conf.CallTimeout <= 0 {
		conf.CallTimeout = defaultCallTimeout
	}
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}

	m, err := newMetrics(conf.MeterProvider)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create relay metrics")
	}

	e := &Engine{conf: conf, log: log, metrics: m, status: newUserLocks()}
	e.handlers = map[protocol.Event]handlerFunc{
		protocol.EventUserOnline:        e.userOnline,
		protocol.EventUserOffline:       e.userOffline,
		protocol.EventUserAway:          e.userAway,
		protocol.EventSendMessage:       e.sendMessage,
		protocol.EventTyping:            e.typing,
		protocol.EventStopTyping:        e.typing,
		protocol.EventJoinConversation:  e.conversation,
		protocol.EventLeaveConversation: e.conversation,
		protocol.EventMessagesRead:      e.messagesRead,
	}
	return e, nil
}

// HandleFrame implements chat.Handler.
func (e *Engine) HandleFrame(ctx context.Context, s *chat.Session, f protocol.Frame) error {
	if e.closing.Load() {
		return errShuttingDown
	}

	if _, ok := s.UserID(); !ok && f.Event != protocol.EventUserOnline {
		s.Send(errorFrame(ErrAuthenticationMissing))
		return ErrAuthenticationMissing
	}

	handle, ok := e.handlers[f.Event]
	if !ok {
		s.Send(errorFrame(invalidPayload("unknown event %q", f.Event)))
		return nil
	}

	if err := handle(ctx, s, f); err != nil {
		e.log.Debug("event failed",
			zap.String("handle", string(s.Handle())),
			zap.String("event", string(f.Event)),
			zap.String("reason", Reason(err)),
			zap.Error(err))
		if !s.Send(errorFrame(err)) {
			e.metrics.drop(ctx, protocol.EventError)
		}
	}
	return nil
}

// HandleClose implements chat.Handler. The offline path runs only when this
// session still owns a presence entry.
func (e *Engine) HandleClose(ctx context.Context, s *chat.Session) {
	s.Unbind()
	userID, ok := e.conf.Table.UserOf(s.Handle())
	if !ok {
		return
	}
	if e.goOffline(ctx, userID, s.Handle()) {
		e.log.Debug("user disconnected", zap.Int64("user_id", userID))
	}
}

func (e *Engine) userOnline(ctx context.Context, s *chat.Session, f protocol.Frame) error {
	var ref protocol.UserRef
	if err := f.Bind(&ref); err != nil {
		return errors.Wrap(ErrInvalidPayload, err.Error())
	}

	cctx, cancel := e.callContext(ctx)
	userID, err := e.conf.Verifier.Verify(cctx, ref)
	cancel()
	if err != nil {
		return errors.Wrap(ErrAuthenticationMissing, err.Error())
	}

	if cur, ok := s.UserID(); ok && cur != userID {
		e.goOffline(ctx, cur, s.Handle())
	}
	s.Bind(userID)

	prev, replaced := e.conf.Table.SetOnline(userID, s.Handle())
	if replaced && prev != s.Handle() {
		e.supersede(userID, prev)
	}

	e.log.Info("user online",
		zap.Int64("user_id", userID),
		zap.String("handle", string(s.Handle())),
		zap.String("remote", s.RemoteAddr()))

	e.persistStatus(ctx, userID)
	e.fanOut(ctx, userID, protocol.StatusOnline)
	return nil
}

// supersede closes the session that previously owned userID's entry.
func (e *Engine) supersede(userID int64, prev presence.Handle) {
	old, ok := e.conf.Sessions.Get(prev)
	if !ok {
		return
	}
	old.Unbind()
	old.Send(errorFrame(ErrSessionSuperseded))
	old.Close()
	e.log.Info("session superseded", zap.Int64("user_id", userID), zap.String("handle", string(prev)))
}

func (e *Engine) userOffline(ctx context.Context, s *chat.Session, f protocol.Frame) error {
	userID, err := e.actingUser(s, f)
	if err != nil {
		return err
	}
	s.Unbind()
	if e.goOffline(ctx, userID, s.Handle()) {
		e.log.Info("user offline", zap.Int64("user_id", userID))
	}
	return nil
}

func (e *Engine) userAway(ctx context.Context, s *chat.Session, f protocol.Frame) error {
	userID, err := e.actingUser(s, f)
	if err != nil {
		return err
	}
	e.fanOut(ctx, userID, protocol.StatusAway)
	return nil
}

// actingUser resolves the user of a presence event. An empty payload or a
// zero id means the session's own user.
func (e *Engine) actingUser(s *chat.Session, f protocol.Frame) (int64, error) {
	userID, _ := s.UserID()
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return userID, nil
	}
	var ref protocol.UserRef
	if err := f.Bind(&ref); err != nil {
		return 0, errors.Wrap(ErrInvalidPayload, err.Error())
	}
	if err := checkIdentity(userID, ref.UserID); err != nil {
		return 0, err
	}
	return userID, nil
}

func checkIdentity(bound, claimed int64) error {
	if claimed != 0 && claimed != bound {
		return errors.Wrapf(ErrIdentityMismatch, "connection is user %d, payload names %d", bound, claimed)
	}
	return nil
}

func (e *Engine) sendMessage(ctx context.Context, s *chat.Session, f protocol.Frame) error {
	senderID, _ := s.UserID()

	var p protocol.SendMessage
	if err := f.Bind(&p); err != nil {
		return errors.Wrap(ErrInvalidPayload, err.Error())
	}
	if err := checkIdentity(senderID, p.SenderID); err != nil {
		return err
	}
	if err := validateMessage(p); err != nil {
		e.metrics.reject(ctx, ReasonInvalidPayload)
		return err
	}

	log := e.log.With(zap.Int64("sender_id", senderID), zap.Int64("receiver_id", p.ReceiverID))

	cctx, cancel := e.callContext(ctx)
	status, err := e.conf.Graph.CheckFriendship(cctx, senderID, p.ReceiverID)
	cancel()
	if err != nil {
		log.Warn("friendship check failed", zap.Error(err))
		e.metrics.reject(ctx, ReasonStoreUnavailable)
		return err
	}
	if status != store.FriendshipAccepted {
		log.Info("message rejected", zap.String("friendship", string(status)))
		e.metrics.reject(ctx, ReasonFriendshipRequired)
		return ErrFriendshipRequired
	}

	cctx, cancel = e.callContext(ctx)
	env, err := e.conf.Messages.PersistMessage(cctx, senderID, p.ReceiverID, p.Message)
	cancel()
	if err != nil {
		log.Warn("failed to persist message", zap.Error(err))
		e.metrics.reject(ctx, ReasonStoreUnavailable)
		return err
	}
	e.metrics.relayed.Add(ctx, 1)

	if !s.Send(protocol.MustFrame(protocol.EventMessageSent, env)) {
		e.metrics.drop(ctx, protocol.EventMessageSent)
	}
	if !e.sendTo(ctx, p.ReceiverID, protocol.MustFrame(protocol.EventNewMessage, env)) {
		log.Debug("receiver not connected", zap.Int64("message_id", env.ID), zap.Error(ErrRecipientOffline))
	}
	return nil
}

func validateMessage(p protocol.SendMessage) error {
	if p.ReceiverID <= 0 {
		return invalidPayload("receiver_id must be positive")
	}
	body := strings.TrimSpace(p.Message)
	if body == "" {
		return invalidPayload("message is empty")
	}
	if utf8.RuneCountInString(p.Message) > MaxMessageRunes {
		return invalidPayload("message exceeds %d characters", MaxMessageRunes)
	}
	return nil
}

// typing handles typing and stop_typing. Both are dropped silently when
// the receiver is not connected.
func (e *Engine) typing(ctx context.Context, s *chat.Session, f protocol.Frame) error {
	userID, _ := s.UserID()

	var p protocol.Typing
	if err := f.Bind(&p); err != nil {
		return errors.Wrap(ErrInvalidPayload, err.Error())
	}
	if err := checkIdentity(userID, p.UserID); err != nil {
		return err
	}
	if p.ReceiverID <= 0 {
		return invalidPayload("receiver_id must be positive")
	}

	var out protocol.Frame
	if f.Event == protocol.EventTyping {
		out = protocol.MustFrame(protocol.EventUserTyping, protocol.UserTyping{UserID: userID, Username: p.Username})
	} else {
		out = protocol.MustFrame(protocol.EventUserStoppedTyping, protocol.UserStoppedTyping{UserID: userID})
	}
	e.sendTo(ctx, p.ReceiverID, out)
	return nil
}

// conversation handles join_conversation and leave_conversation.
func (e *Engine) conversation(_ context.Context, s *chat.Session, f protocol.Frame) error {
	userID, _ := s.UserID()

	var p protocol.Conversation
	if err := f.Bind(&p); err != nil {
		return errors.Wrap(ErrInvalidPayload, err.Error())
	}
	if err := checkIdentity(userID, p.UserID); err != nil {
		return err
	}
	if p.FriendID <= 0 {
		return invalidPayload("friend_id must be positive")
	}

	key := presence.ConversationKey(userID, p.FriendID)
	if f.Event == protocol.EventJoinConversation {
		e.conf.Table.JoinRoom(userID, key)
	} else {
		e.conf.Table.LeaveRoom(userID, key)
	}
	e.log.Debug(string(f.Event), zap.Int64("user_id", userID), zap.String("room", string(key)))
	return nil
}

func (e *Engine) messagesRead(ctx context.Context, s *chat.Session, f protocol.Frame) error {
	readerID, _ := s.UserID()

	var p protocol.MessagesRead
	if err := f.Bind(&p); err != nil {
		return errors.Wrap(ErrInvalidPayload, err.Error())
	}
	if err := checkIdentity(readerID, p.ReaderID); err != nil {
		return err
	}
	if p.SenderID <= 0 {
		return invalidPayload("sender_id must be positive")
	}

	cctx, cancel := e.callContext(ctx)
	n, err := e.conf.Messages.MarkRead(cctx, readerID, p.SenderID)
	cancel()
	if err != nil {
		e.log.Warn("failed to mark messages read",
			zap.Int64("reader_id", readerID), zap.Int64("sender_id", p.SenderID), zap.Error(err))
		return nil
	}

	receipt := protocol.ReadReceipt{ReaderID: readerID, Timestamp: e.conf.Clock().UTC(), Count: n}
	e.sendTo(ctx, p.SenderID, protocol.MustFrame(protocol.EventMessagesRead, receipt))
	return nil
}

// goOffline removes userID's entry if it is still owned by h, then persists
// and fans out the offline status. It reports whether the entry was removed.
func (e *Engine) goOffline(ctx context.Context, userID int64, h presence.Handle) bool {
	if !e.conf.Table.SetOfflineIfHandle(userID, h) {
		return false
	}
	e.persistStatus(ctx, userID)
	e.fanOut(ctx, userID, protocol.StatusOffline)
	return true
}

// persistStatus writes the durable online flag as the presence table shows
// it once the user's status lock is held. Every transition is followed by a
// call, so the last write matches the table. Failures are logged only.
func (e *Engine) persistStatus(ctx context.Context, userID int64) {
	cctx, cancel := e.callContext(ctx)
	defer cancel()

	unlock, err := e.status.lock(cctx, userID)
	if err != nil {
		e.log.Warn("status write skipped", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	defer unlock()

	_, online := e.conf.Table.Lookup(userID)
	if err := e.conf.Status.PersistOnlineStatus(cctx, userID, online, e.conf.Clock()); err != nil {
		e.log.Warn("failed to persist online status",
			zap.Int64("user_id", userID), zap.Bool("online", online), zap.Error(err))
	}
}

// fanOut emits user_status_changed to every accepted friend of userID that
// is currently connected.
func (e *Engine) fanOut(ctx context.Context, userID int64, status protocol.Status) {
	e.metrics.transition(ctx, status)

	if e.conf.Publisher != nil {
		if err := e.conf.Publisher.PublishStatus(ctx, userID, status, e.conf.Clock()); err != nil {
			e.log.Warn("failed to publish status", zap.Int64("user_id", userID), zap.Error(err))
		}
	}

	cctx, cancel := e.callContext(ctx)
	friends, err := e.conf.Graph.ListAcceptedFriends(cctx, userID)
	cancel()
	if err != nil {
		e.log.Warn("failed to list friends for status fan-out",
			zap.Int64("user_id", userID), zap.String("status", string(status)), zap.Error(err))
		return
	}

	f := protocol.MustFrame(protocol.EventUserStatusChanged, protocol.StatusChanged{UserID: userID, Status: status})
	delivered := 0
	for _, id := range friends {
		if e.sendTo(ctx, id, f) {
			delivered++
		}
	}
	e.log.Debug("status fanned out",
		zap.Int64("user_id", userID),
		zap.String("status", string(status)),
		zap.Int("friends", len(friends)),
		zap.Int("delivered", delivered))
}

// sendTo routes f to the session of userID. It reports false when the user
// has no open session or the frame could not be queued.
func (e *Engine) sendTo(ctx context.Context, userID int64, f protocol.Frame) bool {
	h, ok := e.conf.Table.Lookup(userID)
	if !ok {
		return false
	}
	s, ok := e.conf.Sessions.Get(h)
	if !ok {
		return false
	}
	if !s.Send(f) {
		e.metrics.drop(ctx, f.Event)
		e.log.Debug("outbound frame dropped", zap.Int64("user_id", userID), zap.String("event", string(f.Event)))
		return false
	}
	return true
}

// Notify delivers a notification event to userID if connected. Nothing is
// queued for offline users.
func (e *Engine) Notify(ctx context.Context, userID int64, title, message string, data json.RawMessage) bool {
	f, err := protocol.NewFrame(protocol.EventNotification, protocol.Notification{
		Title:     title,
		Message:   message,
		Data:      data,
		Timestamp: e.conf.Clock().UTC(),
	})
	if err != nil {
		e.log.Warn("invalid notification", zap.Int64("user_id", userID), zap.Error(err))
		return false
	}
	return e.sendTo(ctx, userID, f)
}

// OnlineUsers returns the ids of every user in the presence table.
func (e *Engine) OnlineUsers() []int64 {
	return e.conf.Table.OnlineUsers()
}

// IsOnline reports whether userID has a presence entry.
func (e *Engine) IsOnline(userID int64) bool {
	_, ok := e.conf.Table.Lookup(userID)
	return ok
}

// callContext derives the context of one external call. Closing the
// session does not cancel calls already issued on its behalf.
func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.conf.CallTimeout)
}
