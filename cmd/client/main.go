package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/omochice/chat-relay/internal/client"
	"github.com/omochice/chat-relay/internal/logging"
	"github.com/omochice/chat-relay/pkg/protocol"
	"go.uber.org/zap"
)

const usage = `Commands:
  @<id> <message>   send a message to a friend
  /typing <id>      tell a friend you are typing
  /stop <id>        tell a friend you stopped typing
  /join <id>        join the conversation with a friend
  /leave <id>       leave the conversation with a friend
  /read <id>        mark messages from a friend as read
  /away             set your status to away
  /online           set your status back to online
  /quit             go offline and exit`

func main() {
	serverAddr := flag.String("server", "localhost:3000", "Server address: host:port for TCP or ws://host:port/ws for WebSocket")
	userID := flag.Int64("user", 0, "Your user id")
	token := flag.String("token", "", "Signed token, when the server verifies identities")
	binary := flag.Bool("binary", false, "Use binary frames over WebSocket")
	flag.Parse()

	log, err := logging.New("info", "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	if *userID <= 0 {
		log.Fatal("user id is required. Use -user flag")
	}

	codec := protocol.CodecJSON
	if *binary {
		codec = protocol.CodecBinary
	}
	c := client.New(*serverAddr, codec)

	ctx := context.Background()
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.Connect(dialCtx); err != nil {
		log.Fatal("failed to connect to server", zap.String("server", *serverAddr), zap.Error(err))
	}
	defer c.Disconnect()

	if err := c.Identify(ctx, *userID, *token); err != nil {
		log.Fatal("failed to identify", zap.Error(err))
	}
	log.Info("connected", zap.String("server", *serverAddr), zap.Int64("user_id", *userID))

	go func() {
		for f := range c.Events() {
			fmt.Println(render(f))
		}
		log.Info("connection closed by server")
		os.Exit(0)
	}()

	sh := &shell{c: c, userID: *userID, token: *token}
	fmt.Println(usage)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" || text == "/exit" {
			break
		}
		if err := sh.execute(ctx, text); err != nil {
			log.Warn("command failed", zap.String("input", text), zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("error reading input", zap.Error(err))
	}

	if err := c.Offline(ctx); err != nil {
		log.Warn("failed to send offline", zap.Error(err))
	}
}

type shell struct {
	c      *client.Client
	userID int64
	token  string
}

func (sh *shell) execute(ctx context.Context, text string) error {
	c := sh.c
	if rest, ok := strings.CutPrefix(text, "@"); ok {
		idText, body, _ := strings.Cut(rest, " ")
		id, err := strconv.ParseInt(idText, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", idText)
		}
		return c.SendMessage(ctx, id, body)
	}

	cmd, arg, _ := strings.Cut(text, " ")
	switch cmd {
	case "/away":
		return c.Away(ctx)
	case "/online":
		return c.Identify(ctx, sh.userID, sh.token)
	}

	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil {
		return fmt.Errorf("%s needs a user id", cmd)
	}
	switch cmd {
	case "/typing":
		return c.Typing(ctx, id, "", true)
	case "/stop":
		return c.Typing(ctx, id, "", false)
	case "/join":
		return c.JoinConversation(ctx, id, true)
	case "/leave":
		return c.JoinConversation(ctx, id, false)
	case "/read":
		return c.MarkRead(ctx, id)
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
}

func render(f protocol.Frame) string {
	switch f.Event {
	case protocol.EventNewMessage:
		var m protocol.MessageEnvelope
		if f.Bind(&m) == nil {
			return fmt.Sprintf("[%s]: %s", m.SenderUsername, m.Message)
		}
	case protocol.EventMessageSent:
		var m protocol.MessageEnvelope
		if f.Bind(&m) == nil {
			return fmt.Sprintf("  (delivered #%d to %s)", m.ID, m.ReceiverUsername)
		}
	case protocol.EventUserStatusChanged:
		var s protocol.StatusChanged
		if f.Bind(&s) == nil {
			return fmt.Sprintf("*** user %d is %s ***", s.UserID, s.Status)
		}
	case protocol.EventUserTyping:
		var t protocol.UserTyping
		if f.Bind(&t) == nil {
			return fmt.Sprintf("*** user %d is typing ***", t.UserID)
		}
	case protocol.EventMessagesRead:
		var r protocol.ReadReceipt
		if f.Bind(&r) == nil {
			return fmt.Sprintf("*** user %d read %d message(s) ***", r.ReaderID, r.Count)
		}
	case protocol.EventNotification:
		var n protocol.Notification
		if f.Bind(&n) == nil {
			return fmt.Sprintf("!!! %s: %s", n.Title, n.Message)
		}
	case protocol.EventError:
		var e protocol.ErrorPayload
		if f.Bind(&e) == nil {
			return fmt.Sprintf("error %s: %s", e.Reason, e.Message)
		}
	}
	return fmt.Sprintf("%s %s", f.Event, f.Data)
}
