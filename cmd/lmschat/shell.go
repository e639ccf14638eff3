package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Daniel-20051/lms-admin-app-sub003/internal/client"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

const commandTimeout = 15 * time.Second

var (
	errQuit  = errors.New("quit")
	errUsage = errors.New("usage")
)

const help = `commands:
  login <user> [name] [role]   open a session and connect
  logout                       disconnect and forget everything
  threads                      list threads, newest first
  open <thread>                focus a thread and print its history
  send <thread> <text...>      send a message
  dm <user>                    start a direct thread
  join <room> | leave <room>   manage rooms (thread:<id>, course:<id>)
  watch <user...>              track presence
  unwatch <user...>            stop tracking presence
  status [user...]             show presence
  state                        show the connection state
  quit
`

// shell runs one command line at a time against the client.
type shell struct {
	c *client.Client

	mu  sync.Mutex
	out io.Writer

	msgSub      types.SubscriptionID
	presenceSub types.SubscriptionID
}

func newShell(c *client.Client, out io.Writer) *shell {
	s := &shell{c: c, out: out}
	s.msgSub = c.Channel().OnMessage(func(m types.Message) {
		if m.SenderID == c.Identity().UserID {
			return
		}
		s.printf("[%s] %s: %s\n", m.ThreadID, senderLabel(m), m.Body)
	})
	s.presenceSub = c.Presence().OnChange(func(e types.PresenceEntry) {
		s.printf("* %s is %s\n", e.UserID, onlineLabel(e.IsOnline))
	})
	return s
}

func (s *shell) close() {
	s.c.Channel().OffMessage(s.msgSub)
	s.c.Presence().OffChange(s.presenceSub)
}

func (s *shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *shell) execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch cmd {
	case "help":
		s.printf("%s", help)
	case "quit", "exit":
		return errQuit
	case "login":
		return s.login(ctx, args)
	case "logout":
		s.c.Logout()
		s.printf("logged out\n")
	case "threads":
		s.listThreads()
	case "open":
		if len(args) != 1 {
			return fmt.Errorf("%w: open <thread>", errUsage)
		}
		msgs, err := s.c.Open(ctx, args[0])
		if err != nil {
			return err
		}
		for _, m := range msgs {
			s.printf("%s %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), senderLabel(m), m.Body, deliveryMark(m.DeliveryState))
		}
	case "send":
		if len(args) < 2 {
			return fmt.Errorf("%w: send <thread> <text...>", errUsage)
		}
		return s.send(ctx, args[0], strings.Join(args[1:], " "))
	case "dm":
		if len(args) != 1 {
			return fmt.Errorf("%w: dm <user>", errUsage)
		}
		t, err := s.c.StartDirect(ctx, args[0])
		if err != nil {
			return err
		}
		s.printf("thread %s with %s\n", t.ID, t.Title)
	case "join", "leave":
		if len(args) != 1 {
			return fmt.Errorf("%w: %s <room>", errUsage, cmd)
		}
		if cmd == "leave" {
			s.c.Rooms().Leave(args[0])
			return nil
		}
		return s.c.Rooms().Join(args[0])
	case "watch":
		s.c.Presence().Subscribe(args...)
	case "unwatch":
		s.c.Presence().Unsubscribe(args...)
	case "status":
		ids := args
		if len(ids) == 0 {
			ids = s.c.Presence().WorkingSet()
		}
		for _, id := range ids {
			s.printf("%s %s\n", id, s.c.Presence().Status(id))
		}
	case "state":
		s.printf("%s as %q\n", s.c.State(), s.c.Identity().UserID)
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

func (s *shell) login(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return fmt.Errorf("%w: login <user> [name] [role]", errUsage)
	}
	userID, name, role := args[0], args[0], ""
	if len(args) > 1 {
		name = args[1]
	}
	if len(args) > 2 {
		role = args[2]
	}

	identity, err := s.c.Login(ctx, userID, name, role)
	if err != nil {
		return err
	}
	if err := s.c.WaitConnected(ctx); err != nil {
		return fmt.Errorf("logged in as %s but not connected: %w", identity.UserID, err)
	}
	s.printf("logged in as %s (%s)\n", identity.UserID, identity.Role)
	s.listThreads()
	return nil
}

func (s *shell) listThreads() {
	threads := s.c.Directory().Threads()
	if len(threads) == 0 {
		s.printf("no threads\n")
		return
	}
	for _, t := range threads {
		unread := ""
		if t.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", t.UnreadCount)
		}
		s.printf("%-24s %-20s %s%s\n", t.ID, t.Title, t.LastMessagePreview, unread)
	}
}

// send waits for the ack so the prompt reports the outcome.
func (s *shell) send(ctx context.Context, threadID, body string) error {
	handle, err := s.c.Send(threadID, body)
	if err != nil {
		return err
	}
	if state, err := handle.Wait(ctx); err != nil || state != types.DeliveryAcknowledged {
		return fmt.Errorf("not delivered (%s): %w", state, err)
	}
	s.printf("sent %s\n", handle.ServerID())
	return nil
}

func senderLabel(m types.Message) string {
	if m.SenderName != "" {
		return m.SenderName
	}
	return m.SenderID
}

func onlineLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func deliveryMark(state types.DeliveryState) string {
	switch state {
	case types.DeliveryPending:
		return " …"
	case types.DeliveryFailed:
		return " (failed)"
	default:
		return ""
	}
}
