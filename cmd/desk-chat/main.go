// ABOUTME: Line-oriented terminal chat client for desk users and agents
// ABOUTME: Built on internal/client with reconnect and history reload

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/2389/desk-gateway/internal/client"
	"github.com/2389/desk-gateway/internal/protocol"
)

func usage() {
	fmt.Println("Usage:")
	fmt.Println("  desk-chat user  --name NAME --agent AGENT [--server URL]")
	fmt.Println("  desk-chat agent --token JWT [--user NAME] [--server URL]")
	fmt.Println()
	fmt.Println("Lines are sent as messages to the current peer. Commands:")
	fmt.Println("  /to NAME     switch peer (agents join the user's room)")
	fmt.Println("  /inbox       list conversations, most recent first")
	fmt.Println("  /history     reload history with the current peer")
	fmt.Println("  /quit        exit")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "user", "agent":
		err = run(ctx, os.Args[1], os.Args[2:], os.Stdin, os.Stdout)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// session tracks the peer the terminal is talking to.
type session struct {
	c   *client.Client
	out io.Writer

	mu   sync.Mutex
	peer string
}

func (s *session) currentPeer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *session) setPeer(p string) {
	s.mu.Lock()
	s.peer = p
	s.mu.Unlock()
}

func (s *session) printf(c *color.Color, format string, args ...any) {
	c.Fprintf(s.out, format, args...)
}

func run(ctx context.Context, mode string, args []string, in io.Reader, out io.Writer) error {
	var name, peer, token, server, logLevel string
	fs := pflag.NewFlagSet(mode, pflag.ContinueOnError)
	fs.StringVar(&server, "server", envOr("DESK_SERVER", "http://127.0.0.1:8080"), "gateway base URL")
	fs.StringVar(&logLevel, "log-level", "warn", "log level for client diagnostics")
	if mode == "user" {
		fs.StringVarP(&name, "name", "n", "", "your username (required)")
		fs.StringVarP(&peer, "agent", "a", "", "agent to talk to (required)")
	} else {
		fs.StringVarP(&token, "token", "t", os.Getenv("DESK_TOKEN"), "agent bearer token (required)")
		fs.StringVarP(&peer, "user", "u", "", "user to join on start")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if mode == "user" && (name == "" || peer == "") {
		return fmt.Errorf("--name and --agent are required")
	}
	if mode == "agent" && token == "" {
		return fmt.Errorf("--token is required")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	s := &session{out: out, peer: peer}
	c, err := client.New(client.Config{
		ServerURL: server,
		Username:  name,
		Token:     token,
		Logger:    logger,
		OnEvent:   s.render,
		OnReconnect: func(ctx context.Context, attempt int) {
			s.printf(color.New(color.FgYellow), "-- reconnected (attempt %d)\n", attempt)
			s.reload(ctx)
		},
	})
	if err != nil {
		return err
	}
	s.c = c

	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	if c.IsAgent() {
		s.printf(color.New(color.FgGreen), "connected as agent %s\n", c.Identity())
		if err := c.GetInitialUsers(ctx); err != nil {
			return err
		}
		if peer != "" {
			if err := c.JoinRoom(ctx, peer); err != nil {
				return err
			}
		}
	}
	if peer != "" {
		s.reload(ctx)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-runErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit, err := s.handleLine(ctx, line); err != nil {
				s.printf(color.New(color.FgRed), "!! %v\n", err)
			} else if quit {
				return nil
			}
		}
	}
}

func (s *session) handleLine(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}

	switch {
	case line == "/quit":
		return true, nil
	case line == "/inbox":
		for _, row := range s.c.Inbox().List() {
			unread := ""
			if row.Unread > 0 {
				unread = color.YellowString(" (%d new)", row.Unread)
			}
			fmt.Fprintf(s.out, "  %-20s %s%s\n", row.Peer, truncate(row.LastMessage, 40), unread)
		}
		return false, nil
	case line == "/history":
		s.reload(ctx)
		return false, nil
	case strings.HasPrefix(line, "/to "):
		peer := strings.TrimSpace(strings.TrimPrefix(line, "/to "))
		s.setPeer(peer)
		if s.c.IsAgent() {
			if err := s.c.JoinRoom(ctx, peer); err != nil {
				return false, err
			}
		}
		s.reload(ctx)
		return false, nil
	case strings.HasPrefix(line, "/"):
		return false, fmt.Errorf("unknown command %s", line)
	}

	peer := s.currentPeer()
	if peer == "" {
		return false, fmt.Errorf("no peer selected, use /to NAME")
	}
	s.c.Inbox().MarkRead(peer)
	return false, s.c.SendMessage(ctx, peer, line)
}

func (s *session) reload(ctx context.Context) {
	peer := s.currentPeer()
	if peer == "" {
		return
	}
	msgs, err := s.c.Reload(ctx, peer)
	if err != nil {
		s.printf(color.New(color.FgRed), "!! history: %v\n", err)
		return
	}
	for _, m := range msgs {
		s.printMessage(m.Sender, m.Content, m.Timestamp)
	}
	s.c.Inbox().MarkRead(peer)
}

func (s *session) printMessage(sender, content string, at time.Time) {
	who := color.New(color.FgCyan)
	if sender == s.c.Identity() {
		who = color.New(color.FgGreen)
	}
	fmt.Fprintf(s.out, "%s %s %s\n",
		color.HiBlackString(at.Local().Format("15:04")),
		who.Sprintf("%s:", sender),
		content,
	)
}

// render prints a server event. It runs on the client's read goroutine.
func (s *session) render(ev client.Event) {
	gray := color.New(color.FgHiBlack)

	switch ev.Name {
	case protocol.EventUserIdentified:
		var p protocol.UserIdentifiedPayload
		if ev.Decode(&p) == nil {
			for _, a := range p.Agents {
				gray.Fprintf(s.out, "-- %s is %s\n", a.Username, a.Status)
			}
		}
	case protocol.EventAgentStatusChanged:
		var p protocol.AgentPayload
		if ev.Decode(&p) == nil {
			gray.Fprintf(s.out, "-- %s is now %s\n", p.Username, p.Status)
		}
	case protocol.EventMessageReceived:
		var m protocol.MessagePayload
		if ev.Decode(&m) == nil {
			s.printMessage(m.Sender, m.Content, m.Timestamp)
			if m.Sender == s.currentPeer() {
				s.c.Inbox().MarkRead(m.Sender)
			}
		}
	case protocol.EventMessageSent:
		var m protocol.MessageSentPayload
		if ev.Decode(&m) == nil {
			s.printMessage(s.c.Identity(), m.Content, m.Timestamp)
			if !m.Delivered {
				gray.Fprintf(s.out, "   (%s is offline, message saved)\n", m.Receiver)
			}
		}
	case protocol.EventUserTyping:
		var p protocol.UserTypingPayload
		if ev.Decode(&p) == nil && p.IsTyping {
			gray.Fprintf(s.out, "-- %s is typing...\n", p.UserUsername)
		}
	case protocol.EventAgentTyping:
		var p protocol.AgentTypingPayload
		if ev.Decode(&p) == nil && p.IsTyping {
			gray.Fprintf(s.out, "-- %s is typing...\n", p.AgentUsername)
		}
	case protocol.EventNewUserMessage:
		var p protocol.ConversationSummary
		if ev.Decode(&p) == nil {
			color.New(color.FgYellow).Fprintf(s.out, "-- new conversation from %s (/to %s)\n", p.Username, p.Username)
		}
	case protocol.EventInitialUserList:
		rows := s.c.Inbox().List()
		gray.Fprintf(s.out, "-- %d conversation(s), /inbox to list\n", len(rows))
	case protocol.EventError:
		var p protocol.ErrorPayload
		if ev.Decode(&p) == nil {
			color.New(color.FgRed).Fprintf(s.out, "!! %s (%s)\n", p.Message, p.Code)
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
