package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/founditure/realtime/client"
	"github.com/founditure/realtime/internal/auth"
	"github.com/founditure/realtime/internal/chat"
	"github.com/founditure/realtime/internal/protocol"
	"github.com/founditure/realtime/internal/thread"
)

const usage = `commands:
  /to <user>      set the recipient for plain lines
  /sub <room>     subscribe to a room
  /unsub <room>   leave a room
  /read           mark everything received from the current peer as read
  /typing         tell the current peer you are typing
  /pending        list queued frames
  /resume         retry after the connection gave up
  /quit           exit`

// unread tracks received message ids per thread until they are marked read.
type unread struct {
	mu      sync.Mutex
	threads map[string][]string
}

func (u *unread) add(m chat.Message) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.threads[m.ThreadID] = append(u.threads[m.ThreadID], m.ID)
}

func (u *unread) take(threadID string) []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	ids := u.threads[threadID]
	delete(u.threads, threadID)
	return ids
}

func main() {
	endpoint := flag.String("url", envOr("REALTIME_URL", "ws://localhost:8080/ws"), "Gateway websocket URL")
	userID := flag.String("user", os.Getenv("REALTIME_USER"), "Your user id")
	token := flag.String("token", os.Getenv("REALTIME_TOKEN"), "Identity token (or REALTIME_TOKEN)")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "Development only: sign a token locally with this secret")
	outboxPath := flag.String("outbox", "", "Outbox database path (default ./data/outbox-<user>.db)")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "Usage: chatclient -user <id> [-token <jwt> | -secret <dev-secret>] [-url <ws-url>]")
		os.Exit(1)
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()

	if *token == "" && *secret != "" {
		issued, err := auth.NewJWTVerifier(*secret, "").Issue(*userID, 24*time.Hour)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to sign development token")
		}
		*token = issued
	}
	if *token == "" {
		logger.Fatal().Msg("an identity token is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := *outboxPath
	if path == "" {
		path = fmt.Sprintf("./data/outbox-%s.db", *userID)
	}
	outbox, err := client.NewSQLiteOutboxStore(ctx, path)
	if err != nil {
		logger.Fatal().Err(err).Str("path", path).Msg("failed to open outbox")
	}
	defer outbox.Close()

	pending := &unread{threads: make(map[string][]string)}

	cfg := client.DefaultConfig()
	cfg.UserID = *userID
	cfg.Token = client.StaticToken(*token)
	cfg.Store = outbox
	cfg.Logger = logger
	cfg.Handlers = client.Handlers{
		OnStateChange: func(s client.State) {
			fmt.Printf("* %s\n", s)
		},
		OnMessage: func(m chat.Message) {
			if m.SenderID == *userID {
				fmt.Printf("[you -> %s] %s\n", m.RecipientID, m.Content)
				return
			}
			pending.add(m)
			fmt.Printf("[%s] %s\n", m.SenderID, m.Content)
		},
		OnReceipt: func(r protocol.ReadReceipt) {
			fmt.Printf("* %d message(s) %s by %s\n", len(r.MessageIDs), r.Status, r.By)
		},
		OnRoomMessage: func(m protocol.RoomMessage) {
			fmt.Printf("[#%s %s] %s\n", m.Room, m.Event, string(m.Data))
		},
		OnTyping: func(t protocol.Typing) {
			if t.Active {
				fmt.Printf("* %s is typing...\n", t.From)
			}
		},
		OnRejected: func(e client.Entry, err *protocol.Error) {
			fmt.Printf("! %s %s rejected: %s\n", e.Type, e.Token, err.Message)
		},
		OnError: func(err *protocol.Error) {
			fmt.Printf("! %s\n", err.Message)
		},
		OnFailure: func(err error) {
			fmt.Printf("! gave up reconnecting: %v (type /resume to retry)\n", err)
		},
	}

	ctrl, err := client.New(*endpoint, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid client configuration")
	}
	if err := ctrl.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer ctrl.Disconnect()

	fmt.Println(usage)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	var peer string
	for {
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		switch cmd {
		case "/quit":
			return
		case "/to":
			peer = arg
			fmt.Printf("* talking to %s\n", peer)
		case "/sub":
			report(ctrl.Subscribe(ctx, arg))
		case "/unsub":
			report(ctrl.Unsubscribe(ctx, arg))
		case "/read":
			if peer == "" {
				fmt.Println("! no peer, use /to first")
				continue
			}
			threadID, err := thread.Resolve(*userID, peer, "")
			if err != nil {
				fmt.Printf("! %v\n", err)
				continue
			}
			ids := pending.take(threadID)
			if len(ids) == 0 {
				continue
			}
			report(ctrl.MarkRead(ctx, threadID, ids...))
		case "/typing":
			if err := ctrl.SendTyping(peer, "", true); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "/pending":
			entries, err := ctrl.Pending(ctx)
			if err != nil {
				fmt.Printf("! %v\n", err)
				continue
			}
			for _, e := range entries {
				fmt.Printf("  %s %s attempts=%d queued=%s\n", e.Token, e.Type, e.Attempts, e.EnqueuedAt.Format(time.Kitchen))
			}
		case "/resume":
			ctrl.Resume()
		default:
			if strings.HasPrefix(cmd, "/") {
				fmt.Println(usage)
				continue
			}
			if peer == "" {
				fmt.Println("! no peer, use /to first")
				continue
			}
			report(ctrl.SendMessage(ctx, protocol.PrivateMessage{To: peer, Content: line}))
		}
	}
}

func report(token string, err error) {
	if err != nil {
		fmt.Printf("! %v\n", err)
		return
	}
	fmt.Printf("* queued %s\n", token)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
