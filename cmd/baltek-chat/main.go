package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Nirovitsky/baltek-business-chat/internal/auth"
	"github.com/Nirovitsky/baltek-business-chat/internal/chat"
	"github.com/Nirovitsky/baltek-business-chat/internal/config"
	"github.com/Nirovitsky/baltek-business-chat/internal/rest"
	"github.com/Nirovitsky/baltek-business-chat/internal/stats"
	"github.com/Nirovitsky/baltek-business-chat/internal/store"
	"github.com/Nirovitsky/baltek-business-chat/internal/types"
)

// sendTimeout is how long a send may stay unconfirmed before it is shown
// as failed. A confirmation arriving later still reconciles the entry.
const sendTimeout = 10 * time.Second

var (
	apiBaseURL string
	socketURL  string
	statePath  string
	email      string
	password   string
	debugAddr  string
)

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "baltek-chat.db"
	}
	return filepath.Join(dir, "baltek-chat", "state.db")
}

func main() {
	flag.StringVar(&apiBaseURL, "api", "http://localhost:8000", "API base URL")
	flag.StringVar(&socketURL, "socket-url", "", "websocket URL, derived from -api when empty")
	flag.StringVar(&statePath, "state", defaultStatePath(), "path of the local state database")
	flag.StringVar(&email, "email", "", "login email")
	flag.StringVar(&password, "password", "", "login password")
	flag.StringVar(&debugAddr, "debug-addr", "", "address for the stats endpoint, disabled when empty")
	flag.Parse()

	logger := log.New(os.Stderr, "[baltek-chat] ", log.LstdFlags)

	cfg, err := config.NewConfig(apiBaseURL, socketURL, statePath)
	if err != nil {
		logger.Fatal("config:", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o755); err != nil {
		logger.Fatal("state dir:", err)
	}

	state, err := store.Open(cfg.StatePath)
	if err != nil {
		logger.Fatal("open state:", err)
	}
	defer func() {
		if err := state.Close(); err != nil {
			logger.Println("close state:", err)
		}
	}()

	api, err := rest.NewClient(cfg.APIBaseURL, nil, logger)
	if err != nil {
		logger.Fatal("rest client:", err)
	}

	manager := auth.NewManager(api, state, logger)
	api.SetTokenSource(manager)

	ctx := context.Background()
	if !manager.Authenticated() {
		if email == "" || password == "" {
			logger.Fatal("no saved session, log in with -email and -password")
		}
		if err := manager.Login(ctx, email, password); err != nil {
			logger.Fatal("login:", err)
		}
	}

	userID, ok := manager.UserID()
	if !ok {
		logger.Fatal("could not read the user id from the access token")
	}

	statsUpdater := stats.NewStatsUpdater()
	statsUpdater.Run()
	defer statsUpdater.Stop()

	if debugAddr != "" {
		debugMux := http.NewServeMux()
		debugMux.Handle("/debug/stats", statsUpdater.Handler())
		go func() {
			if err := http.ListenAndServe(debugAddr, debugMux); err != nil {
				logger.Println("debug server:", err)
			}
		}()
	}

	session, err := chat.NewSession(logger, manager, api, statsUpdater, chat.Options{
		SocketURL: cfg.SocketURL,
		Identity:  types.User{Id: userID},
	})
	if err != nil {
		logger.Fatal("session:", err)
	}
	defer session.Close()

	ui := &console{session: session, stats: statsUpdater}
	session.Subscribe(ui.handleEvent)

	selectOrganization(ctx, logger, api, state)
	if err := loadRooms(ctx, api, session); err != nil {
		logger.Println("load rooms:", err)
	}

	if err := session.Connect(); err != nil {
		logger.Println("connect:", err)
	}

	done := make(chan struct{})
	go ui.repl(ctx, manager, api, done)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case <-done:
	}
}

func selectOrganization(ctx context.Context, logger *log.Logger, api *rest.Client, state *store.Store) {
	orgs, err := api.Organizations(ctx)
	if err != nil {
		logger.Println("list organizations:", err)
		return
	}
	if len(orgs) == 0 {
		return
	}

	if selected, err := state.SelectedOrganization(); err == nil {
		for _, org := range orgs {
			if org.Id == selected {
				fmt.Printf("organization: %s\n", orgLabel(org))
				return
			}
		}
	}

	if err := state.SaveSelectedOrganization(orgs[0].Id); err != nil {
		logger.Println("save organization:", err)
	}
	fmt.Printf("organization: %s\n", orgLabel(orgs[0]))
}

func orgLabel(org types.Organization) string {
	if org.DisplayName != "" {
		return org.DisplayName
	}
	return org.OfficialName
}

func loadRooms(ctx context.Context, api *rest.Client, session *chat.Session) error {
	page, err := api.ListRooms(ctx, 1)
	if err != nil {
		return err
	}
	session.SetRooms(page.Results)
	return nil
}

// console renders session events to stdout and drives the session from
// stdin commands.
type console struct {
	session *chat.Session
	stats   *stats.StatsUpdater

	mu          sync.Mutex
	lastPrinted string
}

func (c *console) handleEvent(ev chat.Event) {
	switch ev.Kind {
	case chat.EventConnState:
		if ev.State == chat.StateDisconnected && ev.Attempt > 0 {
			fmt.Printf("* %s (reconnect attempt %d)\n", ev.State, ev.Attempt)
			return
		}
		fmt.Printf("* %s\n", ev.State)
	case chat.EventRoom:
		fmt.Printf("* now in room %d\n", ev.RoomID)
	case chat.EventTimeline:
		c.printLatest()
	case chat.EventRoomActivity:
		if ev.Message != nil {
			fmt.Printf("* activity in room %d: %s\n", ev.RoomID, ev.Message.Text)
		}
	case chat.EventServerError:
		fmt.Printf("* server error: %s\n", ev.Detail)
	case chat.EventAuthRequired:
		fmt.Printf("* session expired: %s (use /login <email> <password>)\n", ev.Detail)
	case chat.EventRetriesExhausted:
		fmt.Println("* gave up reconnecting, use /reconnect")
	}
}

// printLatest prints the newest timeline entry when it changed since the
// last print. Status changes on the same entry print again so sends are
// seen going from sending to delivered or failed.
func (c *console) printLatest() {
	timeline := c.session.Timeline()
	if len(timeline) == 0 {
		return
	}
	last := timeline[len(timeline)-1]
	marker := last.Key() + "/" + string(last.Status)

	c.mu.Lock()
	changed := c.lastPrinted != marker
	if changed {
		c.lastPrinted = marker
	}
	c.mu.Unlock()

	if !changed {
		return
	}

	fmt.Println(formatMessage(last))
	if last.ID > 0 {
		c.session.MarkSeen(last.ID)
	}
}

func formatMessage(m chat.Message) string {
	name := m.OwnerName
	if name == "" {
		name = fmt.Sprintf("user %d", m.Owner)
	}

	var suffix string
	switch m.Status {
	case chat.StatusSending:
		suffix = " (sending)"
	case chat.StatusFailed:
		suffix = fmt.Sprintf(" (failed: %s, /retry %s)", m.FailReason, m.LocalID)
	}

	var attachments string
	if len(m.Attachments) > 0 {
		names := make([]string, 0, len(m.Attachments))
		for _, a := range m.Attachments {
			names = append(names, a.Name)
		}
		attachments = " [" + strings.Join(names, ", ") + "]"
	}

	return fmt.Sprintf("%s %s: %s%s%s", m.CreatedAt.Local().Format("15:04"), name, m.Text, attachments, suffix)
}

func (c *console) repl(ctx context.Context, manager *auth.Manager, api *rest.Client, done chan<- struct{}) {
	defer close(done)

	fmt.Println("commands: /rooms /join <id> /history /older /upload <path> /retry <id> /stats /login /logout /reconnect /quit")
	fmt.Println("anything else is sent to the active room")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			c.sendText(line, nil)
			continue
		}

		cmd, args, _ := strings.Cut(line[1:], " ")
		args = strings.TrimSpace(args)

		switch cmd {
		case "quit", "exit":
			return
		case "rooms":
			c.printRooms(ctx, api)
		case "join":
			id, err := strconv.Atoi(args)
			if err != nil {
				fmt.Println("usage: /join <room-id>")
				continue
			}
			c.session.JoinRoom(id)
		case "history":
			for _, m := range c.session.Timeline() {
				fmt.Println(formatMessage(m))
			}
		case "older":
			if !c.session.LoadOlderMessages() {
				fmt.Println("no more history")
			}
		case "retry":
			if newID := c.session.RetryMessage(args); newID != "" {
				c.scheduleTimeout(newID)
			} else {
				fmt.Println("nothing to retry")
			}
		case "upload":
			c.upload(ctx, api, args)
		case "stats":
			c.printStats()
		case "login":
			parts := strings.Fields(args)
			if len(parts) != 2 {
				fmt.Println("usage: /login <email> <password>")
				continue
			}
			if err := manager.Login(ctx, parts[0], parts[1]); err != nil {
				fmt.Println("login failed:", err)
				continue
			}
			if err := c.session.Retry(); err != nil {
				fmt.Println("reconnect:", err)
			}
		case "logout":
			if err := manager.Logout(); err != nil {
				fmt.Println("logout:", err)
			}
		case "reconnect":
			if err := c.session.Retry(); err != nil {
				fmt.Println("reconnect:", err)
			}
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
	}
}

func (c *console) sendText(text string, attachments []types.Attachment) {
	roomID := c.session.ActiveRoom()
	if roomID == 0 {
		fmt.Println("join a room first: /join <room-id>")
		return
	}

	localID := c.session.Send(roomID, text, attachments)
	if localID == "" {
		return
	}
	c.scheduleTimeout(localID)
}

// scheduleTimeout marks the send failed once the timeout passes.
// MarkSendFailed ignores entries that were already confirmed or removed.
func (c *console) scheduleTimeout(localID string) {
	time.AfterFunc(sendTimeout, func() {
		c.session.MarkSendFailed(localID, "send timed out")
	})
}

func (c *console) upload(ctx context.Context, api *rest.Client, path string) {
	if path == "" {
		fmt.Println("usage: /upload <path>")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		fmt.Println("open:", err)
		return
	}
	defer f.Close()

	att, err := api.Upload(ctx, filepath.Base(path), f)
	if err != nil {
		fmt.Println("upload:", err)
		return
	}
	c.sendText("", []types.Attachment{att})
}

func (c *console) printRooms(ctx context.Context, api *rest.Client) {
	page, err := api.ListRooms(ctx, 1)
	if err != nil {
		fmt.Println("list rooms:", err)
		return
	}
	c.session.SetRooms(page.Results)

	for _, room := range page.Results {
		line := fmt.Sprintf("%3d  %s", room.Id, room.Name)
		if room.LastMessage != nil {
			line += fmt.Sprintf(" (last: %s)", room.LastMessage.Text)
		}
		fmt.Println(line)
	}
}

func (c *console) printStats() {
	snap := c.stats.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Printf("%-24s %d\n", name, snap[name])
	}
	fmt.Printf("%-24s %d\n", "QueuedSends", c.session.QueuedSends())
}
