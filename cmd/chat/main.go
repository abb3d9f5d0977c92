// chat is a terminal client for the room server.
//
//	chat list            print the room directory
//	chat create <name>   create a room and print its id
//	chat <room-id>       join a room; lines from stdin are sent as messages
//
// CHAT_USERNAME must be set (a .env file works); CHAT_SERVER_URL defaults to
// the local devserver.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/DoyleJ11/go-chat-client/internal/roster"
	"github.com/DoyleJ11/go-chat-client/internal/session"
	"github.com/DoyleJ11/go-chat-client/internal/socket"
	"github.com/DoyleJ11/go-chat-client/pkg/protocol"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	url := os.Getenv("CHAT_SERVER_URL")
	if url == "" {
		url = "ws://localhost:3001/ws"
	}
	username := strings.TrimSpace(os.Getenv("CHAT_USERNAME"))
	if username == "" {
		fmt.Fprintln(os.Stderr, "CHAT_USERNAME is not set; pick a display name first")
		os.Exit(1)
	}

	conn := socket.NewManager(socket.Config{URL: url}, logger).Acquire()

	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: chat list | chat create <name> | chat <room-id>")
		os.Exit(2)
	}

	switch args[0] {
	case "list":
		listRooms(conn, username, logger)
	case "create":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chat create <name>")
			os.Exit(2)
		}
		createRoom(conn, username, strings.Join(args[1:], " "), logger)
	default:
		runRoom(conn, username, args[0], logger)
	}
}

func listRooms(conn *socket.Conn, username string, logger *zap.Logger) {
	dir := roster.New(conn, username, logger)
	defer dir.Close()
	ch, off := dir.Watch()
	defer off()

	dir.List()
	snap, ok := awaitRoster(ch, func(s roster.Snapshot) bool { return !s.Loading })
	if !ok {
		fmt.Fprintln(os.Stderr, "no answer from the server")
		os.Exit(1)
	}
	if len(snap.Rooms) == 0 {
		fmt.Println("no rooms yet; try: chat create <name>")
		return
	}
	for _, r := range snap.Rooms {
		fmt.Printf("%s  %-20s  by %-12s  %d online\n", r.ID, r.Name, r.CreatedBy, r.Users)
	}
}

func createRoom(conn *socket.Conn, username, name string, logger *zap.Logger) {
	dir := roster.New(conn, username, logger)
	defer dir.Close()
	ch, off := dir.Watch()
	defer off()

	dir.Create(name)
	snap, ok := awaitRoster(ch, func(s roster.Snapshot) bool {
		for _, r := range s.Rooms {
			if r.Name == name {
				return true
			}
		}
		return false
	})
	if !ok {
		fmt.Fprintln(os.Stderr, "no answer from the server")
		os.Exit(1)
	}
	for _, r := range snap.Rooms {
		if r.Name == name {
			fmt.Printf("created room %q: join with  chat %s\n", r.Name, r.ID)
			return
		}
	}
}

func awaitRoster(ch <-chan roster.Snapshot, pred func(roster.Snapshot) bool) (roster.Snapshot, bool) {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap, open := <-ch:
			if !open {
				return roster.Snapshot{}, false
			}
			if pred(snap) {
				return snap, true
			}
		case <-deadline:
			return roster.Snapshot{}, false
		}
	}
}

type bell struct{}

func (bell) Notify(protocol.Message) error {
	_, err := fmt.Print("\a")
	return err
}

func runRoom(conn *socket.Conn, username, roomID string, logger *zap.Logger) {
	s, err := session.New(session.Config{
		Identity: username,
		Socket:   conn,
		Logger:   logger,
		Notifier: bell{},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	snaps, off := s.Watch()
	defer off()
	s.Join(roomID)

	go render(snaps)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "/leave" {
			break
		}
		s.NotifyTyping()
		s.SendMessage(line)
	}
	s.Leave()
}

// render prints whatever each snapshot adds over the previous one.
func render(snaps <-chan session.Snapshot) {
	seen := 0
	for snap := range snaps {
		if snap.State == session.StateErrored {
			fmt.Fprintf(os.Stderr, "cannot stay in room: %s\n", snap.Err)
			os.Exit(1)
		}
		if snap.Notice != "" {
			fmt.Printf("* %s (%d online)\n", snap.Notice, len(snap.Users))
		}
		if seen > len(snap.Messages) {
			seen = 0 // history seed replaced the log wholesale
		}
		for _, m := range snap.Messages[seen:] {
			fmt.Printf("[%s] %s: %s\n", m.Time, m.User, m.Text)
		}
		seen = len(snap.Messages)
		if len(snap.Typing) > 0 {
			fmt.Printf("… %s typing\n", strings.Join(snap.Typing, ", "))
		}
	}
}
