// Package session implements the per-room state machine: join/leave, the
// membership list, the message log and the typing set, driven by events from
// the shared connection. One goroutine owns all of it; callers send intents
// in and observe immutable snapshots out.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/go-chat-client/internal/typing"
	"github.com/DoyleJ11/go-chat-client/pkg/protocol"
)

type State string

const (
	StateJoining State = "joining"
	StateJoined  State = "joined"
	StateLeft    State = "left"
	StateErrored State = "errored"
)

var ErrNoIdentity = errors.New("session: identity must not be empty")

// Socket is the slice of the connection handle the session needs. The
// session holds a non-owning reference: it never closes the connection.
type Socket interface {
	Emit(event string, payload any)
	On(event string, fn func(json.RawMessage)) (off func())
}

// Notifier is the best-effort side effect for arriving peer messages (a
// sound, a terminal bell). Failures are swallowed, never surfaced.
type Notifier interface {
	Notify(m protocol.Message) error
}

const (
	defaultTypingWindow = 3 * time.Second
	defaultTypingIdle   = 2 * time.Second
)

type Config struct {
	Identity string
	Socket   Socket
	Logger   *zap.Logger
	Notifier Notifier // optional

	// Timer windows; zero means the defaults. Overridden only in tests.
	TypingWindow time.Duration
	TypingIdle   time.Duration
}

// Snapshot is the immutable view published on every state change.
type Snapshot struct {
	State    State
	Room     *protocol.Room
	Users    []protocol.User
	Messages []protocol.Message
	Typing   []string
	Notice   string // one-shot, set on the snapshot published at join
	Err      string // set when State is StateErrored
}

type msg interface{ isSessionMsg() }

type joinCmd struct{ roomID string }

type leaveCmd struct{ done chan struct{} }

type sendCmd struct{ text string }

type typingCmd struct{}

type watchCmd struct {
	ch    chan Snapshot
	reply chan func()
}

type unwatchCmd struct{ id int }

type inboundEvt struct {
	event string
	data  json.RawMessage
}

type typingExpiredMsg struct{ e typing.Expiry }

type debounceIdleMsg struct{ gen int }

func (joinCmd) isSessionMsg()          {}
func (leaveCmd) isSessionMsg()         {}
func (sendCmd) isSessionMsg()          {}
func (typingCmd) isSessionMsg()        {}
func (watchCmd) isSessionMsg()         {}
func (unwatchCmd) isSessionMsg()       {}
func (inboundEvt) isSessionMsg()       {}
func (typingExpiredMsg) isSessionMsg() {}
func (debounceIdleMsg) isSessionMsg()  {}

type Session struct {
	inbox  chan msg
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger
	sock   Socket
	notif  Notifier

	last atomic.Value // Snapshot, latest published

	// loop-owned state below; never touched off the loop goroutine
	identity  string
	state     State
	roomID    string
	room      *protocol.Room
	users     []protocol.User
	msgs      Log
	table     *typing.Table
	deb       *typing.Debouncer
	offs      []func()
	watchers  map[int]chan Snapshot
	nextWatch int
	leaveSent bool
	errText   string
}

func New(cfg Config) (*Session, error) {
	if cfg.Identity == "" {
		return nil, ErrNoIdentity
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	window := cfg.TypingWindow
	if window == 0 {
		window = defaultTypingWindow
	}
	idle := cfg.TypingIdle
	if idle == 0 {
		idle = defaultTypingIdle
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		inbox:    make(chan msg, 64),
		ctx:      ctx,
		cancel:   cancel,
		log:      cfg.Logger,
		sock:     cfg.Socket,
		notif:    cfg.Notifier,
		identity: cfg.Identity,
		state:    StateJoining,
		watchers: make(map[int]chan Snapshot),
	}
	s.table = typing.NewTable(cfg.Identity, window, func(e typing.Expiry) {
		s.post(typingExpiredMsg{e: e})
	})
	s.deb = typing.NewDebouncer(idle, func(gen int) {
		s.post(debounceIdleMsg{gen: gen})
	})
	s.last.Store(s.snapshot(""))

	go s.loop()
	return s, nil
}

func (s *Session) Identity() string { return s.identity }

// Join requests membership in a room. Calling it again for the same room
// while joining or joined is a no-op, so a remounting caller cannot emit a
// duplicate join.
func (s *Session) Join(roomID string) {
	if roomID == "" {
		return
	}
	s.post(joinCmd{roomID: roomID})
}

// Leave tears the session down: the leave intent goes out at most once, all
// event subscriptions are revoked and all timers cancelled in one step on
// the loop. It blocks until teardown completes and is safe to call twice.
func (s *Session) Leave() {
	done := make(chan struct{})
	select {
	case s.inbox <- leaveCmd{done: done}:
		select {
		case <-done:
		case <-s.ctx.Done():
		}
	case <-s.ctx.Done():
	}
}

// SendMessage appends an optimistic local message and emits it. Blank input
// after trimming is rejected silently.
func (s *Session) SendMessage(text string) {
	s.post(sendCmd{text: text})
}

// NotifyTyping records local typing activity; the outbound signal is
// debounced to roughly one per burst.
func (s *Session) NotifyTyping() {
	s.post(typingCmd{})
}

// View returns the most recently published snapshot.
func (s *Session) View() Snapshot {
	return s.last.Load().(Snapshot)
}

// Watch registers a snapshot channel. The current snapshot is delivered
// immediately; a slow watcher sees the latest state, not a backlog. The
// returned stop function is idempotent; the channel closes at teardown.
func (s *Session) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)
	reply := make(chan func(), 1)
	select {
	case s.inbox <- watchCmd{ch: ch, reply: reply}:
		select {
		case off := <-reply:
			return ch, off
		case <-s.ctx.Done():
		}
	case <-s.ctx.Done():
	}
	close(ch)
	return ch, func() {}
}

// post delivers a message to the loop unless the session is torn down; a
// stale event arriving after teardown is dropped here.
func (s *Session) post(m msg) {
	select {
	case s.inbox <- m:
	case <-s.ctx.Done():
	}
}

func (s *Session) loop() {
	for {
		select {
		case <-s.ctx.Done():
			return

		case m := <-s.inbox:
			switch m := m.(type) {
			case joinCmd:
				s.handleJoin(m.roomID)

			case leaveCmd:
				s.teardown()
				close(m.done)
				return

			case sendCmd:
				s.handleSend(m.text)

			case typingCmd:
				if s.roomID == "" {
					break
				}
				if s.deb.Touch() {
					s.sock.Emit(protocol.EvtUserTyping, protocol.TypingSignal{
						RoomID:   s.roomID,
						Username: s.identity,
					})
				}

			case debounceIdleMsg:
				s.deb.Idle(m.gen)

			case typingExpiredMsg:
				if s.table.Expire(m.e) {
					s.publish("")
				}

			case inboundEvt:
				s.handleEvent(m.event, m.data)
				if s.state == StateErrored {
					return
				}

			case watchCmd:
				id := s.nextWatch
				s.nextWatch++
				s.watchers[id] = m.ch
				m.ch <- s.snapshot("")
				m.reply <- func() { s.post(unwatchCmd{id: id}) }

			case unwatchCmd:
				if ch, ok := s.watchers[m.id]; ok {
					delete(s.watchers, m.id)
					close(ch)
				}
			}
		}
	}
}

func (s *Session) handleJoin(roomID string) {
	if s.roomID == roomID {
		return // already joining or joined; duplicate effect invocation
	}
	if s.roomID != "" {
		s.log.Warn("join ignored: session already bound to a room",
			zap.String("roomId", s.roomID),
			zap.String("requested", roomID))
		return
	}

	s.roomID = roomID
	s.subscribe()
	s.sock.Emit(protocol.EvtRoomJoin, protocol.JoinRequest{
		RoomID:   roomID,
		Username: s.identity,
	})
	s.publish("")
}

// subscribe registers the inbound event handlers exactly once; the guard
// keeps a re-invoked join from doubling up subscriptions.
func (s *Session) subscribe() {
	if len(s.offs) > 0 {
		return
	}
	forward := func(event string) func(json.RawMessage) {
		return func(data json.RawMessage) {
			s.post(inboundEvt{event: event, data: data})
		}
	}
	for _, ev := range []string{
		protocol.EvtRoomJoined,
		protocol.EvtRoomUsers,
		protocol.EvtRoomHistory,
		protocol.EvtMessageNew,
		protocol.EvtUserTyping,
		protocol.EvtRoomError,
	} {
		s.offs = append(s.offs, s.sock.On(ev, forward(ev)))
	}
}

func (s *Session) handleSend(text string) {
	if s.roomID == "" || protocol.IsBlank(text) {
		return
	}
	m := protocol.NewMessage(s.roomID, s.identity, text)
	s.msgs.Append(m)
	s.sock.Emit(protocol.EvtMessageSend, m)
	s.publish("")
}

func (s *Session) handleEvent(event string, data json.RawMessage) {
	switch event {
	case protocol.EvtRoomJoined:
		var room protocol.Room
		if err := json.Unmarshal(data, &room); err != nil {
			s.log.Warn("bad room:joined payload", zap.Error(err))
			return
		}
		if s.state != StateJoining || room.ID != s.roomID {
			return // confirmation for a join this session no longer owns
		}
		s.room = &room
		s.state = StateJoined
		s.publish("Joined " + room.Name)

	case protocol.EvtRoomUsers:
		var users []protocol.User
		if err := json.Unmarshal(data, &users); err != nil {
			s.log.Warn("bad room:users payload", zap.Error(err))
			return
		}
		s.users = users // wholesale replacement, never patched
		s.publish("")

	case protocol.EvtRoomHistory:
		var history []protocol.Message
		if err := json.Unmarshal(data, &history); err != nil {
			s.log.Warn("bad room:history payload", zap.Error(err))
			return
		}
		s.msgs.ReplaceAll(history)
		s.publish("")

	case protocol.EvtMessageNew:
		var m protocol.Message
		if err := json.Unmarshal(data, &m); err != nil {
			s.log.Warn("bad message:new payload", zap.Error(err))
			return
		}
		if m.RoomID != "" && m.RoomID != s.roomID {
			return
		}
		s.msgs.Append(m)
		if s.notif != nil && m.User != s.identity && m.User != protocol.SystemUser {
			if err := s.notif.Notify(m); err != nil {
				s.log.Debug("notification failed", zap.Error(err))
			}
		}
		s.publish("")

	case protocol.EvtUserTyping:
		var user string
		if err := json.Unmarshal(data, &user); err != nil {
			s.log.Warn("bad user:typing payload", zap.Error(err))
			return
		}
		if s.table.Observe(user) {
			s.publish("")
		}

	case protocol.EvtRoomError:
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			text = "join rejected"
		}
		s.state = StateErrored
		s.errText = text
		s.revoke()
		s.publish("")
		s.closeWatchers()
		s.cancel()
	}
}

// teardown is the Left transition: leave goes out once, subscriptions and
// timers die together, watchers get the final snapshot and close.
func (s *Session) teardown() {
	if !s.leaveSent && s.roomID != "" {
		s.leaveSent = true
		s.sock.Emit(protocol.EvtRoomLeave, protocol.LeaveRequest{RoomID: s.roomID})
	}
	s.state = StateLeft
	s.revoke()
	s.publish("")
	s.closeWatchers()
	s.cancel()
}

func (s *Session) revoke() {
	for _, off := range s.offs {
		off()
	}
	s.offs = nil
	s.table.Stop()
	s.deb.Stop()
}

func (s *Session) closeWatchers() {
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
}

func (s *Session) publish(notice string) {
	snap := s.snapshot(notice)
	s.last.Store(snap)
	for _, ch := range s.watchers {
		select {
		case ch <- snap:
		default:
			// latest wins: shed the oldest queued snapshot and try again
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (s *Session) snapshot(notice string) Snapshot {
	snap := Snapshot{
		State:    s.state,
		Messages: s.msgs.Messages(),
		Typing:   s.table.Users(),
		Notice:   notice,
		Err:      s.errText,
	}
	if s.room != nil {
		r := *s.room
		snap.Room = &r
	}
	if len(s.users) > 0 {
		snap.Users = append([]protocol.User(nil), s.users...)
	}
	return snap
}
