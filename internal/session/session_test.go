package session

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/go-chat-client/pkg/protocol"
)

// fakeSocket records emits and lets tests push inbound events. Handlers kept
// in stale keep firing even after off, simulating an in-flight dispatch that
// races teardown.
type fakeSocket struct {
	mu       sync.Mutex
	emits    []emitted
	handlers map[string][]entry
	stale    map[string][]func(json.RawMessage)
	nextID   int
}

type emitted struct {
	event   string
	payload any
}

type entry struct {
	id int
	fn func(json.RawMessage)
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		handlers: make(map[string][]entry),
		stale:    make(map[string][]func(json.RawMessage)),
	}
}

func (f *fakeSocket) Emit(event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitted{event: event, payload: payload})
}

func (f *fakeSocket) On(event string, fn func(json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.handlers[event] = append(f.handlers[event], entry{id: id, fn: fn})
	f.stale[event] = append(f.stale[event], fn)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		hs := f.handlers[event]
		for i, h := range hs {
			if h.id == id {
				f.handlers[event] = append(hs[:i], hs[i+1:]...)
				return
			}
		}
	}
}

// push delivers an event through the live handlers.
func (f *fakeSocket) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	hs := append([]entry(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h.fn(data)
	}
}

// pushStale delivers an event through every handler ever registered,
// including revoked ones — a late frame from before the unsubscribe.
func (f *fakeSocket) pushStale(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	hs := make([]func(json.RawMessage), len(f.stale[event]))
	copy(hs, f.stale[event])
	f.mu.Unlock()
	for _, fn := range hs {
		fn(data)
	}
}

func (f *fakeSocket) countEmits(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emits {
		if e.event == event {
			n++
		}
	}
	return n
}

func (f *fakeSocket) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

// helper: receive one snapshot with a timeout so tests never hang
func recvSnapshot(t *testing.T, ch <-chan Snapshot, within time.Duration) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("watcher channel closed unexpectedly")
		}
		return snap
	case <-time.After(within):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{} // unreachable
	}
}

// waitFor drains snapshots until pred holds.
func waitFor(t *testing.T, ch <-chan Snapshot, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				t.Fatalf("watcher channel closed before condition held")
			}
			if pred(snap) {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for condition")
		}
	}
}

func newTestSession(t *testing.T, sock Socket) *Session {
	t.Helper()
	s, err := New(Config{Identity: "alice", Socket: sock, Logger: zap.NewNop()})
	require.NoError(t, err)
	return s
}

func TestNew_RejectsEmptyIdentity(t *testing.T) {
	_, err := New(Config{Socket: newFakeSocket()})
	require.ErrorIs(t, err, ErrNoIdentity)
}

func TestJoin_EmitsOnceAndConfirmationTransitions(t *testing.T) {
	sock := newFakeSocket()
	s := newTestSession(t, sock)
	ch, off := s.Watch()
	defer off()
	_ = recvSnapshot(t, ch, time.Second) // initial

	s.Join("R1")
	snap := recvSnapshot(t, ch, time.Second)
	require.Equal(t, StateJoining, snap.State)

	// remount: a second join for the same room must have no effect
	s.Join("R1")

	sock.push(t, protocol.EvtRoomJoined, protocol.Room{ID: "R1", Name: "general", CreatedBy: "bob"})
	snap = waitFor(t, ch, func(s Snapshot) bool { return s.State == StateJoined })
	require.Equal(t, "general", snap.Room.Name)
	require.Equal(t, "Joined general", snap.Notice)

	require.Equal(t, 1, sock.countEmits(protocol.EvtRoomJoin))
}

func TestMembership_ReplacedWholesale(t *testing.T) {
	sock := newFakeSocket()
	s := newTestSession(t, sock)
	ch, off := s.Watch()
	defer off()

	s.Join("R1")
	sock.push(t, protocol.EvtRoomUsers, []protocol.User{{ID: "1", Username: "alice"}, {ID: "2", Username: "bob"}})
	sock.push(t, protocol.EvtRoomUsers, []protocol.User{{ID: "3", Username: "carol"}})

	snap := waitFor(t, ch, func(s Snapshot) bool { return len(s.Users) == 1 })
	require.Equal(t, "carol", snap.Users[0].Username)
}

func TestSendMessage_BlankIsNoOp(t *testing.T) {
	sock := newFakeSocket()
	s := newTestSession(t, sock)
	ch, off := s.Watch()
	defer off()

	s.Join("R1")
	s.SendMessage("  ")
	s.SendMessage("hello")

	snap := waitFor(t, ch, func(s Snapshot) bool { return len(s.Messages) > 0 })
	require.Len(t, snap.Messages, 1)
	require.Equal(t, "alice", snap.Messages[0].User)
	require.Equal(t, "hello", snap.Messages[0].Text)
	require.Equal(t, 1, sock.countEmits(protocol.EvtMessageSend))
}

func TestHistoryThenIncoming_OrderPreserved(t *testing.T) {
	sock := newFakeSocket()
	s := newTestSession(t, sock)
	ch, off := s.Watch()
	defer off()

	s.Join("R1")
	sock.push(t, protocol.EvtRoomJoined, protocol.Room{ID: "R1", Name: "general"})
	sock.push(t, protocol.EvtRoomHistory, []protocol.Message{
		{ID: "m1", RoomID: "R1", User: "bob", Text: "one"},
		{ID: "m2", RoomID: "R1", User: "bob", Text: "two"},
	})

	snap := waitFor(t, ch, func(s Snapshot) bool { return len(s.Messages) == 2 })

	sock.push(t, protocol.EvtMessageNew, protocol.Message{ID: "m3", RoomID: "R1", User: "bob", Text: "three"})
	snap = waitFor(t, ch, func(s Snapshot) bool { return len(s.Messages) == 3 })
	require.Equal(t, []string{"one", "two", "three"},
		[]string{snap.Messages[0].Text, snap.Messages[1].Text, snap.Messages[2].Text})
}

func TestRoomError_OnOtherSessionLeavesFirstUntouched(t *testing.T) {
	sockA := newFakeSocket()
	sa := newTestSession(t, sockA)
	chA, offA := sa.Watch()
	defer offA()

	sa.Join("R1")
	sockA.push(t, protocol.EvtRoomJoined, protocol.Room{ID: "R1", Name: "general"})
	sockA.push(t, protocol.EvtRoomHistory, []protocol.Message{
		{ID: "m1", Text: "one"}, {ID: "m2", Text: "two"},
	})
	waitFor(t, chA, func(s Snapshot) bool { return s.State == StateJoined && len(s.Messages) == 2 })

	// a second session's rejected join must not leak into the first
	sockB := newFakeSocket()
	sb := newTestSession(t, sockB)
	chB, offB := sb.Watch()
	defer offB()
	sb.Join("NOPE")
	sockB.push(t, protocol.EvtRoomError, "Room not found")

	snapB := waitFor(t, chB, func(s Snapshot) bool { return s.State == StateErrored })
	require.Equal(t, "Room not found", snapB.Err)

	viewA := sa.View()
	require.Equal(t, StateJoined, viewA.State)
	require.Len(t, viewA.Messages, 2)
}

func TestLeave_GuardsAgainstLateEvents(t *testing.T) {
	sock := newFakeSocket()
	s := newTestSession(t, sock)
	ch, off := s.Watch()
	defer off()

	s.Join("R1")
	sock.push(t, protocol.EvtRoomJoined, protocol.Room{ID: "R1", Name: "general"})
	waitFor(t, ch, func(s Snapshot) bool { return s.State == StateJoined })

	s.Leave()
	require.Equal(t, StateLeft, s.View().State)
	require.Equal(t, 1, sock.countEmits(protocol.EvtRoomLeave))
	require.Zero(t, sock.handlerCount(), "all subscriptions must be revoked at teardown")

	// a frame already in flight when we tore down must not mutate the log
	sock.pushStale(t, protocol.EvtMessageNew, protocol.Message{ID: "late", RoomID: "R1", User: "bob", Text: "late"})
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, s.View().Messages)

	// leave is exactly-once even if called again
	s.Leave()
	require.Equal(t, 1, sock.countEmits(protocol.EvtRoomLeave))
}

func TestTyping_PeerSignalsExpireAndRefresh(t *testing.T) {
	sock := newFakeSocket()
	s, err := New(Config{
		Identity:     "alice",
		Socket:       sock,
		Logger:       zap.NewNop(),
		TypingWindow: 150 * time.Millisecond,
	})
	require.NoError(t, err)
	ch, off := s.Watch()
	defer off()

	s.Join("R1")
	sock.push(t, protocol.EvtUserTyping, "bob")
	snap := waitFor(t, ch, func(s Snapshot) bool { return len(s.Typing) == 1 })
	require.Equal(t, []string{"bob"}, snap.Typing)

	// refresh twice with gaps under the window; bob must survive each one
	time.Sleep(80 * time.Millisecond)
	sock.push(t, protocol.EvtUserTyping, "bob")
	time.Sleep(80 * time.Millisecond)
	sock.push(t, protocol.EvtUserTyping, "bob")
	last := time.Now()

	snap = waitFor(t, ch, func(s Snapshot) bool { return len(s.Typing) == 0 })
	require.GreaterOrEqual(t, time.Since(last), 150*time.Millisecond,
		"typing entry removed before the quiet window after the last signal")
}

func TestTyping_LocalIdentityNeverInOwnSet(t *testing.T) {
	sock := newFakeSocket()
	s := newTestSession(t, sock)
	ch, off := s.Watch()
	defer off()

	s.Join("R1")
	sock.push(t, protocol.EvtUserTyping, "alice")
	sock.push(t, protocol.EvtUserTyping, "bob")

	snap := waitFor(t, ch, func(s Snapshot) bool { return len(s.Typing) > 0 })
	require.Equal(t, []string{"bob"}, snap.Typing)
}

func TestNotifyTyping_DebouncedToOneEmitPerBurst(t *testing.T) {
	sock := newFakeSocket()
	s := newTestSession(t, sock)
	ch, off := s.Watch()
	defer off()

	s.Join("R1")
	s.NotifyTyping()
	s.NotifyTyping()
	s.NotifyTyping()

	// sync point: an inbound event ordered after the typing intents
	sock.push(t, protocol.EvtUserTyping, "bob")
	waitFor(t, ch, func(s Snapshot) bool { return len(s.Typing) == 1 })

	require.Equal(t, 1, sock.countEmits(protocol.EvtUserTyping))
}

func TestNotifier_FailureIsSwallowed(t *testing.T) {
	sock := newFakeSocket()
	s, err := New(Config{
		Identity: "alice",
		Socket:   sock,
		Logger:   zap.NewNop(),
		Notifier: notifierFunc(func(protocol.Message) error { return errors.New("no audio device") }),
	})
	require.NoError(t, err)
	ch, off := s.Watch()
	defer off()

	s.Join("R1")
	sock.push(t, protocol.EvtMessageNew, protocol.Message{ID: "m1", RoomID: "R1", User: "bob", Text: "hi"})

	snap := waitFor(t, ch, func(s Snapshot) bool { return len(s.Messages) == 1 })
	require.Equal(t, "hi", snap.Messages[0].Text)
}

func TestNotifier_SkipsSelfAndSystem(t *testing.T) {
	sock := newFakeSocket()
	var mu sync.Mutex
	var notified []string
	s, err := New(Config{
		Identity: "alice",
		Socket:   sock,
		Logger:   zap.NewNop(),
		Notifier: notifierFunc(func(m protocol.Message) error {
			mu.Lock()
			defer mu.Unlock()
			notified = append(notified, m.User)
			return nil
		}),
	})
	require.NoError(t, err)
	ch, off := s.Watch()
	defer off()

	s.Join("R1")
	sock.push(t, protocol.EvtMessageNew, protocol.Message{ID: "m1", RoomID: "R1", User: "alice", Text: "me"})
	sock.push(t, protocol.EvtMessageNew, protocol.Message{ID: "m2", RoomID: "R1", User: protocol.SystemUser, Text: "bob joined the room"})
	sock.push(t, protocol.EvtMessageNew, protocol.Message{ID: "m3", RoomID: "R1", User: "bob", Text: "hi"})

	waitFor(t, ch, func(s Snapshot) bool { return len(s.Messages) == 3 })

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"bob"}, notified)
}

type notifierFunc func(protocol.Message) error

func (f notifierFunc) Notify(m protocol.Message) error { return f(m) }
