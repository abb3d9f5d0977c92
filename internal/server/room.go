package server

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/DoyleJ11/go-chat-client/pkg/protocol"
)

type RoomMsg interface{ isRoomMsg() }

type Join struct {
	ClientID string
	Username string
	Outbox   chan []byte // the connection's write channel; the room never closes it
}

type Leave struct{ ClientID string }

type Post struct {
	SenderID string
	Msg      protocol.Message
}

type Typing struct {
	SenderID string
	Username string
}

type GetState struct {
	Reply chan RoomView
}

type Shutdown struct{}

func (Join) isRoomMsg()     {}
func (Leave) isRoomMsg()    {}
func (Post) isRoomMsg()     {}
func (Typing) isRoomMsg()   {}
func (GetState) isRoomMsg() {}
func (Shutdown) isRoomMsg() {}

// RoomView reflects internal state without data races; test-only.
type RoomView struct {
	Meta      protocol.Room
	Occupants []protocol.User
	History   int
}

type occupant struct {
	id       string
	username string
	outbox   chan []byte
}

// Room is one chat channel: an ordered occupant list, the message history
// and the broadcast fan-out, owned by a single loop.
type Room struct {
	inbox     chan RoomMsg
	meta      protocol.Room
	occupants []occupant
	history   []protocol.Message
	count     atomic.Int32 // mirrored for the hub's roster listing
	ctx       context.Context
	cancel    context.CancelFunc
	log       *zap.Logger
}

func NewRoom(parent context.Context, meta protocol.Room, log *zap.Logger) *Room {
	ctx, cancel := context.WithCancel(parent)
	r := &Room{
		inbox:  make(chan RoomMsg, 64),
		meta:   meta,
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
	go r.loop()
	return r
}

func (r *Room) Inbox() chan<- RoomMsg { return r.inbox }

func (r *Room) Meta() protocol.Room { return r.meta }

func (r *Room) Occupancy() int { return int(r.count.Load()) }

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.remove(msg.ClientID) // a rejoin replaces the stale entry
				r.occupants = append(r.occupants, occupant{
					id:       msg.ClientID,
					username: msg.Username,
					outbox:   msg.Outbox,
				})
				r.count.Store(int32(len(r.occupants)))

				// joiner gets the authoritative room and the backlog seed,
				// then everyone hears about the arrival
				r.sendTo(msg.Outbox, protocol.EvtRoomJoined, r.meta)
				r.sendTo(msg.Outbox, protocol.EvtRoomHistory, r.history)
				r.system(msg.Username + " joined the room")
				r.broadcast("", protocol.EvtRoomUsers, r.userList())

			case Leave:
				username, removed := r.removeNamed(msg.ClientID)
				if !removed {
					break
				}
				r.count.Store(int32(len(r.occupants)))
				r.system(username + " left the room")
				r.broadcast("", protocol.EvtRoomUsers, r.userList())

			case Post:
				r.history = append(r.history, msg.Msg)
				// no echo: the sender already displayed it optimistically
				r.broadcast(msg.SenderID, protocol.EvtMessageNew, msg.Msg)

			case Typing:
				r.broadcast(msg.SenderID, protocol.EvtUserTyping, msg.Username)

			case GetState:
				msg.Reply <- RoomView{
					Meta:      r.meta,
					Occupants: r.userList(),
					History:   len(r.history),
				}

			case Shutdown:
				r.occupants = nil
				r.count.Store(0)
				r.cancel()
				return
			}
		}
	}
}

func (r *Room) remove(clientID string) bool {
	_, ok := r.removeNamed(clientID)
	return ok
}

func (r *Room) removeNamed(clientID string) (string, bool) {
	for i, o := range r.occupants {
		if o.id == clientID {
			r.occupants = append(r.occupants[:i], r.occupants[i+1:]...)
			r.count.Store(int32(len(r.occupants)))
			return o.username, true
		}
	}
	return "", false
}

func (r *Room) userList() []protocol.User {
	users := make([]protocol.User, len(r.occupants))
	for i, o := range r.occupants {
		users[i] = protocol.User{ID: o.id, Username: o.username}
	}
	return users
}

// system appends an announcement to history and broadcasts it to everyone.
func (r *Room) system(text string) {
	m := protocol.NewMessage(r.meta.ID, protocol.SystemUser, text)
	r.history = append(r.history, m)
	r.broadcast("", protocol.EvtMessageNew, m)
}

func (r *Room) broadcast(exceptID, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.log.Error("broadcast encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	for _, o := range r.occupants {
		if o.id == exceptID {
			continue
		}
		select {
		case o.outbox <- frame:
		default:
			// slow client; the frame is dropped, the connection's own read
			// failure will eventually trigger its leave
			r.log.Warn("dropping frame for slow client",
				zap.String("roomId", r.meta.ID),
				zap.String("clientId", o.id))
		}
	}
}

func (r *Room) sendTo(out chan []byte, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.log.Error("send encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case out <- frame:
	default:
		r.log.Warn("dropping frame for slow client", zap.String("roomId", r.meta.ID))
	}
}
