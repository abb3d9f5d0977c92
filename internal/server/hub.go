// Package server is the reference chat backend: a full implementation of the
// client's wire contract, used for local development and integration tests.
// The production backend is external; this one mirrors its observable
// behavior.
package server

import (
	"context"
	"crypto/rand"
	"math/big"

	"go.uber.org/zap"

	"github.com/DoyleJ11/go-chat-client/pkg/protocol"
)

type HubMsg interface{ isHubMsg() }

type CreateRoom struct {
	Name      string
	CreatedBy string
	Reply     chan *Room
}

type GetRoom struct {
	ID    string
	Reply chan *Room
}

type RemoveRoom struct {
	ID string
}

type ListRooms struct {
	Reply chan []protocol.RoomInfo
}

type ShutdownHub struct{}

func (CreateRoom) isHubMsg()  {}
func (GetRoom) isHubMsg()     {}
func (RemoveRoom) isHubMsg()  {}
func (ListRooms) isHubMsg()   {}
func (ShutdownHub) isHubMsg() {}

// Hub owns the room registry. All access goes through the inbox.
type Hub struct {
	inbox  chan HubMsg
	rooms  map[string]*Room
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger
}

func NewHub(parent context.Context, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		rooms:  make(map[string]*Room),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateRoom:
				id, err := h.newRoomID()
				if err != nil {
					h.log.Error("room id generation failed", zap.Error(err))
					msg.Reply <- nil
					break
				}
				r := NewRoom(h.ctx, protocol.Room{
					ID:        id,
					Name:      msg.Name,
					CreatedBy: msg.CreatedBy,
				}, h.log)
				h.rooms[id] = r
				h.log.Info("room created",
					zap.String("roomId", id),
					zap.String("name", msg.Name),
					zap.String("createdBy", msg.CreatedBy))
				msg.Reply <- r

			case GetRoom:
				msg.Reply <- h.rooms[msg.ID] // may be nil

			case RemoveRoom:
				if r := h.rooms[msg.ID]; r != nil {
					delete(h.rooms, msg.ID)
					r.Inbox() <- Shutdown{}
				}

			case ListRooms:
				infos := make([]protocol.RoomInfo, 0, len(h.rooms))
				for _, r := range h.rooms {
					meta := r.Meta()
					infos = append(infos, protocol.RoomInfo{
						ID:        meta.ID,
						Name:      meta.Name,
						CreatedBy: meta.CreatedBy,
						Users:     r.Occupancy(),
					})
				}
				msg.Reply <- infos

			case ShutdownHub:
				for _, r := range h.rooms {
					r.Inbox() <- Shutdown{}
				}
				clear(h.rooms)
				h.cancel()
			}
		}
	}
}

// newRoomID generates a short join code, regenerating on collision.
func (h *Hub) newRoomID() (string, error) {
	for {
		id, err := generateCode()
		if err != nil {
			return "", err
		}
		if _, taken := h.rooms[id]; !taken {
			return id, nil
		}
	}
}

func generateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}
