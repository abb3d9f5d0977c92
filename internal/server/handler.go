package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/go-chat-client/pkg/protocol"
)

const (
	writeTimeout = 3 * time.Second
	outboxSize   = 32
)

func wsHandler(h *Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true, // dev harness; not exposed beyond localhost
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		clientID := uuid.NewString()
		out := make(chan []byte, outboxSize)
		joined := make(map[string]*Room)

		// disconnect implies leave for every room this client is still in
		defer func() {
			for _, room := range joined {
				room.Inbox() <- Leave{ClientID: clientID}
			}
		}()

		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for {
				select {
				case frame := <-out:
					ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
					err := conn.Write(ctx, websocket.MessageText, frame)
					cancel()
					if err != nil {
						return
					}
				case <-writeCtx.Done():
					return
				}
			}
		}()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				log.Warn("bad frame", zap.String("clientId", clientID), zap.Error(err))
				continue
			}

			switch env.Event {
			case protocol.EvtRoomJoin:
				var req protocol.JoinRequest
				if json.Unmarshal(env.Data, &req) != nil || req.RoomID == "" || req.Username == "" {
					continue
				}
				reply := make(chan *Room, 1)
				h.Inbox() <- GetRoom{ID: req.RoomID, Reply: reply}
				room := <-reply
				if room == nil {
					send(out, log, protocol.EvtRoomError, "Room not found")
					continue
				}
				joined[req.RoomID] = room
				room.Inbox() <- Join{ClientID: clientID, Username: req.Username, Outbox: out}

			case protocol.EvtRoomLeave:
				var req protocol.LeaveRequest
				if json.Unmarshal(env.Data, &req) != nil {
					continue
				}
				if room := joined[req.RoomID]; room != nil {
					room.Inbox() <- Leave{ClientID: clientID}
					delete(joined, req.RoomID)
				}

			case protocol.EvtMessageSend:
				var m protocol.Message
				if json.Unmarshal(env.Data, &m) != nil || protocol.IsBlank(m.Text) {
					continue
				}
				if room := joined[m.RoomID]; room != nil {
					room.Inbox() <- Post{SenderID: clientID, Msg: m}
				}

			case protocol.EvtUserTyping:
				var sig protocol.TypingSignal
				if json.Unmarshal(env.Data, &sig) != nil {
					continue
				}
				if room := joined[sig.RoomID]; room != nil {
					room.Inbox() <- Typing{SenderID: clientID, Username: sig.Username}
				}

			case protocol.EvtRoomsList:
				send(out, log, protocol.EvtRoomsUpdate, listRooms(h))

			case protocol.EvtRoomCreate:
				var req protocol.CreateRoomRequest
				if json.Unmarshal(env.Data, &req) != nil || protocol.IsBlank(req.Name) {
					continue
				}
				reply := make(chan *Room, 1)
				h.Inbox() <- CreateRoom{Name: req.Name, CreatedBy: req.CreatedBy, Reply: reply}
				<-reply
				send(out, log, protocol.EvtRoomsUpdate, listRooms(h))

			default:
				log.Warn("unknown event", zap.String("event", env.Event))
			}
		}
	}
}

func listRooms(h *Hub) []protocol.RoomInfo {
	reply := make(chan []protocol.RoomInfo, 1)
	h.Inbox() <- ListRooms{Reply: reply}
	return <-reply
}

func send(out chan []byte, log *zap.Logger, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		log.Error("encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case out <- frame:
	default:
		log.Warn("dropping frame for slow client", zap.String("event", event))
	}
}
