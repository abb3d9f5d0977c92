// Package protocol defines the named-event wire contract between the chat
// client and the backend. Every frame is an Envelope carrying an event name
// and a JSON payload.
package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client -> server events.
const (
	EvtRoomJoin    = "room:join"
	EvtRoomLeave   = "room:leave"
	EvtMessageSend = "message:send"
	EvtUserTyping  = "user:typing" // also server -> client, with a string payload
	EvtRoomsList   = "rooms:list"
	EvtRoomCreate  = "room:create"
)

// Server -> client events.
const (
	EvtRoomJoined  = "room:joined"
	EvtRoomUsers   = "room:users"
	EvtRoomHistory = "room:history"
	EvtMessageNew  = "message:new"
	EvtRoomError   = "room:error"
	EvtRoomsUpdate = "rooms:update"
)

// SystemUser is the pseudo-identity the backend attributes join/leave
// announcements to. Messages from it never trigger notifications.
const SystemUser = "System"

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps a payload in an Envelope and marshals the whole frame.
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

type Room struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedBy string `json:"createdBy"`
}

// RoomInfo is a Room plus its occupancy, as carried by rooms:update.
type RoomInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedBy string `json:"createdBy"`
	Users     int    `json:"users"`
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type Message struct {
	ID     string `json:"id"`
	RoomID string `json:"roomId"`
	User   string `json:"user"`
	Text   string `json:"text"`
	Time   string `json:"time"`
}

type JoinRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type LeaveRequest struct {
	RoomID string `json:"roomId"`
}

type TypingSignal struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type CreateRoomRequest struct {
	Name      string `json:"name"`
	CreatedBy string `json:"createdBy"`
}

// NewMessage builds a fully-formed outbound message. The id is generated
// client-side and is unique within the session; the time field is the
// display timestamp, not a logical clock.
func NewMessage(roomID, user, text string) Message {
	return Message{
		ID:     uuid.NewString(),
		RoomID: roomID,
		User:   user,
		Text:   text,
		Time:   time.Now().Format("15:04"),
	}
}

// IsBlank reports whether text is empty after trimming. Blank input is
// rejected locally before anything goes on the wire.
func IsBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}
