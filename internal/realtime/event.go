package realtime

import "encoding/json"

// Inbound event types accepted from clients.
const (
	EventJoinDiscussion  = "join-discussion"
	EventLeaveDiscussion = "leave-discussion"
	EventSendMessage     = "send-message"
	EventTyping          = "typing"
	EventStopTyping      = "stop-typing"
)

// Outbound event types pushed to clients.
const (
	EventNewMessage = "new-message"
	EventUserJoined = "user-joined"
	EventUserLeft   = "user-left"
	EventError      = "error"
)

// Envelope is the wire frame for every socket event, both directions.
type Envelope struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"roomId,omitempty"`
	RoomType string          `json:"roomType,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// SendPayload is the client payload for send-message events.
type SendPayload struct {
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	ReplyToID   string `json:"replyToId,omitempty"`
	TempID      string `json:"tempId,omitempty"`
}

// PresencePayload travels with typing and join/leave events.
type PresencePayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// ErrorPayload reports a rejected inbound event back to its author.
type ErrorPayload struct {
	Message string `json:"message"`
}
