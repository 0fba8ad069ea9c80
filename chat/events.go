package chat

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Connection-layer event names. Server-to-client events push full message
// records; client-to-server events carry the small payloads below.
const (
	EventGetOnlineUsers        = "getOnlineUsers"
	EventNewMessage            = "newMessage"
	EventMessageDelivered      = "messageDelivered"
	EventMessageRead           = "messageRead"
	EventMarkMessagesAsRead    = "markMessagesAsRead"
	EventTyping                = "typing"
	EventStopTyping            = "stopTyping"
	EventUserLastOnlineUpdated = "userLastOnlineUpdated"
	EventRequestOnlineUsers    = "requestOnlineUsers"
)

// Frame is the wire format: a named event plus its JSON payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func newFrame(event string, payload any) Frame {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payloads are our own structs; this only fires on a programming error.
		slog.Error("chat: failed to marshal frame", "event", event, "err", err)
	}
	return Frame{Event: event, Data: data}
}

// MarkReadPayload acknowledges every unread message of one conversation.
// ChatID is the counterpart user for direct chats, the group id otherwise.
type MarkReadPayload struct {
	ChatID  string `json:"chatId"`
	IsGroup bool   `json:"isGroup"`
}

// TypingPayload is relayed as-is; it is never persisted.
type TypingPayload struct {
	ChatID   string `json:"chatId"`
	IsGroup  bool   `json:"isGroup"`
	SenderID string `json:"senderId"`
	Username string `json:"username,omitempty"`
}

type LastOnlinePayload struct {
	UserID     string     `json:"userId"`
	LastOnline *time.Time `json:"lastOnline"`
}
