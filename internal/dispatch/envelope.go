package dispatch

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Envelope types carried on the push connection.
const (
	TypeConnected     = "connected"
	TypeNewMessage    = "new_message"
	TypeTyping        = "typing"
	TypeMessageRead   = "message_read"
	TypeReadReceipt   = "read_receipt"
	TypeMessageStatus = "message_status"
)

// Envelope is the common header of every frame: {"type": ..., ...fields}.
type Envelope struct {
	Type string `json:"type"`
}

// NewMessageEvent is an inbound new_message.
type NewMessageEvent struct {
	ID           chat.ID           `json:"id"`
	Conversation chat.ID           `json:"conversation"`
	Sender       *chat.Participant `json:"sender"`
	Content      string            `json:"content"`
	CreatedAt    time.Time         `json:"created_at"`
	Attachments  []chat.Attachment `json:"attachments,omitempty"`
}

// Message converts the event into a message with server status sent.
func (e NewMessageEvent) Message() *chat.Message {
	return &chat.Message{
		ID:             e.ID,
		ConversationID: e.Conversation,
		Sender:         e.Sender,
		Content:        e.Content,
		Attachments:    e.Attachments,
		Confirmed:      chat.StatusSent,
		CreatedAt:      e.CreatedAt,
	}
}

// TypingEvent is an inbound typing signal.
type TypingEvent struct {
	ConversationID chat.ID `json:"conversation_id"`
	UserID         chat.ID `json:"user_id"`
	IsTyping       bool    `json:"is_typing"`
}

// MessageReadEvent reports that the peer read one of our messages.
type MessageReadEvent struct {
	MessageID chat.ID   `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageStatusEvent carries a server-confirmed status for a message.
type MessageStatusEvent struct {
	MessageID chat.ID     `json:"message_id"`
	Status    chat.Status `json:"status"`
}

type typingOut struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

type readReceiptOut struct {
	Type      string  `json:"type"`
	MessageID chat.ID `json:"message_id"`
}

type messageStatusOut struct {
	Type      string      `json:"type"`
	MessageID chat.ID     `json:"message_id"`
	Status    chat.Status `json:"status"`
}

// Typing builds an outbound typing envelope.
func Typing(isTyping bool) any {
	return typingOut{Type: TypeTyping, IsTyping: isTyping}
}

// ReadReceipt builds an outbound read_receipt envelope.
func ReadReceipt(messageID chat.ID) any {
	return readReceiptOut{Type: TypeReadReceipt, MessageID: messageID}
}

// MessageStatus builds an outbound message_status envelope.
func MessageStatus(messageID chat.ID, status chat.Status) any {
	return messageStatusOut{Type: TypeMessageStatus, MessageID: messageID, Status: status}
}

// Decode unmarshals a frame into T.
func Decode[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
