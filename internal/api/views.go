package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/journal"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// StateView is the JSON shape of a state snapshot on the wire.
type StateView struct {
	Profile       string             `json:"profile"`
	Self          chat.ID            `json:"self"`
	Connection    status.State       `json:"connection"`
	UptimeMs      int64              `json:"uptime_ms"`
	Unread        int                `json:"unread"`
	Conversations []ConversationView `json:"conversations"`
	Archived      []ConversationView `json:"archived"`
	Open          *ConversationView  `json:"open,omitempty"`
	Messages      []MessageView      `json:"messages"`
	Typing        []chat.ID          `json:"typing"`
	Composing     bool               `json:"composing"`
}

// ConversationView is a conversation list row.
type ConversationView struct {
	ID            chat.ID            `json:"id"`
	Participants  []chat.Participant `json:"participants"`
	LastMessage   *chat.LastMessage  `json:"last_message,omitempty"`
	LastMessageAt time.Time          `json:"last_message_at"`
	UnreadCount   int                `json:"unread_count"`
	IsArchived    bool               `json:"is_archived"`
}

// MessageView is a message with its displayed status resolved.
type MessageView struct {
	ID             chat.ID           `json:"id"`
	ConversationID chat.ID           `json:"conversation_id"`
	SenderID       chat.ID           `json:"sender_id,omitempty"`
	Content        string            `json:"content"`
	Attachments    []chat.Attachment `json:"attachments,omitempty"`
	Status         chat.Status       `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	ReadAt         *time.Time        `json:"read_at,omitempty"`
}

// ConversationList wraps a list for transport as a Struct.
type ConversationList struct {
	Conversations []ConversationView `json:"conversations"`
}

// UploadView is an attachment in a send request. Data is base64 in JSON.
type UploadView struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// SendRequest is the body of SendMessage.
type SendRequest struct {
	Content     string       `json:"content"`
	Attachments []UploadView `json:"attachments,omitempty"`
}

// UnreadView is the result of a reconciliation check.
type UnreadView struct {
	Server int  `json:"server"`
	Local  int  `json:"local"`
	Match  bool `json:"match"`
}

// JournalView wraps recent journal entries.
type JournalView struct {
	Entries []journal.Entry `json:"entries"`
}

// EventView is one item of the watch stream.
type EventView struct {
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload,omitempty"`
}

func conversationView(c chat.Conversation) ConversationView {
	return ConversationView{
		ID:            c.ID,
		Participants:  c.Participants,
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageAt,
		UnreadCount:   c.UnreadCount,
		IsArchived:    c.IsArchived,
	}
}

func conversationViews(cs []chat.Conversation) []ConversationView {
	out := make([]ConversationView, len(cs))
	for i, c := range cs {
		out[i] = conversationView(c)
	}
	return out
}

func messageView(m *chat.Message) MessageView {
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID(),
		Content:        m.Content,
		Attachments:    m.Attachments,
		Status:         m.Status(),
		CreatedAt:      m.CreatedAt,
		ReadAt:         m.ReadAt,
	}
}

func stateView(snap store.Snapshot) StateView {
	v := StateView{
		Self:          snap.Self,
		Unread:        snap.Unread,
		Conversations: conversationViews(snap.Conversations),
		Archived:      conversationViews(snap.Archived),
		Messages:      make([]MessageView, len(snap.Messages)),
		Typing:        snap.Typing,
		Composing:     snap.Composing,
	}
	if snap.Open != nil {
		o := conversationView(*snap.Open)
		v.Open = &o
	}
	for i, m := range snap.Messages {
		v.Messages[i] = messageView(m)
	}
	return v
}

func eventView(evt bus.Event) EventView {
	v := EventView{Kind: evt.Kind, OccurredAt: evt.Timestamp}
	switch p := evt.Payload.(type) {
	case status.StatusChange:
		v.Payload = map[string]any{"from": p.From, "to": p.To, "conversation_id": p.ConversationID}
	case conn.ConnError:
		v.Payload = map[string]any{"conversation_id": p.ConversationID, "op": p.Op, "error": p.Err}
	default:
		v.Payload = p
	}
	return v
}

// ToStruct encodes v through its JSON form.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

// FromStruct decodes a Struct into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
