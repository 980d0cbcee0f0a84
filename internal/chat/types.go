package chat

import (
	"bytes"
	"encoding/json"
	"time"
)

// Participant is a user taking part in a conversation.
type Participant struct {
	ID        ID     `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// UnmarshalJSON accepts either a full user object or a bare user id.
func (p *Participant) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '{' {
		*p = Participant{}
		return p.ID.UnmarshalJSON(data)
	}
	type plain Participant
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Participant(v)
	return nil
}

// DisplayName returns the best human-readable name available.
func (p Participant) DisplayName() string {
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	case p.Username != "":
		return p.Username
	}
	return string(p.ID)
}

// LastMessage is the preview shown in the conversation list.
type LastMessage struct {
	Content  string `json:"content"`
	SenderID ID     `json:"sender_id"`
}

// Conversation is a two-party message thread.
type Conversation struct {
	ID            ID            `json:"id"`
	Participants  []Participant `json:"participants"`
	LastMessage   *LastMessage  `json:"last_message,omitempty"`
	LastMessageAt time.Time     `json:"last_message_at"`
	UnreadCount   int           `json:"unread_count"`
	IsArchived    bool          `json:"is_archived"`
	JobID         ID            `json:"job,omitempty"`
	ApplicationID ID            `json:"application,omitempty"`
}

// Counterpart returns the participant that is not self.
func (c Conversation) Counterpart(self ID) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID != self {
			return p, true
		}
	}
	return Participant{}, false
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = append([]Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// Attachment is a file attached to a sent message. Immutable once sent.
type Attachment struct {
	ID           ID     `json:"id"`
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
	FileType     string `json:"file_type"`
	IsImage      bool   `json:"is_image"`
	FileURL      string `json:"file_url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// Upload is a blob handed to the send operation.
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Message is a single chat message.
//
// Confirmed holds what the server has told us; Local holds the optimistic
// delivered hint. Neither ever moves backwards, so Status is monotonic.
type Message struct {
	ID             ID
	ConversationID ID
	Sender         *Participant
	Content        string
	Attachments    []Attachment
	Confirmed      Status
	Local          Status
	CreatedAt      time.Time
	ReadAt         *time.Time
}

// Status returns the status shown to the user.
func (m *Message) Status() Status {
	return Max(m.Confirmed, m.Local)
}

// SenderID returns the sender's id, or an empty ID for system messages.
func (m *Message) SenderID() ID {
	if m.Sender == nil {
		return ""
	}
	return m.Sender.ID
}

// IsFrom reports whether the message was authored by the given user.
func (m *Message) IsFrom(user ID) bool {
	return m.Sender != nil && m.Sender.ID == user
}

// Confirm advances the server-confirmed status. Returns false if s would not advance it.
func (m *Message) Confirm(s Status) bool {
	if !m.Confirmed.Less(s) {
		return false
	}
	m.Confirmed = s
	return true
}

// Hint advances the local status hint, but only if it changes what the user sees.
func (m *Message) Hint(s Status) bool {
	if !m.Status().Less(s) {
		return false
	}
	m.Local = s
	return true
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	out := *m
	if m.Sender != nil {
		s := *m.Sender
		out.Sender = &s
	}
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	if m.ReadAt != nil {
		t := *m.ReadAt
		out.ReadAt = &t
	}
	return &out
}

// Presence is the advisory online/last-seen record for a user.
type Presence struct {
	UserID       ID         `json:"user_id"`
	IsOnline     bool       `json:"is_online"`
	LastActivity *time.Time `json:"last_activity"`
	FetchedAt    time.Time  `json:"-"`
}
