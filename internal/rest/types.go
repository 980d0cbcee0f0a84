package rest

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Error is returned for non-2xx responses.
type Error struct {
	StatusCode int
	Op         string
	Body       string
}

func (e *Error) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}

// wireMessage is a message as the API serializes it.
type wireMessage struct {
	ID           chat.ID           `json:"id"`
	Conversation chat.ID           `json:"conversation"`
	Sender       *chat.Participant `json:"sender"`
	Content      string            `json:"content"`
	Attachments  []chat.Attachment `json:"attachments"`
	Status       chat.Status       `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	ReadAt       *time.Time        `json:"read_at"`
}

func (w wireMessage) toMessage(fallbackConv chat.ID) *chat.Message {
	conv := w.Conversation
	if conv.IsZero() {
		conv = fallbackConv
	}
	status := w.Status
	if !status.Valid() {
		status = chat.StatusSent
	}
	return &chat.Message{
		ID:             w.ID,
		ConversationID: conv,
		Sender:         w.Sender,
		Content:        w.Content,
		Attachments:    w.Attachments,
		Confirmed:      status,
		CreatedAt:      w.CreatedAt,
		ReadAt:         w.ReadAt,
	}
}
