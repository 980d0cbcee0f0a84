package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by namespace prefix ("state.", "conn.", ...).
const (
	StateConversations = "state.conversations"
	StateArchived      = "state.archived"
	StateOpened        = "state.opened"
	StateMessages      = "state.messages"
	StateUnread        = "state.unread"
	StateTyping        = "state.typing"
	StateComposing     = "state.composing"

	ConnStateChanged = "conn.state_changed"
	ConnError        = "conn.error"

	PresenceUpdated = "presence.updated"

	MessageSendAck    = "message.send_ack"
	MessageSendFailed = "message.send_failed"
)

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
