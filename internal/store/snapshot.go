package store

import (
	"slices"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Snapshot is a deep copy of the model, safe to read without the store lock.
type Snapshot struct {
	Self          chat.ID
	Conversations []chat.Conversation
	Archived      []chat.Conversation
	Open          *chat.Conversation
	Messages      []*chat.Message
	Unread        int
	Typing        []chat.ID
	Composing     bool
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Self:          s.self,
		Conversations: cloneConversations(s.active),
		Archived:      cloneConversations(s.archived),
		Unread:        s.unread,
		Composing:     s.composing,
	}
	if s.open != nil {
		c := s.open.Clone()
		snap.Open = &c
	}
	snap.Messages = make([]*chat.Message, len(s.messages))
	for i, m := range s.messages {
		snap.Messages[i] = m.Clone()
	}
	snap.Typing = make([]chat.ID, 0, len(s.typing))
	for id := range s.typing {
		snap.Typing = append(snap.Typing, id)
	}
	slices.Sort(snap.Typing)
	return snap
}

// Messages returns copies of the open conversation's messages.
func (s *Store) Messages() []*chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*chat.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// Conversation looks a conversation up in the active and archived lists.
func (s *Store) Conversation(id chat.ID) (chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(id)
}

// IsTyping reports whether the user is in the typing set.
func (s *Store) IsTyping(user chat.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.typing[user]
	return ok
}

// Counterparts returns the other participant of every active conversation,
// without duplicates.
func (s *Store) Counterparts() []chat.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[chat.ID]bool)
	var out []chat.ID
	for _, c := range s.active {
		p, ok := c.Counterpart(s.self)
		if !ok || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		out = append(out, p.ID)
	}
	return out
}

// SumActiveUnread returns Σ unread_count over the active list.
func (s *Snapshot) SumActiveUnread() int {
	n := 0
	for _, c := range s.Conversations {
		n += c.UnreadCount
	}
	return n
}
