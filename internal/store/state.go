// Package store holds the in-memory model of conversations and messages.
//
// Store is the only owner of that model. Other components request changes
// through its reducers, and every reducer reads the open conversation at the
// moment it runs, under the store lock.
package store

import (
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"go.uber.org/zap"
)

const maxSeenIDs = 4096

// Option configures a Store.
type Option func(*Store)

// WithDeliveredAfter sets how long an own message waits before the local
// delivered hint is shown. Zero disables the hint.
func WithDeliveredAfter(d time.Duration) Option {
	return func(s *Store) { s.deliveredAfter = d }
}

// WithTypingExpiry sets how long a typing signal stays visible without a refresh.
func WithTypingExpiry(d time.Duration) Option {
	return func(s *Store) { s.typingExpiry = d }
}

// Store is the authoritative client-side model.
type Store struct {
	self           chat.ID
	bus            *bus.Bus
	logger         *zap.Logger
	deliveredAfter time.Duration
	typingExpiry   time.Duration

	mu        sync.Mutex
	active    []chat.Conversation
	archived  []chat.Conversation
	open      *chat.Conversation
	messages  []*chat.Message
	unread    int
	composing bool

	// ctxGen increments whenever the open conversation changes. Timers
	// created for one context ignore firings after it has ended.
	ctxGen    uint64
	typingSeq uint64
	typing    map[chat.ID]*typingEntry
	delivered map[chat.ID]*time.Timer

	seen      map[chat.ID]struct{}
	seenOrder []chat.ID

	closed bool
}

type typingEntry struct {
	token uint64
	timer *time.Timer
}

// New creates an empty store for the given local user.
func New(self chat.ID, b *bus.Bus, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		self:           self,
		bus:            b,
		logger:         logger,
		deliveredAfter: time.Second,
		typingExpiry:   3 * time.Second,
		typing:         make(map[chat.ID]*typingEntry),
		delivered:      make(map[chat.ID]*time.Timer),
		seen:           make(map[chat.ID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Self returns the local user id.
func (s *Store) Self() chat.ID { return s.self }

// OpenID returns the currently open conversation, or an empty ID.
func (s *Store) OpenID() chat.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openIDLocked()
}

func (s *Store) openIDLocked() chat.ID {
	if s.open == nil {
		return ""
	}
	return s.open.ID
}

// Unread returns the global unread aggregate.
func (s *Store) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// ReplaceConversations replaces the active list and recomputes the unread aggregate.
func (s *Store) ReplaceConversations(convs []chat.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = cloneConversations(convs)
	s.recountLocked()
	s.bus.Emit(bus.StateConversations, len(s.active))
	s.bus.Emit(bus.StateUnread, s.unread)
}

// ReplaceArchived replaces the archived list.
func (s *Store) ReplaceArchived(convs []chat.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = cloneConversations(convs)
	s.bus.Emit(bus.StateArchived, len(s.archived))
}

// OpenConversation makes conv the open conversation with the given messages.
// Timers and typing state of the previous conversation are discarded.
func (s *Store) OpenConversation(conv chat.Conversation, msgs []*chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetContextLocked()
	c := conv.Clone()
	s.open = &c
	s.messages = make([]*chat.Message, 0, len(msgs))
	for _, m := range msgs {
		s.messages = append(s.messages, m.Clone())
		s.markSeenLocked(m.ID)
	}
	s.logger.Debug("conversation opened",
		zap.String("conversation", string(c.ID)),
		zap.Int("messages", len(s.messages)))
	s.bus.Emit(bus.StateOpened, c.ID)
	s.bus.Emit(bus.StateMessages, c.ID)
	s.bus.Emit(bus.StateTyping, c.ID)
}

// CloseConversation clears the open conversation.
func (s *Store) CloseConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		return
	}
	s.resetContextLocked()
	s.open = nil
	s.messages = nil
	s.bus.Emit(bus.StateOpened, chat.ID(""))
	s.bus.Emit(bus.StateMessages, chat.ID(""))
}

// AppendSent records a message the API accepted. It is appended to the
// visible list only if its conversation is still open.
func (s *Store) AppendSent(msg *chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := msg.Clone()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if !m.Confirmed.Valid() {
		m.Confirmed = chat.StatusSent
	}
	s.touchLocked(m.ConversationID, func(c *chat.Conversation) {
		c.LastMessage = &chat.LastMessage{Content: m.Content, SenderID: s.self}
		c.LastMessageAt = m.CreatedAt
	})
	s.bus.Emit(bus.StateConversations, m.ConversationID)

	if _, dup := s.seen[m.ID]; dup && !m.ID.IsZero() {
		return
	}
	s.markSeenLocked(m.ID)
	if s.openIDLocked() != m.ConversationID {
		return
	}
	s.messages = append(s.messages, m)
	s.scheduleDeliveredLocked(m.ID)
	s.bus.Emit(bus.StateMessages, m.ConversationID)
}

// ReceiveMessage applies an inbound new_message. Messages without a sender
// and ids already seen are dropped. It reports whether the message was
// appended to the open conversation.
func (s *Store) ReceiveMessage(msg *chat.Message) bool {
	if msg.Sender == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, dup := s.seen[msg.ID]; dup && !msg.ID.IsZero() {
		s.logger.Debug("dropping duplicate message", zap.String("message", string(msg.ID)))
		return false
	}
	s.markSeenLocked(msg.ID)

	own := msg.IsFrom(s.self)
	s.touchLocked(msg.ConversationID, func(c *chat.Conversation) {
		c.LastMessage = &chat.LastMessage{Content: msg.Content, SenderID: msg.SenderID()}
		if !msg.CreatedAt.IsZero() {
			c.LastMessageAt = msg.CreatedAt
		}
		if !own {
			c.UnreadCount++
		}
	})
	if !own && s.indexActive(msg.ConversationID) >= 0 {
		s.unread++
		s.bus.Emit(bus.StateUnread, s.unread)
	}
	s.bus.Emit(bus.StateConversations, msg.ConversationID)

	if s.openIDLocked() != msg.ConversationID {
		return false
	}
	m := msg.Clone()
	if !m.Confirmed.Valid() {
		m.Confirmed = chat.StatusSent
	}
	s.messages = append(s.messages, m)
	if own {
		s.scheduleDeliveredLocked(m.ID)
	}
	s.bus.Emit(bus.StateMessages, msg.ConversationID)
	return true
}

// ApplyTyping applies an inbound typing signal for the open conversation.
// A true signal (re)starts the user's expiry. It reports whether the signal applied.
func (s *Store) ApplyTyping(conversationID, userID chat.ID, isTyping bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.open == nil || s.open.ID != conversationID {
		return false
	}

	entry, present := s.typing[userID]
	if !isTyping {
		if !present {
			return true
		}
		entry.timer.Stop()
		delete(s.typing, userID)
		s.bus.Emit(bus.StateTyping, conversationID)
		return true
	}

	if present {
		entry.timer.Stop()
	} else {
		entry = &typingEntry{}
		s.typing[userID] = entry
	}
	// Tokens are unique across entries so a timer armed for a removed
	// entry never matches its replacement.
	s.typingSeq++
	entry.token = s.typingSeq
	token, gen := entry.token, s.ctxGen
	entry.timer = time.AfterFunc(s.typingExpiry, func() { s.expireTyping(userID, token, gen) })
	if !present {
		s.bus.Emit(bus.StateTyping, conversationID)
	}
	return true
}

func (s *Store) expireTyping(userID chat.ID, token, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.typing[userID]
	if !ok || entry.token != token || gen != s.ctxGen {
		return
	}
	delete(s.typing, userID)
	s.bus.Emit(bus.StateTyping, s.openIDLocked())
}

// ApplyRead marks one of our messages as read by the peer.
func (s *Store) ApplyRead(messageID chat.ID, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findLocked(messageID)
	if m == nil || !m.IsFrom(s.self) {
		return false
	}
	changed := m.Confirm(chat.StatusRead)
	if m.ReadAt == nil && !at.IsZero() {
		t := at
		m.ReadAt = &t
		changed = true
	}
	s.cancelDeliveredLocked(messageID)
	if changed {
		s.bus.Emit(bus.StateMessages, m.ConversationID)
	}
	return changed
}

// ApplyStatus advances the server-confirmed status of a message.
func (s *Store) ApplyStatus(messageID chat.ID, st chat.Status) bool {
	if !st.Valid() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findLocked(messageID)
	if m == nil || !m.Confirm(st) {
		return false
	}
	if !m.Confirmed.Less(chat.StatusDelivered) {
		s.cancelDeliveredLocked(messageID)
	}
	s.bus.Emit(bus.StateMessages, m.ConversationID)
	return true
}

// MarkRead applies a successful mark-read: peer messages in the open
// conversation become read, and the conversation's unread count is removed
// from the aggregate.
func (s *Store) MarkRead(conversationID chat.ID, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openIDLocked() == conversationID {
		for _, m := range s.messages {
			if m.IsFrom(s.self) {
				continue
			}
			m.Confirm(chat.StatusRead)
			if m.ReadAt == nil {
				t := now
				m.ReadAt = &t
			}
		}
		s.bus.Emit(bus.StateMessages, conversationID)
	}

	prev := 0
	if i := s.indexActive(conversationID); i >= 0 {
		prev = s.active[i].UnreadCount
	}
	s.touchLocked(conversationID, func(c *chat.Conversation) { c.UnreadCount = 0 })
	s.unread = max(s.unread-prev, 0)
	s.bus.Emit(bus.StateConversations, conversationID)
	s.bus.Emit(bus.StateUnread, s.unread)
}

// Archive moves a conversation to the archived list. If it is open, its
// message list is cleared.
func (s *Store) Archive(id chat.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.takeLocked(&s.active, id)
	if !ok {
		conv, ok = s.lookupLocked(id)
	}
	if ok {
		conv.IsArchived = true
		s.archived = upsertFront(s.archived, conv)
	}
	if s.open != nil && s.open.ID == id {
		s.open.IsArchived = true
		s.messages = nil
		s.bus.Emit(bus.StateMessages, id)
	}
	s.recountLocked()
	s.bus.Emit(bus.StateConversations, id)
	s.bus.Emit(bus.StateArchived, id)
	s.bus.Emit(bus.StateUnread, s.unread)
}

// Restore moves a conversation back to the active list.
func (s *Store) Restore(id chat.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.takeLocked(&s.archived, id)
	if !ok {
		conv, ok = s.lookupLocked(id)
	}
	if ok {
		conv.IsArchived = false
		s.active = upsertFront(s.active, conv)
	}
	if s.open != nil && s.open.ID == id {
		s.open.IsArchived = false
		s.bus.Emit(bus.StateOpened, id)
	}
	s.recountLocked()
	s.bus.Emit(bus.StateConversations, id)
	s.bus.Emit(bus.StateArchived, id)
	s.bus.Emit(bus.StateUnread, s.unread)
}

// SetComposing sets the local typing display.
func (s *Store) SetComposing(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.composing == on {
		return
	}
	s.composing = on
	s.bus.Emit(bus.StateComposing, on)
}

// Close stops every timer. Later timer firings are ignored.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetContextLocked()
	s.closed = true
}

// resetContextLocked ends the current conversation context.
func (s *Store) resetContextLocked() {
	s.ctxGen++
	for id, e := range s.typing {
		e.timer.Stop()
		delete(s.typing, id)
	}
	for id, t := range s.delivered {
		t.Stop()
		delete(s.delivered, id)
	}
	s.composing = false
}

func (s *Store) scheduleDeliveredLocked(id chat.ID) {
	if s.deliveredAfter <= 0 || id.IsZero() || s.closed {
		return
	}
	if t, ok := s.delivered[id]; ok {
		t.Stop()
	}
	gen := s.ctxGen
	s.delivered[id] = time.AfterFunc(s.deliveredAfter, func() { s.hintDelivered(id, gen) })
}

// hintDelivered shows a message as delivered unless the server already
// confirmed something at least as far along. It is a UI hint only.
func (s *Store) hintDelivered(id chat.ID, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.ctxGen {
		return
	}
	delete(s.delivered, id)
	m := s.findLocked(id)
	if m == nil || !m.Hint(chat.StatusDelivered) {
		return
	}
	s.bus.Emit(bus.StateMessages, m.ConversationID)
}

func (s *Store) cancelDeliveredLocked(id chat.ID) {
	if t, ok := s.delivered[id]; ok {
		t.Stop()
		delete(s.delivered, id)
	}
}

func (s *Store) markSeenLocked(id chat.ID) {
	if id.IsZero() {
		return
	}
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if len(s.seenOrder) > maxSeenIDs {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
}

func (s *Store) findLocked(id chat.ID) *chat.Message {
	for _, m := range s.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (s *Store) indexActive(id chat.ID) int {
	return slices.IndexFunc(s.active, func(c chat.Conversation) bool { return c.ID == id })
}

// touchLocked applies fn to every copy of the conversation the store holds.
func (s *Store) touchLocked(id chat.ID, fn func(*chat.Conversation)) {
	for i := range s.active {
		if s.active[i].ID == id {
			fn(&s.active[i])
		}
	}
	for i := range s.archived {
		if s.archived[i].ID == id {
			fn(&s.archived[i])
		}
	}
	if s.open != nil && s.open.ID == id {
		fn(s.open)
	}
}

func (s *Store) takeLocked(list *[]chat.Conversation, id chat.ID) (chat.Conversation, bool) {
	i := slices.IndexFunc(*list, func(c chat.Conversation) bool { return c.ID == id })
	if i < 0 {
		return chat.Conversation{}, false
	}
	conv := (*list)[i]
	*list = slices.Delete(*list, i, i+1)
	return conv, true
}

func (s *Store) lookupLocked(id chat.ID) (chat.Conversation, bool) {
	for _, list := range [][]chat.Conversation{s.active, s.archived} {
		for _, c := range list {
			if c.ID == id {
				return c.Clone(), true
			}
		}
	}
	if s.open != nil && s.open.ID == id {
		return s.open.Clone(), true
	}
	return chat.Conversation{}, false
}

func (s *Store) recountLocked() {
	n := 0
	for _, c := range s.active {
		n += c.UnreadCount
	}
	s.unread = n
}

// upsertFront inserts conv at the front, replacing any entry with the same id.
func upsertFront(list []chat.Conversation, conv chat.Conversation) []chat.Conversation {
	out := make([]chat.Conversation, 0, len(list)+1)
	out = append(out, conv)
	for _, c := range list {
		if c.ID != conv.ID {
			out = append(out, c)
		}
	}
	return out
}

func cloneConversations(in []chat.Conversation) []chat.Conversation {
	out := make([]chat.Conversation, len(in))
	for i, c := range in {
		out[i] = c.Clone()
	}
	return out
}
