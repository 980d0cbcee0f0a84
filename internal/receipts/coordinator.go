// Package receipts sends read receipts and reconciles unread counts.
//
// The two paths are separate: receipts over the push connection give the
// peer a "seen" signal and are never acknowledged or retried; the REST
// mark-read call is what zeroes unread counters.
package receipts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/dispatch"
	"go.uber.org/zap"
)

// Sender transmits an outbound envelope, best effort.
type Sender interface {
	Send(v any) bool
}

// API is the mark-read endpoint.
type API interface {
	MarkRead(ctx context.Context, conversationID chat.ID) error
}

// Marker applies a successful mark-read to the local model.
type Marker interface {
	MarkRead(conversationID chat.ID, now time.Time)
}

// Coordinator tracks which receipts were sent for the open conversation.
type Coordinator struct {
	self   chat.ID
	sender Sender
	api    API
	marker Marker
	logger *zap.Logger

	mu      sync.Mutex
	pending []chat.ID
	sent    map[chat.ID]struct{}
}

// New creates a coordinator for the local user.
func New(self chat.ID, sender Sender, api API, marker Marker, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		self:   self,
		sender: sender,
		api:    api,
		marker: marker,
		logger: logger,
		sent:   make(map[chat.ID]struct{}),
	}
}

// ConversationLoaded queues a receipt for every unread peer message of a
// freshly opened conversation and tries to send them.
func (c *Coordinator) ConversationLoaded(msgs []*chat.Message) int {
	c.mu.Lock()
	c.pending = c.pending[:0]
	c.sent = make(map[chat.ID]struct{})
	for _, m := range msgs {
		if c.needsReceipt(m) {
			c.pending = append(c.pending, m.ID)
		}
	}
	c.mu.Unlock()
	return c.Flush()
}

// Flush sends queued receipts. Receipts the connection could not take stay
// queued until the next Flush. It returns how many were sent.
func (c *Coordinator) Flush() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	kept := c.pending[:0]
	for _, id := range c.pending {
		if _, done := c.sent[id]; done {
			continue
		}
		if c.sender.Send(dispatch.ReadReceipt(id)) {
			c.sent[id] = struct{}{}
			n++
			continue
		}
		kept = append(kept, id)
	}
	c.pending = kept
	if n > 0 {
		c.logger.Debug("read receipts sent", zap.Int("count", n), zap.Int("pending", len(kept)))
	}
	return n
}

// MessageViewed sends a receipt for a peer message that arrived while its
// conversation was open.
func (c *Coordinator) MessageViewed(m *chat.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.needsReceipt(m) {
		return false
	}
	if _, done := c.sent[m.ID]; done {
		return false
	}
	if !c.sender.Send(dispatch.ReadReceipt(m.ID)) {
		c.pending = append(c.pending, m.ID)
		return false
	}
	c.sent[m.ID] = struct{}{}
	return true
}

// Reset forgets the current conversation's receipts.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	c.sent = make(map[chat.ID]struct{})
}

// MarkAsRead calls the API and, only on success, applies the result locally.
func (c *Coordinator) MarkAsRead(ctx context.Context, conversationID chat.ID) error {
	if err := c.api.MarkRead(ctx, conversationID); err != nil {
		c.logger.Error("mark read failed", zap.String("conversation", string(conversationID)), zap.Error(err))
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	c.marker.MarkRead(conversationID, time.Now())
	return nil
}

func (c *Coordinator) needsReceipt(m *chat.Message) bool {
	return m != nil && m.Sender != nil && !m.IsFrom(c.self) && m.ReadAt == nil && !m.ID.IsZero()
}
