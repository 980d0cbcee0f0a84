package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// UnreadCounter is the server's global unread endpoint.
type UnreadCounter interface {
	UnreadCount(ctx context.Context) (int, error)
}

// LocalUnread is the derived aggregate kept by the store.
type LocalUnread interface {
	Unread() int
}

// UnreadCheck is the outcome of one reconciliation check.
type UnreadCheck struct {
	Server int
	Local  int
}

// Match reports whether both counts agree.
func (c UnreadCheck) Match() bool { return c.Server == c.Local }

// Reconciler compares the server's unread count with the local aggregate.
// The local value is never overwritten: it is derived from the conversation
// list, and a mismatch only means the list is stale.
type Reconciler struct {
	api    UnreadCounter
	local  LocalUnread
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(api UnreadCounter, local LocalUnread, logger *zap.Logger) *Reconciler {
	return &Reconciler{api: api, local: local, logger: logger}
}

// Check fetches the server count and logs a mismatch.
func (r *Reconciler) Check(ctx context.Context) (UnreadCheck, error) {
	n, err := r.api.UnreadCount(ctx)
	if err != nil {
		return UnreadCheck{}, fmt.Errorf("unread count: %w", err)
	}
	c := UnreadCheck{Server: n, Local: r.local.Unread()}
	if !c.Match() {
		r.logger.Warn("unread count mismatch, conversation list may be stale",
			zap.Int("server", c.Server), zap.Int("local", c.Local))
	}
	return c, nil
}
