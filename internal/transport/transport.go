// Package transport defines the push-connection contract the engine needs and
// a WebSocket implementation of it.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Conn is a bidirectional frame connection.
type Conn interface {
	// Read blocks until the next text frame arrives, the connection closes,
	// or ctx is done.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single text frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error
}

// Dialer opens push connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// ConversationURL builds ws://<host>/ws/chat/{conversationId}/ from the configured base.
// http(s) schemes are rewritten to ws(s).
func ConversationURL(base string, id chat.ID) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse ws url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported ws url scheme %q", u.Scheme)
	}
	u.Path = u.Path + "/ws/chat/" + url.PathEscape(string(id)) + "/"
	return u.String(), nil
}
