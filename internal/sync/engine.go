// Package sync wires the chat components together and exposes the
// operations a display layer calls.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/dispatch"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/receipts"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/typing"
	"go.uber.org/zap"
)

var (
	// ErrNoOpenConversation is returned by operations that need an open conversation.
	ErrNoOpenConversation = errors.New("no open conversation")
	// ErrEmptyMessage is returned when a send has neither content nor attachments.
	ErrEmptyMessage = errors.New("message has no content or attachments")
)

// API is the request/response surface the engine consumes.
type API interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	ListArchivedConversations(ctx context.Context) ([]chat.Conversation, error)
	GetConversation(ctx context.Context, id chat.ID) (chat.Conversation, []*chat.Message, error)
	SendMessage(ctx context.Context, id chat.ID, content string, uploads []chat.Upload) (*chat.Message, error)
	Archive(ctx context.Context, id chat.ID) error
	Restore(ctx context.Context, id chat.ID) error
	MarkRead(ctx context.Context, id chat.ID) error
	UnreadCount(ctx context.Context) (int, error)
	OnlineStatus(ctx context.Context, userID chat.ID) (chat.Presence, error)
	BatchOnlineStatus(ctx context.Context, userIDs []chat.ID) ([]chat.Presence, error)
	SetTyping(ctx context.Context, id chat.ID, isTyping bool) error
}

// Config holds the engine's identity and timing.
type Config struct {
	Self             chat.ID
	WSURL            string
	ReconnectDelay   time.Duration
	DeliveredAfter   time.Duration
	TypingExpiry     time.Duration
	PresenceInterval time.Duration
	Typing           typing.Timing
}

// DefaultConfig returns the default timing for the given user.
func DefaultConfig(self chat.ID, wsURL string) Config {
	return Config{
		Self:             self,
		WSURL:            wsURL,
		ReconnectDelay:   3 * time.Second,
		DeliveredAfter:   time.Second,
		TypingExpiry:     3 * time.Second,
		PresenceInterval: 30 * time.Second,
		Typing:           typing.DefaultTiming,
	}
}

// Engine owns one session's components.
type Engine struct {
	cfg        Config
	api        API
	bus        *bus.Bus
	logger     *zap.Logger
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	conns      *conn.Manager
	typing     *typing.Debouncer
	presence   *presence.Tracker
	receipts   *receipts.Coordinator
	reconciler *Reconciler

	unsubs []func()
}

// NewEngine builds the engine and its components. tap may be nil.
func NewEngine(cfg Config, api API, dialer transport.Dialer, b *bus.Bus, tap conn.Tap, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:    cfg,
		api:    api,
		bus:    b,
		logger: logger,
	}
	e.store = store.New(cfg.Self, b, logger.Named("store"),
		store.WithDeliveredAfter(cfg.DeliveredAfter),
		store.WithTypingExpiry(cfg.TypingExpiry),
	)
	e.dispatcher = dispatch.New(logger.Named("dispatch"))

	opts := []conn.Option{
		conn.WithReconnectDelay(cfg.ReconnectDelay),
		conn.WithHandler(func(_ chat.ID, frame []byte) { e.dispatcher.Dispatch(frame) }),
	}
	if tap != nil {
		opts = append(opts, conn.WithTap(tap))
	}
	urlFor := func(id chat.ID) (string, error) { return transport.ConversationURL(cfg.WSURL, id) }
	e.conns = conn.NewManager(dialer, urlFor, status.NewMachine(b), b, logger.Named("conn"), opts...)

	e.typing = typing.New(e.conns, e.store, cfg.Typing, logger.Named("typing"))
	e.presence = presence.NewTracker(api, b, cfg.PresenceInterval, logger.Named("presence"))
	e.receipts = receipts.New(cfg.Self, e.conns, api, e.store, logger.Named("receipts"))
	e.reconciler = NewReconciler(api, e.store, logger.Named("reconcile"))
	return e
}

// Start registers the inbound handlers. They look up the open conversation
// in the store each time they run.
func (e *Engine) Start() {
	e.unsubs = append(e.unsubs,
		e.dispatcher.On(dispatch.TypeConnected, e.handleConnected),
		e.dispatcher.On(dispatch.TypeNewMessage, e.handleNewMessage),
		e.dispatcher.On(dispatch.TypeTyping, e.handleTyping),
		e.dispatcher.On(dispatch.TypeMessageRead, e.handleMessageRead),
		e.dispatcher.On(dispatch.TypeMessageStatus, e.handleMessageStatus),
	)
	e.logger.Info("engine started", zap.String("user", string(e.cfg.Self)))
}

// Stop tears everything down: handlers, connection, timers and polls.
func (e *Engine) Stop() {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
	e.conns.Disconnect()
	e.typing.Reset()
	e.presence.Stop()
	e.store.Close()
	e.logger.Info("engine stopped")
}

// LoadConversations replaces the active list and polls presence for it.
func (e *Engine) LoadConversations(ctx context.Context) ([]chat.Conversation, error) {
	convs, err := e.api.ListConversations(ctx)
	if err != nil {
		e.logger.Error("load conversations failed", zap.Error(err))
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	e.store.ReplaceConversations(convs)
	e.presence.WatchBatch(e.store.Counterparts())
	e.logger.Info("conversations loaded", zap.Int("count", len(convs)), zap.Int("unread", e.store.Unread()))
	return convs, nil
}

// LoadArchivedConversations replaces the archived list.
func (e *Engine) LoadArchivedConversations(ctx context.Context) ([]chat.Conversation, error) {
	convs, err := e.api.ListArchivedConversations(ctx)
	if err != nil {
		e.logger.Error("load archived conversations failed", zap.Error(err))
		return nil, fmt.Errorf("load archived conversations: %w", err)
	}
	e.store.ReplaceArchived(convs)
	return convs, nil
}

// OpenConversation fetches a conversation, makes it the open one, sends read
// receipts for unread peer messages and connects its push channel.
func (e *Engine) OpenConversation(ctx context.Context, id chat.ID) error {
	conv, msgs, err := e.api.GetConversation(ctx, id)
	if err != nil {
		e.logger.Error("load conversation failed", zap.String("conversation", string(id)), zap.Error(err))
		return fmt.Errorf("load conversation %s: %w", id, err)
	}
	if conv.ID.IsZero() {
		conv.ID = id
	}

	e.store.OpenConversation(conv, msgs)
	e.typing.Reset()
	e.receipts.Reset()
	// Receipts go out on the new conversation's socket, so the old one must
	// be torn down before anything is queued.
	e.conns.Connect(conv.ID)
	e.receipts.ConversationLoaded(msgs)
	if p, ok := conv.Counterpart(e.cfg.Self); ok {
		e.presence.WatchOne(p.ID)
	} else {
		e.presence.WatchOne("")
	}
	return nil
}

// CloseConversation disconnects and clears the open conversation.
func (e *Engine) CloseConversation() {
	e.conns.Disconnect()
	e.typing.Reset()
	e.receipts.Reset()
	e.presence.WatchOne("")
	e.store.CloseConversation()
}

// SendMessage sends to the open conversation. Nothing is added locally
// until the API accepts the message.
func (e *Engine) SendMessage(ctx context.Context, content string, uploads []chat.Upload) (*chat.Message, error) {
	id := e.store.OpenID()
	if id.IsZero() {
		return nil, ErrNoOpenConversation
	}
	if content == "" && len(uploads) == 0 {
		return nil, ErrEmptyMessage
	}

	msg, err := e.api.SendMessage(ctx, id, content, uploads)
	if err != nil {
		e.logger.Error("send failed", zap.String("conversation", string(id)), zap.Error(err))
		e.bus.Emit(bus.MessageSendFailed, id)
		return nil, fmt.Errorf("send message: %w", err)
	}
	if msg.ConversationID.IsZero() {
		msg.ConversationID = id
	}
	if msg.Sender == nil {
		msg.Sender = &chat.Participant{ID: e.cfg.Self}
	}
	e.store.AppendSent(msg)
	e.bus.Emit(bus.MessageSendAck, msg.ID)
	if e.typing.Signaled() {
		e.typing.InputChanged("")
	}
	return msg.Clone(), nil
}

// MarkAsRead zeroes a conversation's unread count through the API.
func (e *Engine) MarkAsRead(ctx context.Context, id chat.ID) error {
	return e.receipts.MarkAsRead(ctx, id)
}

// ArchiveConversation archives through the API and then locally.
func (e *Engine) ArchiveConversation(ctx context.Context, id chat.ID) error {
	if err := e.api.Archive(ctx, id); err != nil {
		e.logger.Error("archive failed", zap.String("conversation", string(id)), zap.Error(err))
		return fmt.Errorf("archive %s: %w", id, err)
	}
	e.store.Archive(id)
	e.presence.WatchBatch(e.store.Counterparts())
	return nil
}

// RestoreConversation restores through the API and then locally.
func (e *Engine) RestoreConversation(ctx context.Context, id chat.ID) error {
	if err := e.api.Restore(ctx, id); err != nil {
		e.logger.Error("restore failed", zap.String("conversation", string(id)), zap.Error(err))
		return fmt.Errorf("restore %s: %w", id, err)
	}
	e.store.Restore(id)
	e.presence.WatchBatch(e.store.Counterparts())
	return nil
}

// InputChanged feeds the typing debouncer for the open conversation.
func (e *Engine) InputChanged(text string) error {
	if e.store.OpenID().IsZero() {
		return ErrNoOpenConversation
	}
	e.typing.InputChanged(text)
	return nil
}

// SignalTypingREST sets typing through the REST fallback endpoint.
func (e *Engine) SignalTypingREST(ctx context.Context, isTyping bool) error {
	id := e.store.OpenID()
	if id.IsZero() {
		return ErrNoOpenConversation
	}
	if err := e.api.SetTyping(ctx, id, isTyping); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

// ServerUnreadCount compares the server's unread count with the local aggregate.
func (e *Engine) ServerUnreadCount(ctx context.Context) (UnreadCheck, error) {
	return e.reconciler.Check(ctx)
}

// State returns a snapshot of the model.
func (e *Engine) State() store.Snapshot {
	return e.store.Snapshot()
}

// ConnState returns the push connection state.
func (e *Engine) ConnState() status.State {
	return e.conns.State()
}

// Presence returns the last fetched presence for a user.
func (e *Engine) Presence(id chat.ID) (chat.Presence, bool) {
	return e.presence.Get(id)
}

// RefreshPresence fetches presence for a user now.
func (e *Engine) RefreshPresence(ctx context.Context, id chat.ID) (chat.Presence, error) {
	return e.presence.RefreshOne(ctx, id)
}

func (e *Engine) handleConnected([]byte) {
	if n := e.receipts.Flush(); n > 0 {
		e.logger.Debug("flushed read receipts on connect", zap.Int("count", n))
	}
}

func (e *Engine) handleNewMessage(frame []byte) {
	ev, err := dispatch.Decode[dispatch.NewMessageEvent](frame)
	if err != nil {
		e.logger.Debug("dropping malformed new_message", zap.Error(err))
		return
	}
	msg := ev.Message()
	if !e.store.ReceiveMessage(msg) {
		return
	}
	if !msg.IsFrom(e.cfg.Self) {
		e.receipts.MessageViewed(msg)
	}
}

func (e *Engine) handleTyping(frame []byte) {
	ev, err := dispatch.Decode[dispatch.TypingEvent](frame)
	if err != nil {
		e.logger.Debug("dropping malformed typing", zap.Error(err))
		return
	}
	e.store.ApplyTyping(ev.ConversationID, ev.UserID, ev.IsTyping)
}

func (e *Engine) handleMessageRead(frame []byte) {
	ev, err := dispatch.Decode[dispatch.MessageReadEvent](frame)
	if err != nil {
		e.logger.Debug("dropping malformed message_read", zap.Error(err))
		return
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	e.store.ApplyRead(ev.MessageID, at)
}

func (e *Engine) handleMessageStatus(frame []byte) {
	ev, err := dispatch.Decode[dispatch.MessageStatusEvent](frame)
	if err != nil {
		e.logger.Debug("dropping malformed message_status", zap.Error(err))
		return
	}
	e.store.ApplyStatus(ev.MessageID, ev.Status)
}
