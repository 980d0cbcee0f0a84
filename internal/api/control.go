package api

import (
	"context"
	"errors"
	"net/http"
	gosync "sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/journal"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Engine is the part of sync.Engine the control service drives.
type Engine interface {
	State() store.Snapshot
	ConnState() status.State
	LoadConversations(ctx context.Context) ([]chat.Conversation, error)
	LoadArchivedConversations(ctx context.Context) ([]chat.Conversation, error)
	OpenConversation(ctx context.Context, id chat.ID) error
	CloseConversation()
	SendMessage(ctx context.Context, content string, uploads []chat.Upload) (*chat.Message, error)
	MarkAsRead(ctx context.Context, id chat.ID) error
	ArchiveConversation(ctx context.Context, id chat.ID) error
	RestoreConversation(ctx context.Context, id chat.ID) error
	InputChanged(text string) error
	Presence(id chat.ID) (chat.Presence, bool)
	RefreshPresence(ctx context.Context, id chat.ID) (chat.Presence, error)
	ServerUnreadCount(ctx context.Context) (intsync.UnreadCheck, error)
}

// JournalReader lists recorded envelopes.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// ControlService implements ControlServer on top of the engine.
type ControlService struct {
	profile   string
	startedAt time.Time
	engine    Engine
	journal   JournalReader
	bus       *bus.Bus
	logger    *zap.Logger
	done      chan struct{}
	closeOnce gosync.Once
}

// NewControlService creates the control service. journal may be nil.
func NewControlService(profile string, engine Engine, j JournalReader, b *bus.Bus, logger *zap.Logger) *ControlService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ControlService{
		profile:   profile,
		startedAt: time.Now(),
		engine:    engine,
		journal:   j,
		bus:       b,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Close ends all open watch streams.
func (s *ControlService) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *ControlService) GetState(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.state()
}

// Refresh reloads both conversation lists from the server.
func (s *ControlService) Refresh(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if _, err := s.engine.LoadConversations(ctx); err != nil {
		return nil, toStatus(err)
	}
	if _, err := s.engine.LoadArchivedConversations(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.state()
}

func (s *ControlService) ListConversations(_ context.Context, in *wrapperspb.BoolValue) (*structpb.Struct, error) {
	snap := s.engine.State()
	list := snap.Conversations
	if in.GetValue() {
		list = snap.Archived
	}
	return encode(ConversationList{Conversations: conversationViews(list)})
}

func (s *ControlService) OpenConversation(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := requireID(in)
	if err != nil {
		return nil, err
	}
	if err := s.engine.OpenConversation(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return s.state()
}

func (s *ControlService) CloseConversation(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.engine.CloseConversation()
	return &emptypb.Empty{}, nil
}

func (s *ControlService) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "decode send request: %v", err)
	}
	uploads := make([]chat.Upload, len(req.Attachments))
	for i, a := range req.Attachments {
		uploads[i] = chat.Upload{FileName: a.FileName, ContentType: a.ContentType, Data: a.Data}
	}
	msg, err := s.engine.SendMessage(ctx, req.Content, uploads)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(messageView(msg))
}

func (s *ControlService) MarkAsRead(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return s.withID(ctx, in, s.engine.MarkAsRead)
}

func (s *ControlService) Archive(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return s.withID(ctx, in, s.engine.ArchiveConversation)
}

func (s *ControlService) Restore(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return s.withID(ctx, in, s.engine.RestoreConversation)
}

func (s *ControlService) InputChanged(_ context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.engine.InputChanged(in.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// GetPresence refreshes a user's presence, falling back to the cached record.
func (s *ControlService) GetPresence(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := requireID(in)
	if err != nil {
		return nil, err
	}
	p, err := s.engine.RefreshPresence(ctx, id)
	if err != nil {
		cached, ok := s.engine.Presence(id)
		if !ok {
			return nil, toStatus(err)
		}
		s.logger.Debug("serving cached presence", zap.String("user", string(id)), zap.Error(err))
		p = cached
	}
	return encode(p)
}

func (s *ControlService) CheckUnread(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	c, err := s.engine.ServerUnreadCount(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(UnreadView{Server: c.Server, Local: c.Local, Match: c.Match()})
}

func (s *ControlService) RecentJournal(ctx context.Context, in *wrapperspb.Int32Value) (*structpb.Struct, error) {
	if s.journal == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "journal disabled")
	}
	entries, err := s.journal.Recent(ctx, int(in.GetValue()))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "read journal: %v", err)
	}
	return encode(JournalView{Entries: entries})
}

// WatchState streams state, connection and presence change events.
func (s *ControlService) WatchState(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ch, unsub := s.bus.SubscribeMany(256, "state.", "conn.", "presence.")
	defer unsub()

	for {
		select {
		case evt := <-ch:
			msg, err := encode(eventView(evt))
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		case <-s.done:
			return nil
		}
	}
}

func (s *ControlService) state() (*structpb.Struct, error) {
	v := stateView(s.engine.State())
	v.Profile = s.profile
	v.Connection = s.engine.ConnState()
	v.UptimeMs = time.Since(s.startedAt).Milliseconds()
	return encode(v)
}

func (s *ControlService) withID(ctx context.Context, in *wrapperspb.StringValue, op func(context.Context, chat.ID) error) (*emptypb.Empty, error) {
	id, err := requireID(in)
	if err != nil {
		return nil, err
	}
	if err := op(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func requireID(in *wrapperspb.StringValue) (chat.ID, error) {
	if in.GetValue() == "" {
		return "", grpcstatus.Error(codes.InvalidArgument, "id is required")
	}
	return chat.ID(in.GetValue()), nil
}

func encode(v any) (*structpb.Struct, error) {
	s, err := ToStruct(v)
	if err != nil {
		return nil, grpcstatus.Error(codes.Internal, err.Error())
	}
	return s, nil
}

// toStatus maps engine errors to gRPC status codes.
func toStatus(err error) error {
	code := codes.Internal
	var restErr *rest.Error
	switch {
	case errors.Is(err, intsync.ErrNoOpenConversation), errors.Is(err, intsync.ErrEmptyMessage):
		code = codes.FailedPrecondition
	case errors.Is(err, presence.ErrBatchInFlight):
		code = codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case rest.IsNotFound(err):
		code = codes.NotFound
	case errors.As(err, &restErr):
		switch {
		case restErr.StatusCode == http.StatusUnauthorized:
			code = codes.Unauthenticated
		case restErr.StatusCode == http.StatusForbidden:
			code = codes.PermissionDenied
		case restErr.StatusCode >= 500:
			code = codes.Unavailable
		default:
			code = codes.InvalidArgument
		}
	}
	return grpcstatus.Error(code, err.Error())
}
