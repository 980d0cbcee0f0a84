package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/chatsync/internal/chat"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls a daemon's control service over its Unix domain socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for the daemon listening on socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.conn.Invoke(ctx, fullMethod(method), in, out)
}

func (c *Client) call(ctx context.Context, method string, in proto.Message, v any) error {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, method, in, out); err != nil {
		return err
	}
	return FromStruct(out, v)
}

func (c *Client) GetState(ctx context.Context) (StateView, error) {
	var v StateView
	err := c.call(ctx, "GetState", &emptypb.Empty{}, &v)
	return v, err
}

func (c *Client) Refresh(ctx context.Context) (StateView, error) {
	var v StateView
	err := c.call(ctx, "Refresh", &emptypb.Empty{}, &v)
	return v, err
}

func (c *Client) ListConversations(ctx context.Context, archived bool) ([]ConversationView, error) {
	var v ConversationList
	err := c.call(ctx, "ListConversations", wrapperspb.Bool(archived), &v)
	return v.Conversations, err
}

func (c *Client) OpenConversation(ctx context.Context, id chat.ID) (StateView, error) {
	var v StateView
	err := c.call(ctx, "OpenConversation", wrapperspb.String(string(id)), &v)
	return v, err
}

func (c *Client) CloseConversation(ctx context.Context) error {
	return c.invoke(ctx, "CloseConversation", &emptypb.Empty{}, &emptypb.Empty{})
}

func (c *Client) SendMessage(ctx context.Context, req SendRequest) (MessageView, error) {
	var v MessageView
	in, err := ToStruct(req)
	if err != nil {
		return v, err
	}
	err = c.call(ctx, "SendMessage", in, &v)
	return v, err
}

func (c *Client) MarkAsRead(ctx context.Context, id chat.ID) error {
	return c.invoke(ctx, "MarkAsRead", wrapperspb.String(string(id)), &emptypb.Empty{})
}

func (c *Client) Archive(ctx context.Context, id chat.ID) error {
	return c.invoke(ctx, "Archive", wrapperspb.String(string(id)), &emptypb.Empty{})
}

func (c *Client) Restore(ctx context.Context, id chat.ID) error {
	return c.invoke(ctx, "Restore", wrapperspb.String(string(id)), &emptypb.Empty{})
}

func (c *Client) InputChanged(ctx context.Context, text string) error {
	return c.invoke(ctx, "InputChanged", wrapperspb.String(text), &emptypb.Empty{})
}

func (c *Client) GetPresence(ctx context.Context, id chat.ID) (chat.Presence, error) {
	var v chat.Presence
	err := c.call(ctx, "GetPresence", wrapperspb.String(string(id)), &v)
	return v, err
}

func (c *Client) CheckUnread(ctx context.Context) (UnreadView, error) {
	var v UnreadView
	err := c.call(ctx, "CheckUnread", &emptypb.Empty{}, &v)
	return v, err
}

func (c *Client) RecentJournal(ctx context.Context, limit int) (JournalView, error) {
	var v JournalView
	err := c.call(ctx, "RecentJournal", wrapperspb.Int32(int32(limit)), &v)
	return v, err
}

// WatchState calls fn for each event until ctx is cancelled, the stream
// ends or fn returns an error.
func (c *Client) WatchState(ctx context.Context, fn func(EventView) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("WatchState"))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := &structpb.Struct{}
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt EventView
		if err := FromStruct(out, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
