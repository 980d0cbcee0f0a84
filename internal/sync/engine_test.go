package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/typing"
)

const me chat.ID = "1"

// fakeAPI is an in-memory backend.
type fakeAPI struct {
	mu       gosync.Mutex
	convs    []chat.Conversation
	archived []chat.Conversation
	messages map[chat.ID][]*chat.Message
	failing  map[string]error
	nextID   int
	calls    []string
	server   int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{messages: make(map[chat.ID][]*chat.Message), failing: make(map[string]error)}
}

func (f *fakeAPI) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	return f.failing[op]
}

func (f *fakeAPI) fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[op] = err
}

func (f *fakeAPI) ListConversations(context.Context) ([]chat.Conversation, error) {
	if err := f.record("list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Conversation(nil), f.convs...), nil
}

func (f *fakeAPI) ListArchivedConversations(context.Context) ([]chat.Conversation, error) {
	if err := f.record("archived"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Conversation(nil), f.archived...), nil
}

func (f *fakeAPI) GetConversation(_ context.Context, id chat.ID) (chat.Conversation, []*chat.Message, error) {
	if err := f.record("get"); err != nil {
		return chat.Conversation{}, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range append(f.convs, f.archived...) {
		if c.ID == id {
			var msgs []*chat.Message
			for _, m := range f.messages[id] {
				msgs = append(msgs, m.Clone())
			}
			return c, msgs, nil
		}
	}
	return chat.Conversation{}, nil, fmt.Errorf("conversation %s not found", id)
}

func (f *fakeAPI) SendMessage(_ context.Context, id chat.ID, content string, uploads []chat.Upload) (*chat.Message, error) {
	if err := f.record("send"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	m := &chat.Message{
		ID:             chat.ID(fmt.Sprintf("s%d", f.nextID)),
		ConversationID: id,
		Sender:         &chat.Participant{ID: me},
		Content:        content,
		Confirmed:      chat.StatusSent,
		CreatedAt:      time.Now(),
	}
	for _, u := range uploads {
		m.Attachments = append(m.Attachments, chat.Attachment{FileName: u.FileName, FileSize: int64(len(u.Data))})
	}
	return m, nil
}

func (f *fakeAPI) Archive(_ context.Context, id chat.ID) error  { return f.record("archive") }
func (f *fakeAPI) Restore(_ context.Context, id chat.ID) error  { return f.record("restore") }
func (f *fakeAPI) MarkRead(_ context.Context, id chat.ID) error { return f.record("mark_read") }

func (f *fakeAPI) UnreadCount(context.Context) (int, error) {
	if err := f.record("unread"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.server, nil
}

func (f *fakeAPI) OnlineStatus(_ context.Context, id chat.ID) (chat.Presence, error) {
	_ = f.record("presence")
	return chat.Presence{UserID: id, IsOnline: true}, nil
}

func (f *fakeAPI) BatchOnlineStatus(_ context.Context, ids []chat.ID) ([]chat.Presence, error) {
	_ = f.record("presence_batch")
	out := make([]chat.Presence, len(ids))
	for i, id := range ids {
		out[i] = chat.Presence{UserID: id}
	}
	return out, nil
}

func (f *fakeAPI) SetTyping(_ context.Context, id chat.ID, isTyping bool) error {
	return f.record("typing")
}

func (f *fakeAPI) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   gosync.Once

	mu      gosync.Mutex
	written []string
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errors.New("closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

type fakeDialer struct {
	mu    gosync.Mutex
	urls  []string
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
	d.urls = append(d.urls, url)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) Last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func conv(id, peer chat.ID, unread int) chat.Conversation {
	return chat.Conversation{ID: id, Participants: []chat.Participant{{ID: me}, {ID: peer}}, UnreadCount: unread}
}

func peerMessage(id, convID, sender chat.ID) *chat.Message {
	return &chat.Message{ID: id, ConversationID: convID, Sender: &chat.Participant{ID: sender}, Content: "hi", Confirmed: chat.StatusSent}
}

func testEngine(t *testing.T, api *fakeAPI) (*Engine, *fakeDialer) {
	t.Helper()
	cfg := DefaultConfig(me, "ws://test")
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.DeliveredAfter = 50 * time.Millisecond
	cfg.TypingExpiry = 200 * time.Millisecond
	cfg.PresenceInterval = time.Hour
	cfg.Typing = typing.Timing{Idle: 50 * time.Millisecond, Grace: 100 * time.Millisecond, EmptyClear: 20 * time.Millisecond}

	d := &fakeDialer{}
	e := NewEngine(cfg, api, d, bus.New(), nil, nil)
	e.Start()
	t.Cleanup(e.Stop)
	return e, d
}

func openAndConnect(t *testing.T, e *Engine, d *fakeDialer, id chat.ID) *fakeConn {
	t.Helper()
	if err := e.OpenConversation(context.Background(), id); err != nil {
		t.Fatalf("OpenConversation(%s) error = %v", id, err)
	}
	waitFor(t, "connection open", func() bool { return e.ConnState() == status.Open && e.conns.Target() == id })
	return d.Last()
}

func frame(v map[string]any) []byte {
	data, _ := json.Marshal(v)
	return data
}

func TestLoadConversationsStartsPresencePoll(t *testing.T) {
	api := newFakeAPI()
	api.convs = []chat.Conversation{conv("10", "2", 3), conv("11", "3", 1)}
	e, _ := testEngine(t, api)

	if _, err := e.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := e.State()
	if snap.Unread != 4 || snap.SumActiveUnread() != 4 {
		t.Errorf("unread = %d, want 4", snap.Unread)
	}
	waitFor(t, "batch presence", func() bool { return api.count("presence_batch") >= 1 })
}

func TestLoadFailureLeavesStateUntouched(t *testing.T) {
	api := newFakeAPI()
	api.convs = []chat.Conversation{conv("10", "2", 3)}
	e, _ := testEngine(t, api)
	if _, err := e.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("503")
	api.fail("list", boom)
	if _, err := e.LoadConversations(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("LoadConversations() error = %v, want %v", err, boom)
	}
	if got := len(e.State().Conversations); got != 1 {
		t.Errorf("conversations = %d, want 1 (unchanged)", got)
	}
}

func TestOpenConversationSendsReceiptsOnConnect(t *testing.T) {
	api := newFakeAPI()
	api.convs = []chat.Conversation{conv("10", "2", 2)}
	api.messages["10"] = []*chat.Message{peerMessage("m1", "10", "2"), peerMessage("m2", "10", "2")}
	e, d := testEngine(t, api)

	c := openAndConnect(t, e, d, "10")
	d.mu.Lock()
	dialed := d.urls[0]
	d.mu.Unlock()
	if dialed != "ws://test/ws/chat/10/" {
		t.Errorf("dialed %s", dialed)
	}

	c.frames <- frame(map[string]any{"type": "connected"})
	waitFor(t, "two receipts", func() bool { return len(c.Written()) == 2 })
	want := []string{`{"type":"read_receipt","message_id":"m1"}`, `{"type":"read_receipt","message_id":"m2"}`}
	for i, w := range c.Written() {
		if w != want[i] {
			t.Errorf("frame %d = %s, want %s", i, w, want[i])
		}
	}
	waitFor(t, "counterpart presence", func() bool {
		p, ok := e.Presence("2")
		return ok && p.IsOnline
	})
}

func TestInboundMessageForOpenConversation(t *testing.T) {
	api := newFakeAPI()
	api.convs = []chat.Conversation{conv("10", "2", 0), conv("11", "3", 0)}
	e, d := testEngine(t, api)
	if _, err := e.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := openAndConnect(t, e, d, "10")

	c.frames <- frame(map[string]any{"type": "new_message", "id": 50, "conversation": 10, "sender": map[string]any{"id": 2}, "content": "yo"})
	c.frames <- frame(map[string]any{"type": "new_message", "id": 51, "conversation": 11, "sender": 3, "content": "other"})
	c.frames <- frame(map[string]any{"type": "new_message", "id": 50, "conversation": 10, "sender": 2, "content": "yo"})
	c.frames <- frame(map[string]any{"type": "mystery"})

	waitFor(t, "unread 2", func() bool { return e.State().Unread == 2 })
	snap := e.State()
	if len(snap.Messages) != 1 || snap.Messages[0].ID != "50" {
		t.Errorf("visible messages = %+v, want only 50", snap.Messages)
	}
	waitFor(t, "live read receipt", func() bool {
		for _, w := range c.Written() {
			if w == `{"type":"read_receipt","message_id":50}` {
				return true
			}
		}
		return false
	})
}

func TestInboundTypingAndRead(t *testing.T) {
	api := newFakeAPI()
	api.convs = []chat.Conversation{conv("10", "2", 0)}
	e, d := testEngine(t, api)
	c := openAndConnect(t, e, d, "10")

	msg, err := e.SendMessage(context.Background(), "hello", nil)
	if err != nil {
		t.Fatal(err)
	}

	c.frames <- frame(map[string]any{"type": "typing", "conversation_id": 10, "user_id": 2, "is_typing": true})
	waitFor(t, "peer typing", func() bool { return len(e.State().Typing) == 1 })

	c.frames <- frame(map[string]any{"type": "message_read", "message_id": msg.ID, "timestamp": "2026-05-01T12:00:00Z"})
	waitFor(t, "read status", func() bool {
		msgs := e.State().Messages
		return len(msgs) == 1 && msgs[0].Status() == chat.StatusRead
	})

	waitFor(t, "typing expiry", func() bool { return len(e.State().Typing) == 0 })
}

func TestSendMessage(t *testing.T) {
	api := newFakeAPI()
	api.convs = []chat.Conversation{conv("10", "2", 0)}
	e, d := testEngine(t, api)

	if _, err := e.SendMessage(context.Background(), "x", nil); !errors.Is(err, ErrNoOpenConversation) {
		t.Errorf("SendMessage() without open conversation error = %v", err)
	}

	if _, err := e.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	openAndConnect(t, e, d, "10")

	if _, err := e.SendMessage(context.Background(), "", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("SendMessage(\"\") error = %v, want ErrEmptyMessage", err)
	}

	boom := errors.New("413")
	api.fail("send", boom)
	if _, err := e.SendMessage(context.Background(), "hello", nil); !errors.Is(err, boom) {
		t.Fatalf("SendMessage() error = %v, want %v", err, boom)
	}
	snap := e.State()
	if len(snap.Messages) != 0 {
		t.Errorf("failed send left %d messages", len(snap.Messages))
	}
	if snap.Conversations[0].LastMessage != nil {
		t.Errorf("failed send updated last_message: %+v", snap.Conversations[0].LastMessage)
	}

	api.fail("send", nil)
	msg, err := e.SendMessage(context.Background(), "hello", []chat.Upload{{FileName: "a.png", Data: []byte{1, 2}}})
	if err != nil {
		t.Fatal(err)
	}
	snap = e.State()
	if len(snap.Messages) != 1 || snap.Messages[0].ID != msg.ID || snap.Messages[0].Status() != chat.StatusSent {
		t.Fatalf("messages = %+v", snap.Messages)
	}
	if len(snap.Messages[0].Attachments) != 1 {
		t.Errorf("attachments = %+v", snap.Messages[0].Attachments)
	}
	waitFor(t, "delivered hint", func() bool { return e.State().Messages[0].Status() == chat.StatusDelivered })
}

func TestMarkAsReadEndToEnd(t *testing.T) {
	api := newFakeAPI()
	api.convs = []chat.Conversation{conv("C1", "2", 3), conv("C2", "3", 1)}
	api.messages["C1"] = []*chat.Message{peerMessage("a", "C1", "2"), peerMessage("b", "C1", "2"), peerMessage("c", "C1", "2")}
	e, d := testEngine(t, api)
	if _, err := e.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	openAndConnect(t, e, d, "C1")

	before := e.State().Unread
	if err := e.MarkAsRead(context.Background(), "C1"); err != nil {
		t.Fatal(err)
	}
	snap := e.State()
	if before-snap.Unread != 3 {
		t.Errorf("unread dropped by %d, want 3", before-snap.Unread)
	}

	api.fail("mark_read", errors.New("500"))
	if err := e.MarkAsRead(context.Background(), "C2"); err == nil {
		t.Fatal("MarkAsRead() error = nil, want failure")
	}
	if e.State().Unread != 1 {
		t.Errorf("failed mark read changed unread to %d", e.State().Unread)
	}
}

func TestArchiveFailureLeavesStateUntouched(t *testing.T) {
	api := newFakeAPI()
	api.convs = []chat.Conversation{conv("C1", "2", 1)}
	e, _ := testEngine(t, api)
	if _, err := e.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}

	api.fail("archive", errors.New("500"))
	if err := e.ArchiveConversation(context.Background(), "C1"); err == nil {
		t.Fatal("ArchiveConversation() error = nil")
	}
	if len(e.State().Conversations) != 1 {
		t.Error("failed archive moved the conversation")
	}

	api.fail("archive", nil)
	if err := e.ArchiveConversation(context.Background(), "C1"); err != nil {
		t.Fatal(err)
	}
	snap := e.State()
	if len(snap.Conversations) != 0 || len(snap.Archived) != 1 || snap.Unread != 0 {
		t.Errorf("after archive: active %d archived %d unread %d", len(snap.Conversations), len(snap.Archived), snap.Unread)
	}

	if err := e.RestoreConversation(context.Background(), "C1"); err != nil {
		t.Fatal(err)
	}
	if snap := e.State(); len(snap.Conversations) != 1 || snap.Unread != 1 {
		t.Errorf("after restore: active %d unread %d", len(snap.Conversations), snap.Unread)
	}
}

// Handlers are registered once; switching conversations must route events
// against the conversation that is open now.
func TestHandlersFollowOpenConversation(t *testing.T) {
	api := newFakeAPI()
	api.convs = []chat.Conversation{conv("10", "2", 0), conv("11", "3", 0)}
	e, d := testEngine(t, api)

	openAndConnect(t, e, d, "10")
	c := openAndConnect(t, e, d, "11")

	c.frames <- frame(map[string]any{"type": "typing", "conversation_id": 10, "user_id": 2, "is_typing": true})
	c.frames <- frame(map[string]any{"type": "typing", "conversation_id": 11, "user_id": 3, "is_typing": true})

	waitFor(t, "typing in 11", func() bool { return len(e.State().Typing) == 1 })
	if got := e.State().Typing[0]; got != "3" {
		t.Errorf("typing = %s, want 3", got)
	}
}

func TestSwitchingConversationSendsReceiptsOnNewConnection(t *testing.T) {
	api := newFakeAPI()
	api.convs = []chat.Conversation{conv("10", "2", 0), conv("11", "3", 1)}
	api.messages["11"] = []*chat.Message{peerMessage("m9", "11", "3")}
	e, d := testEngine(t, api)

	old := openAndConnect(t, e, d, "10")
	c := openAndConnect(t, e, d, "11")
	if c == old {
		t.Fatal("switching conversations reused the old connection")
	}

	receipt := `{"type":"read_receipt","message_id":"m9"}`
	c.frames <- frame(map[string]any{"type": "connected"})
	waitFor(t, "receipt on new connection", func() bool {
		for _, w := range c.Written() {
			if w == receipt {
				return true
			}
		}
		return false
	})
	for _, w := range old.Written() {
		if strings.Contains(w, `"m9"`) {
			t.Errorf("old connection wrote %s", w)
		}
	}
}

func TestInputChangedSendsTypingOverConnection(t *testing.T) {
	api := newFakeAPI()
	api.convs = []chat.Conversation{conv("10", "2", 0)}
	e, d := testEngine(t, api)

	if err := e.InputChanged("x"); !errors.Is(err, ErrNoOpenConversation) {
		t.Errorf("InputChanged() without open conversation error = %v", err)
	}

	c := openAndConnect(t, e, d, "10")
	if err := e.InputChanged("h"); err != nil {
		t.Fatal(err)
	}
	if !e.State().Composing {
		t.Error("composing = false after input")
	}
	waitFor(t, "typing start and stop", func() bool { return len(c.Written()) == 2 })
	want := []string{`{"type":"typing","is_typing":true}`, `{"type":"typing","is_typing":false}`}
	for i, w := range c.Written() {
		if w != want[i] {
			t.Errorf("frame %d = %s, want %s", i, w, want[i])
		}
	}
}

func TestCloseConversationDisconnects(t *testing.T) {
	api := newFakeAPI()
	api.convs = []chat.Conversation{conv("10", "2", 0)}
	e, d := testEngine(t, api)
	openAndConnect(t, e, d, "10")

	e.CloseConversation()
	if e.ConnState() != status.Idle {
		t.Errorf("conn state = %s, want IDLE", e.ConnState())
	}
	if e.State().Open != nil {
		t.Error("conversation still open")
	}
}

func TestServerUnreadCount(t *testing.T) {
	api := newFakeAPI()
	api.convs = []chat.Conversation{conv("10", "2", 2)}
	api.server = 5
	e, _ := testEngine(t, api)
	if _, err := e.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}

	check, err := e.ServerUnreadCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if check.Match() || check.Server != 5 || check.Local != 2 {
		t.Errorf("check = %+v, want server 5 local 2", check)
	}
	if e.State().Unread != 2 {
		t.Error("reconciliation overwrote the local aggregate")
	}
}

func TestSignalTypingREST(t *testing.T) {
	api := newFakeAPI()
	api.convs = []chat.Conversation{conv("10", "2", 0)}
	e, d := testEngine(t, api)

	if err := e.SignalTypingREST(context.Background(), true); !errors.Is(err, ErrNoOpenConversation) {
		t.Errorf("error = %v, want ErrNoOpenConversation", err)
	}
	openAndConnect(t, e, d, "10")
	if err := e.SignalTypingREST(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if api.count("typing") != 1 {
		t.Errorf("typing calls = %d, want 1", api.count("typing"))
	}
}
