package store

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
)

const me chat.ID = "1"

func conv(id chat.ID, peer chat.ID, unread int) chat.Conversation {
	return chat.Conversation{
		ID:           id,
		Participants: []chat.Participant{{ID: me}, {ID: peer}},
		UnreadCount:  unread,
	}
}

func msg(id, convID, sender chat.ID, content string) *chat.Message {
	return &chat.Message{
		ID:             id,
		ConversationID: convID,
		Sender:         &chat.Participant{ID: sender},
		Content:        content,
		Confirmed:      chat.StatusSent,
		CreatedAt:      time.Now(),
	}
}

func testStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := New(me, bus.New(), nil, opts...)
	t.Cleanup(s.Close)
	return s
}

func checkInvariant(t *testing.T, s *Store) {
	t.Helper()
	snap := s.Snapshot()
	if got, want := snap.Unread, snap.SumActiveUnread(); got != want {
		t.Fatalf("global unread = %d, want Σ active = %d", got, want)
	}
}

func TestReplaceConversationsRecountsActiveOnly(t *testing.T) {
	s := testStore(t)
	s.ReplaceConversations([]chat.Conversation{conv("10", "2", 3), conv("11", "3", 2)})
	s.ReplaceArchived([]chat.Conversation{conv("12", "4", 7)})

	if got := s.Unread(); got != 5 {
		t.Errorf("Unread() = %d, want 5", got)
	}
	checkInvariant(t, s)
}

// Open C1 with three unread peer messages, then mark it read.
func TestScenarioMarkReadDropsExactCount(t *testing.T) {
	s := testStore(t)
	c1 := conv("C1", "2", 3)
	s.ReplaceConversations([]chat.Conversation{c1, conv("C9", "5", 4)})
	s.OpenConversation(c1, []*chat.Message{
		msg("m1", "C1", "2", "a"),
		msg("m2", "C1", "2", "b"),
		msg("m3", "C1", "2", "c"),
		msg("m4", "C1", me, "mine"),
	})

	before := s.Unread()
	if before < 3 {
		t.Fatalf("Unread() = %d, want >= 3", before)
	}

	now := time.Now()
	s.MarkRead("C1", now)

	snap := s.Snapshot()
	if got := before - snap.Unread; got != 3 {
		t.Errorf("global unread decreased by %d, want 3", got)
	}
	c, _ := s.Conversation("C1")
	if c.UnreadCount != 0 {
		t.Errorf("unread_count(C1) = %d, want 0", c.UnreadCount)
	}
	for _, m := range snap.Messages {
		if m.IsFrom(me) {
			if m.Status() == chat.StatusRead {
				t.Errorf("own message %s marked read by MarkRead", m.ID)
			}
			continue
		}
		if m.Status() != chat.StatusRead || m.ReadAt == nil {
			t.Errorf("peer message %s status = %s read_at = %v, want read", m.ID, m.Status(), m.ReadAt)
		}
	}
	checkInvariant(t, s)
}

func TestMarkReadNeverBelowZero(t *testing.T) {
	s := testStore(t)
	s.ReplaceConversations([]chat.Conversation{conv("C1", "2", 0)})
	s.MarkRead("C1", time.Now())
	s.MarkRead("C1", time.Now())
	if got := s.Unread(); got != 0 {
		t.Errorf("Unread() = %d, want 0", got)
	}
}

// Send "hello" while C2 is open: sent, then delivered after the hint delay.
func TestScenarioSentThenDeliveredHint(t *testing.T) {
	s := testStore(t, WithDeliveredAfter(50*time.Millisecond))
	c2 := conv("C2", "2", 0)
	s.ReplaceConversations([]chat.Conversation{c2})
	s.OpenConversation(c2, nil)

	s.AppendSent(msg("m1", "C2", me, "hello"))

	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].Status() != chat.StatusSent {
		t.Fatalf("messages = %+v, want one sent message", msgs)
	}
	c, _ := s.Conversation("C2")
	if c.LastMessage == nil || c.LastMessage.Content != "hello" || c.LastMessage.SenderID != me {
		t.Errorf("last_message = %+v", c.LastMessage)
	}

	time.Sleep(150 * time.Millisecond)
	msgs = s.Messages()
	if msgs[0].Status() != chat.StatusDelivered {
		t.Errorf("status after delay = %s, want delivered", msgs[0].Status())
	}
	if msgs[0].Confirmed != chat.StatusSent {
		t.Errorf("confirmed = %s, want sent (hint must stay local)", msgs[0].Confirmed)
	}
}

func TestDeliveredHintDoesNotOverrideRead(t *testing.T) {
	s := testStore(t, WithDeliveredAfter(50*time.Millisecond))
	c2 := conv("C2", "2", 0)
	s.ReplaceConversations([]chat.Conversation{c2})
	s.OpenConversation(c2, nil)
	s.AppendSent(msg("m1", "C2", me, "hello"))

	if !s.ApplyRead("m1", time.Now()) {
		t.Fatal("ApplyRead() = false")
	}
	time.Sleep(120 * time.Millisecond)

	m := s.Messages()[0]
	if m.Status() != chat.StatusRead || m.ReadAt == nil {
		t.Errorf("status = %s, read_at = %v, want read", m.Status(), m.ReadAt)
	}
}

func TestDeliveredHintCancelledOnSwitch(t *testing.T) {
	s := testStore(t, WithDeliveredAfter(50*time.Millisecond))
	c2 := conv("C2", "2", 0)
	s.ReplaceConversations([]chat.Conversation{c2, conv("C3", "3", 0)})
	s.OpenConversation(c2, nil)
	s.AppendSent(msg("m1", "C2", me, "hello"))

	s.OpenConversation(conv("C3", "3", 0), nil)
	s.OpenConversation(c2, []*chat.Message{msg("m1", "C2", me, "hello")})
	time.Sleep(120 * time.Millisecond)

	if got := s.Messages()[0].Status(); got != chat.StatusSent {
		t.Errorf("status = %s, want sent (timer from old context must not fire)", got)
	}
}

// new_message for C3 while C1 is open.
func TestScenarioMessageForOtherConversation(t *testing.T) {
	s := testStore(t)
	c1 := conv("C1", "2", 0)
	s.ReplaceConversations([]chat.Conversation{c1, conv("C3", "3", 1)})
	s.OpenConversation(c1, nil)
	before := s.Unread()

	if s.ReceiveMessage(msg("m9", "C3", "3", "ping")) {
		t.Error("ReceiveMessage() appended a message for a conversation that is not open")
	}
	if got := len(s.Messages()); got != 0 {
		t.Errorf("visible messages = %d, want 0", got)
	}
	c3, _ := s.Conversation("C3")
	if c3.UnreadCount != 2 {
		t.Errorf("unread_count(C3) = %d, want 2", c3.UnreadCount)
	}
	if got := s.Unread(); got != before+1 {
		t.Errorf("Unread() = %d, want %d", got, before+1)
	}
	if c3.LastMessage == nil || c3.LastMessage.Content != "ping" {
		t.Errorf("last_message = %+v", c3.LastMessage)
	}
	checkInvariant(t, s)
}

func TestReceiveMessageInOpenConversation(t *testing.T) {
	s := testStore(t, WithDeliveredAfter(0))
	c1 := conv("C1", "2", 0)
	s.ReplaceConversations([]chat.Conversation{c1})
	s.OpenConversation(c1, nil)

	if !s.ReceiveMessage(msg("m1", "C1", "2", "hi")) {
		t.Fatal("peer message not appended")
	}
	if got := s.Unread(); got != 1 {
		t.Errorf("Unread() after peer message = %d, want 1", got)
	}

	if !s.ReceiveMessage(msg("m2", "C1", me, "mine")) {
		t.Fatal("own message not appended")
	}
	if got := s.Unread(); got != 1 {
		t.Errorf("Unread() after own message = %d, want 1", got)
	}
	checkInvariant(t, s)
}

func TestReceiveMessageDrops(t *testing.T) {
	s := testStore(t)
	c1 := conv("C1", "2", 0)
	s.ReplaceConversations([]chat.Conversation{c1})
	s.OpenConversation(c1, []*chat.Message{msg("m1", "C1", "2", "hi")})

	system := msg("m2", "C1", "", "system")
	system.Sender = nil

	tests := []struct {
		name string
		m    *chat.Message
	}{
		{"no sender", system},
		{"already loaded", msg("m1", "C1", "2", "hi")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if s.ReceiveMessage(tt.m) {
				t.Error("ReceiveMessage() = true, want dropped")
			}
		})
	}
	if got := len(s.Messages()); got != 1 {
		t.Errorf("messages = %d, want 1", got)
	}
	if got := s.Unread(); got != 0 {
		t.Errorf("Unread() = %d, want 0", got)
	}
}

func TestDuplicateDeliveryCountsOnce(t *testing.T) {
	s := testStore(t)
	s.ReplaceConversations([]chat.Conversation{conv("C1", "2", 0)})

	s.ReceiveMessage(msg("m1", "C1", "2", "hi"))
	s.ReceiveMessage(msg("m1", "C1", "2", "hi"))

	if got := s.Unread(); got != 1 {
		t.Errorf("Unread() = %d, want 1", got)
	}
	checkInvariant(t, s)
}

func TestSendEchoNotDuplicated(t *testing.T) {
	s := testStore(t, WithDeliveredAfter(0))
	c1 := conv("C1", "2", 0)
	s.ReplaceConversations([]chat.Conversation{c1})
	s.OpenConversation(c1, nil)

	s.AppendSent(msg("m1", "C1", me, "hello"))
	s.ReceiveMessage(msg("m1", "C1", me, "hello"))

	if got := len(s.Messages()); got != 1 {
		t.Errorf("messages = %d, want 1", got)
	}
}

func TestAppendSentAfterSwitch(t *testing.T) {
	s := testStore(t)
	s.ReplaceConversations([]chat.Conversation{conv("C1", "2", 0), conv("C2", "3", 0)})
	s.OpenConversation(conv("C2", "3", 0), nil)

	s.AppendSent(msg("m1", "C1", me, "late"))

	if got := len(s.Messages()); got != 0 {
		t.Errorf("messages in C2 = %d, want 0", got)
	}
	c1, _ := s.Conversation("C1")
	if c1.LastMessage == nil || c1.LastMessage.Content != "late" {
		t.Errorf("C1 last_message = %+v", c1.LastMessage)
	}
}

// Archive C1 while open, then see it in the archived list once.
func TestScenarioArchiveOpenConversation(t *testing.T) {
	s := testStore(t)
	c1 := conv("C1", "2", 2)
	s.ReplaceConversations([]chat.Conversation{c1, conv("C2", "3", 1)})
	s.OpenConversation(c1, []*chat.Message{msg("m1", "C1", "2", "hi")})

	s.Archive("C1")
	s.ReplaceArchived(append(s.Snapshot().Archived, c1))
	s.Archive("C1")

	snap := s.Snapshot()
	for _, c := range snap.Conversations {
		if c.ID == "C1" {
			t.Error("C1 still in the active list")
		}
	}
	count := 0
	for _, c := range snap.Archived {
		if c.ID == "C1" {
			count++
			if !c.IsArchived {
				t.Error("archived C1 has is_archived=false")
			}
		}
	}
	if count != 1 {
		t.Errorf("C1 appears %d times in archived, want 1", count)
	}
	if snap.Open == nil || !snap.Open.IsArchived {
		t.Errorf("open conversation = %+v, want is_archived=true", snap.Open)
	}
	if len(snap.Messages) != 0 {
		t.Errorf("messages = %d, want cleared", len(snap.Messages))
	}
	checkInvariant(t, s)
	if snap.Unread != 1 {
		t.Errorf("Unread() = %d, want 1", snap.Unread)
	}
}

func TestRestoreKeepsMessages(t *testing.T) {
	s := testStore(t)
	c1 := conv("C1", "2", 2)
	c1.IsArchived = true
	s.ReplaceArchived([]chat.Conversation{c1})
	s.OpenConversation(c1, []*chat.Message{msg("m1", "C1", "2", "hi")})

	s.Restore("C1")

	snap := s.Snapshot()
	if len(snap.Conversations) != 1 || snap.Conversations[0].IsArchived {
		t.Errorf("active = %+v", snap.Conversations)
	}
	if len(snap.Archived) != 0 {
		t.Errorf("archived = %+v, want empty", snap.Archived)
	}
	if snap.Open.IsArchived {
		t.Error("open conversation still archived")
	}
	if len(snap.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(snap.Messages))
	}
	if snap.Unread != 2 {
		t.Errorf("Unread() = %d, want 2", snap.Unread)
	}
	checkInvariant(t, s)
}

// Two typing=true 200ms apart keep the user visible without a gap, and it
// expires relative to the second signal.
func TestScenarioTypingRefresh(t *testing.T) {
	s := testStore(t, WithTypingExpiry(300*time.Millisecond))
	c1 := conv("C1", "2", 0)
	s.OpenConversation(c1, nil)

	s.ApplyTyping("C1", "2", true)
	time.Sleep(200 * time.Millisecond)
	s.ApplyTyping("C1", "2", true)

	time.Sleep(200 * time.Millisecond)
	if !s.IsTyping("2") {
		t.Fatal("user cleared after the first signal's expiry")
	}
	time.Sleep(300 * time.Millisecond)
	if s.IsTyping("2") {
		t.Error("user still typing after the second signal expired")
	}
}

func TestTypingFalseRemovesImmediately(t *testing.T) {
	s := testStore(t)
	s.OpenConversation(conv("C1", "2", 0), nil)

	s.ApplyTyping("C1", "2", true)
	s.ApplyTyping("C1", "2", false)
	if s.IsTyping("2") {
		t.Error("user still typing after typing=false")
	}
}

// An expiry armed before typing=false must not remove the entry created by
// a later typing=true.
func TestStaleTypingExpiryIgnoredAfterReAdd(t *testing.T) {
	s := testStore(t, WithTypingExpiry(time.Hour))
	s.OpenConversation(conv("C1", "2", 0), nil)

	s.ApplyTyping("C1", "2", true)
	s.mu.Lock()
	first, gen := s.typing["2"].token, s.ctxGen
	s.mu.Unlock()

	s.ApplyTyping("C1", "2", false)
	s.ApplyTyping("C1", "2", true)
	s.expireTyping("2", first, gen)

	if !s.IsTyping("2") {
		t.Error("stale expiry removed the re-added typing entry")
	}
}

func TestTypingIgnoredForOtherConversation(t *testing.T) {
	s := testStore(t)
	s.OpenConversation(conv("C1", "2", 0), nil)

	if s.ApplyTyping("C9", "2", true) {
		t.Error("ApplyTyping() = true for a conversation that is not open")
	}
	if s.IsTyping("2") {
		t.Error("typing set changed")
	}
}

func TestTypingClearedOnSwitch(t *testing.T) {
	s := testStore(t, WithTypingExpiry(time.Hour))
	s.OpenConversation(conv("C1", "2", 0), nil)
	s.ApplyTyping("C1", "2", true)

	s.OpenConversation(conv("C2", "3", 0), nil)
	if len(s.Snapshot().Typing) != 0 {
		t.Error("typing set not cleared on switch")
	}
}

func TestStatusMonotonic(t *testing.T) {
	s := testStore(t, WithDeliveredAfter(0))
	c1 := conv("C1", "2", 0)
	s.OpenConversation(c1, nil)
	s.AppendSent(msg("m1", "C1", me, "hi"))

	steps := []chat.Status{chat.StatusRead, chat.StatusDelivered, chat.StatusSent, "bogus"}
	prev := chat.StatusSent
	for _, st := range steps {
		s.ApplyStatus("m1", st)
		got := s.Messages()[0].Status()
		if got.Less(prev) {
			t.Fatalf("status went from %s to %s after %q", prev, got, st)
		}
		prev = got
	}
	if prev != chat.StatusRead {
		t.Errorf("final status = %s, want read", prev)
	}
}

func TestApplyReadIgnoresPeerMessages(t *testing.T) {
	s := testStore(t)
	s.OpenConversation(conv("C1", "2", 0), []*chat.Message{msg("m1", "C1", "2", "hi")})
	if s.ApplyRead("m1", time.Now()) {
		t.Error("ApplyRead() = true for a peer message")
	}
}

func TestUnreadInvariantUnderRandomOps(t *testing.T) {
	s := testStore(t, WithDeliveredAfter(0))
	rng := rand.New(rand.NewSource(7))
	ids := []chat.ID{"A", "B", "C", "D"}

	for i := 0; i < 500; i++ {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(7) {
		case 0:
			var convs []chat.Conversation
			for _, cid := range ids[:1+rng.Intn(len(ids))] {
				convs = append(convs, conv(cid, "p"+cid, rng.Intn(5)))
			}
			s.ReplaceConversations(convs)
		case 1:
			s.ReplaceArchived([]chat.Conversation{conv(id, "p"+id, rng.Intn(5))})
		case 2:
			sender := chat.ID("p" + id)
			if rng.Intn(3) == 0 {
				sender = me
			}
			s.ReceiveMessage(msg(chat.ID(fmt.Sprintf("m%d", i)), id, sender, "x"))
		case 3:
			s.MarkRead(id, time.Now())
		case 4:
			s.Archive(id)
		case 5:
			s.Restore(id)
		case 6:
			s.OpenConversation(conv(id, "p"+id, 0), nil)
		}
		snap := s.Snapshot()
		if snap.Unread != snap.SumActiveUnread() {
			t.Fatalf("step %d: global unread = %d, Σ active = %d", i, snap.Unread, snap.SumActiveUnread())
		}
	}
}

func TestMutationsPublishEvents(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("state.", 32)
	defer unsub()
	s := New(me, b, nil)
	defer s.Close()

	s.ReplaceConversations([]chat.Conversation{conv("C1", "2", 1)})

	kinds := map[string]bool{}
	for len(ch) > 0 {
		kinds[(<-ch).Kind] = true
	}
	if !kinds[bus.StateConversations] || !kinds[bus.StateUnread] {
		t.Errorf("events = %v, want conversations and unread", kinds)
	}
}

func TestCounterparts(t *testing.T) {
	s := testStore(t)
	s.ReplaceConversations([]chat.Conversation{conv("C1", "2", 0), conv("C2", "2", 0), conv("C3", "3", 0)})
	got := s.Counterparts()
	if len(got) != 2 || got[0] != "2" || got[1] != "3" {
		t.Errorf("Counterparts() = %v, want [2 3]", got)
	}
}
