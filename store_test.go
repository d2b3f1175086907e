package uthhub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	alice = User{ID: 1, Username: "alice", FullName: "Alice Nguyen", Status: StatusOnline}
	bob   = User{ID: 2, Username: "bob", FullName: "Bob Tran", Status: StatusOffline}
	carol = User{ID: 3, Username: "carol", Status: StatusOffline}
)

// fakeSource serves conversations and history from memory. A gate set for
// a conversation holds its history fetch until the gate is closed.
type fakeSource struct {
	mu            sync.Mutex
	conversations []Conversation
	history       map[int64][]Message
	errs          map[int64]error
	gates         map[int64]chan struct{}
	listGate      chan struct{}
	listCalls     int
	fetching      chan int64
}

func newFakeSource(convs ...Conversation) *fakeSource {
	return &fakeSource{
		conversations: convs,
		history:       make(map[int64][]Message),
		errs:          make(map[int64]error),
		gates:         make(map[int64]chan struct{}),
		fetching:      make(chan int64, 8),
	}
}

func (f *fakeSource) List(ctx context.Context) ([]Conversation, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.listGate
	out := make([]Conversation, 0, len(f.conversations))
	for _, c := range f.conversations {
		out = append(out, c.clone())
	}
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

func (f *fakeSource) Messages(ctx context.Context, id int64) ([]Message, error) {
	f.mu.Lock()
	gate := f.gates[id]
	hist := append([]Message(nil), f.history[id]...)
	err := f.errs[id]
	f.mu.Unlock()
	if gate != nil {
		f.fetching <- id
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return hist, err
}

func (f *fakeSource) setConversations(convs ...Conversation) {
	f.mu.Lock()
	f.conversations = convs
	f.mu.Unlock()
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func conv(id int64, at string, users ...User) Conversation {
	return Conversation{ID: int64Ptr(id), Participants: users, LastMessageAt: at}
}

func msg(id, convID int64, from User, content string) Message {
	return Message{ID: id, ConversationID: convID, SenderID: from.ID, SenderName: from.DisplayName(), Content: content, CreatedAt: "2025-01-01T10:00:00"}
}

type storeHarness struct {
	*testStack
	store *Store
	src   *fakeSource
	c     *fakeConn
}

func newStoreHarness(t *testing.T, src *fakeSource, cfg StoreConfig) *storeHarness {
	t.Helper()
	s := newTestStack(t)
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = time.Second
	}
	store := NewStore(src, s.mux, s.out, cfg, WithMetrics(s.metrics))
	if err := store.Start(context.Background(), alice); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { store.Close(context.Background()) })
	c := s.transport.last()
	waitFor(t, "personal queues", func() bool {
		return c.subscribed(TopicPersonalMessages) && c.subscribed(TopicPersonalReadReceipts)
	})
	return &storeHarness{testStack: s, store: store, src: src, c: c}
}

func (h *storeHarness) selectConversation(t *testing.T, id int64) {
	t.Helper()
	if err := h.store.SelectConversation(context.Background(), id); err != nil {
		t.Fatalf("select %d: %v", id, err)
	}
	waitFor(t, "conversation topics", func() bool {
		return h.c.subscribed(conversationTopic(id)) && h.c.subscribed(typingTopic(id)) && h.c.subscribed(readTopic(id))
	})
}

func messageIDs(ms []Message) []int64 {
	ids := make([]int64, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.ID)
	}
	return ids
}

func countID(cs []Conversation, id int64) int {
	n := 0
	for _, c := range cs {
		if c.ID != nil && *c.ID == id {
			n++
		}
	}
	return n
}

func TestStoreStart(t *testing.T) {
	src := newFakeSource(
		conv(10, "2025-01-01T09:00:00", alice, bob),
		conv(20, "2025-01-02T09:00:00", carol, alice),
	)
	h := newStoreHarness(t, src, StoreConfig{})

	if got := h.store.Phase(); got != PhaseActive {
		t.Fatalf("phase = %s", got)
	}
	list := h.store.Conversations()
	if len(list) != 2 || *list[0].ID != 20 || *list[1].ID != 10 {
		t.Fatalf("expected newest first, got %+v", list)
	}
	if list[1].Name != "Bob Tran" || list[0].Name != "carol" {
		t.Fatalf("names derived from peer: %q, %q", list[1].Name, list[0].Name)
	}
	if list[1].IsGroup {
		t.Fatal("1:1 conversation marked as group")
	}

	waitFor(t, "presence topics", func() bool {
		return h.c.subscribed(presenceTopic("bob")) && h.c.subscribed(presenceTopic("carol"))
	})
	if h.c.subscribed(presenceTopic("alice")) {
		t.Fatal("subscribed to own presence")
	}
	waitFor(t, "presence announcement", func() bool { return len(h.c.sentTo(DestUserConnect)) == 1 })
}

func TestStoreStartOffline(t *testing.T) {
	s := newTestStack(t)
	s.transport.setFailures(1000)
	src := newFakeSource(conv(10, "2025-01-01T09:00:00", alice, bob))
	store := NewStore(src, s.mux, s.out, StoreConfig{ReadyTimeout: 50 * time.Millisecond}, WithMetrics(s.metrics))
	t.Cleanup(func() { store.Close(context.Background()) })

	start := time.Now()
	if err := store.Start(context.Background(), alice); err != nil {
		t.Fatalf("start: %v", err)
	}
	if took := time.Since(start); took < 40*time.Millisecond || took > time.Second {
		t.Fatalf("start took %s with a 50ms readiness bound", took)
	}
	if s.conn.IsConnected() {
		t.Fatal("connected through a failing transport")
	}
	if got := store.Phase(); got != PhaseActive {
		t.Fatalf("phase = %s", got)
	}
	if n := len(store.Conversations()); n != 1 {
		t.Fatalf("loaded %d conversations", n)
	}
}

func TestNormalizeConversation(t *testing.T) {
	online := User{ID: 4, Username: "dan", Status: StatusOnline}

	t.Run("one to one", func(t *testing.T) {
		c := Conversation{Participants: []User{online, alice}}
		normalizeConversation(&c, alice.ID)
		if c.IsGroup || c.Name != "dan" || !c.IsOnline {
			t.Fatalf("got %+v", c)
		}
		if c.Participants[0].ID != alice.ID {
			t.Fatal("participants not ordered by id")
		}
	})

	t.Run("group", func(t *testing.T) {
		c := Conversation{Participants: []User{alice, bob, carol}}
		normalizeConversation(&c, alice.ID)
		if !c.IsGroup || c.Name != "Bob Tran, carol" || c.IsOnline {
			t.Fatalf("got %+v", c)
		}
	})

	t.Run("keeps server name", func(t *testing.T) {
		c := Conversation{Name: "Study group", Participants: []User{alice, bob, carol}}
		normalizeConversation(&c, alice.ID)
		if c.Name != "Study group" {
			t.Fatalf("name = %q", c.Name)
		}
	})
}

func TestStoreSelectUnknownConversation(t *testing.T) {
	h := newStoreHarness(t, newFakeSource(conv(10, "", alice, bob)), StoreConfig{})
	calls := h.src.calls()

	err := h.store.SelectConversation(context.Background(), 99)
	if !errors.Is(err, ErrUnknownConversation) {
		t.Fatalf("expected ErrUnknownConversation, got %v", err)
	}
	if h.src.calls() != calls+1 {
		t.Fatal("unknown id should reload the list once")
	}
	if _, ok := h.store.Current(); ok {
		t.Fatal("focus set for unknown conversation")
	}
}

func TestStoreNoCrossConversationLeak(t *testing.T) {
	src := newFakeSource(
		conv(10, "2025-01-02T09:00:00", alice, bob),
		conv(20, "2025-01-01T09:00:00", alice, carol),
	)
	src.history[10] = []Message{msg(100, 10, bob, "hi alice")}
	h := newStoreHarness(t, src, StoreConfig{})
	h.selectConversation(t, 10)

	// A message from another conversation's topic never reaches the focus.
	h.store.applyMessage(msg(200, 20, carol, "wrong room"), false)
	if got := testutil.ToFloat64(h.metrics.Dropped.WithLabelValues("unfocused")); got != 1 {
		t.Fatalf("dropped{unfocused} = %v", got)
	}

	// The personal queue updates the list only.
	h.c.pushJSON(t, TopicPersonalMessages, msg(201, 20, carol, "ping"))
	waitFor(t, "list update", func() bool {
		list := h.store.Conversations()
		return *list[0].ID == 20 && list[0].UnreadCount == 1
	})
	if ids := messageIDs(h.store.Messages()); len(ids) != 1 || ids[0] != 100 {
		t.Fatalf("focused messages = %v", ids)
	}
	if list := h.store.Conversations(); list[0].LastMessage != "ping" {
		t.Fatalf("preview = %q", list[0].LastMessage)
	}

	// Our own read receipt clears the unread counter.
	h.c.pushJSON(t, TopicPersonalReadReceipts, ReadReceipt{ConversationID: 20, ReaderID: alice.ID})
	waitFor(t, "unread cleared", func() bool { return h.store.Conversations()[0].UnreadCount == 0 })

	// Switching focus releases the old topics.
	h.selectConversation(t, 20)
	if h.c.subscribed(conversationTopic(10)) {
		t.Fatal("old conversation topic still subscribed")
	}
	if ids := messageIDs(h.store.Messages()); len(ids) != 0 {
		t.Fatalf("messages carried over: %v", ids)
	}
}

func TestStoreStaleFetchDiscarded(t *testing.T) {
	src := newFakeSource(
		conv(10, "2025-01-02T09:00:00", alice, bob),
		conv(20, "2025-01-01T09:00:00", alice, carol),
	)
	src.history[10] = []Message{msg(100, 10, bob, "old")}
	src.history[20] = []Message{msg(200, 20, carol, "current")}
	gate := make(chan struct{})
	src.gates[10] = gate
	h := newStoreHarness(t, src, StoreConfig{})

	errc := make(chan error, 1)
	go func() { errc <- h.store.SelectConversation(context.Background(), 10) }()
	<-src.fetching
	if !h.store.IsLoading() {
		t.Fatal("expected loading while history is in flight")
	}

	h.selectConversation(t, 20)
	close(gate)
	if err := <-errc; err != nil {
		t.Fatalf("stale select: %v", err)
	}

	if ids := messageIDs(h.store.Messages()); len(ids) != 1 || ids[0] != 200 {
		t.Fatalf("messages = %v", ids)
	}
	if cur, _ := h.store.Current(); *cur.ID != 20 {
		t.Fatalf("focus = %d", *cur.ID)
	}
	if got := testutil.ToFloat64(h.metrics.Dropped.WithLabelValues("stale_fetch")); got != 1 {
		t.Fatalf("dropped{stale_fetch} = %v", got)
	}
	if h.c.subscribed(conversationTopic(10)) {
		t.Fatal("stale focus armed its topics")
	}
}

func TestStoreHistoryError(t *testing.T) {
	src := newFakeSource(conv(10, "", alice, bob))
	src.errs[10] = errors.New("boom")
	h := newStoreHarness(t, src, StoreConfig{})

	if err := h.store.SelectConversation(context.Background(), 10); err == nil {
		t.Fatal("expected error")
	}
	if h.store.LastError() == nil || h.store.IsLoading() {
		t.Fatal("error state not recorded")
	}
	if len(h.store.Messages()) != 0 {
		t.Fatal("messages should be empty")
	}
}

func TestStoreDeduplicatesMessages(t *testing.T) {
	src := newFakeSource(conv(10, "", alice, bob))
	src.history[10] = []Message{msg(100, 10, bob, "first")}
	h := newStoreHarness(t, src, StoreConfig{})
	h.selectConversation(t, 10)

	topic := conversationTopic(10)
	h.c.pushJSON(t, topic, msg(100, 10, bob, "first"))
	h.c.pushJSON(t, topic, msg(101, 10, bob, "second"))
	h.c.pushJSON(t, TopicPersonalMessages, msg(101, 10, bob, "second"))
	h.c.pushJSON(t, topic, msg(101, 10, bob, "second"))
	h.c.pushJSON(t, topic, msg(102, 10, bob, "third"))

	waitFor(t, "third message", func() bool { return len(h.store.Messages()) >= 3 })
	got := messageIDs(h.store.Messages())
	want := []int64{100, 101, 102}
	if len(got) != len(want) {
		t.Fatalf("messages = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("messages = %v", got)
		}
	}
}

func TestStoreOptimisticSend(t *testing.T) {
	t.Run("reconciled by client message id", func(t *testing.T) {
		h := newStoreHarness(t, newFakeSource(conv(10, "", alice, bob)), StoreConfig{})
		h.selectConversation(t, 10)

		sent, err := h.store.SendMessage(context.Background(), "  hello  ")
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if sent.Status != MessageSent || sent.Content != "hello" || sent.ClientMessageID == "" {
			t.Fatalf("provisional = %+v", sent)
		}

		frames := h.c.sentTo(DestChatSend)
		if len(frames) != 1 {
			t.Fatalf("sent %d chat frames", len(frames))
		}
		var req ChatMessageRequest
		if err := json.Unmarshal(frames[0].Body, &req); err != nil {
			t.Fatal(err)
		}
		if req.ConversationID == nil || *req.ConversationID != 10 || req.ClientMessageID != sent.ClientMessageID {
			t.Fatalf("request = %+v", req)
		}

		echo := msg(300, 10, alice, "hello")
		echo.ClientMessageID = sent.ClientMessageID
		h.c.pushJSON(t, conversationTopic(10), echo)
		waitFor(t, "confirmation", func() bool {
			ms := h.store.Messages()
			return len(ms) == 1 && ms[0].Status == MessageConfirmed
		})
		if m := h.store.Messages()[0]; m.ID != 300 {
			t.Fatalf("confirmed = %+v", m)
		}
	})

	t.Run("reconciled by content", func(t *testing.T) {
		h := newStoreHarness(t, newFakeSource(conv(10, "", alice, bob)), StoreConfig{})
		h.selectConversation(t, 10)

		if _, err := h.store.SendMessage(context.Background(), "hello"); err != nil {
			t.Fatalf("send: %v", err)
		}
		h.c.pushJSON(t, conversationTopic(10), msg(301, 10, alice, "hello"))
		waitFor(t, "confirmation", func() bool {
			ms := h.store.Messages()
			return len(ms) == 1 && ms[0].ID == 301 && ms[0].Status == MessageConfirmed
		})
	})

	t.Run("failure marks the message failed", func(t *testing.T) {
		h := newStoreHarness(t, newFakeSource(conv(10, "", alice, bob)), StoreConfig{})
		h.selectConversation(t, 10)
		h.c.setSendErr(errors.New("broken pipe"))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		sent, err := h.store.SendMessage(ctx, "lost")
		if err == nil {
			t.Fatal("expected error")
		}
		if sent == nil || sent.Status != MessageFailed {
			t.Fatalf("returned = %+v", sent)
		}
		if ms := h.store.Messages(); len(ms) != 1 || ms[0].Status != MessageFailed {
			t.Fatalf("messages = %+v", ms)
		}
	})

	t.Run("optimistic echo disabled", func(t *testing.T) {
		h := newStoreHarness(t, newFakeSource(conv(10, "", alice, bob)), StoreConfig{DisableOptimistic: true})
		h.selectConversation(t, 10)

		sent, err := h.store.SendMessage(context.Background(), "hello")
		if err != nil || sent != nil {
			t.Fatalf("got %+v, %v", sent, err)
		}
		if len(h.store.Messages()) != 0 {
			t.Fatal("provisional appended")
		}
	})
}

func TestStoreProvisionalMatchStaysInConversation(t *testing.T) {
	h := newStoreHarness(t, newFakeSource(conv(10, "", alice, bob)), StoreConfig{})

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	h.store.messages = []*Message{
		{ConversationID: 10, SenderID: alice.ID, Content: "hello", ClientMessageID: "c-10", Status: MessageSent},
		{SenderID: alice.ID, Content: "draft", ClientMessageID: "c-temp", Status: MessageSent},
	}

	tests := []struct {
		name string
		echo Message
		want string
	}{
		{"same conversation", msg(1, 10, alice, "hello"), "c-10"},
		{"other conversation", msg(2, 20, alice, "hello"), ""},
		{"temporary conversation", msg(3, 30, alice, "draft"), "c-temp"},
		{"different content", msg(4, 10, alice, "bye"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ""
			if m := h.store.provisionalForLocked(tt.echo); m != nil {
				got = m.ClientMessageID
			}
			if got != tt.want {
				t.Fatalf("matched %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStoreSendValidation(t *testing.T) {
	h := newStoreHarness(t, newFakeSource(conv(10, "", alice, bob)), StoreConfig{})

	if _, err := h.store.SendMessage(context.Background(), "hi"); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation, got %v", err)
	}
	h.selectConversation(t, 10)
	if _, err := h.store.SendMessage(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestStoreTemporaryConversationUpgrade(t *testing.T) {
	src := newFakeSource(conv(20, "2025-01-01T09:00:00", alice, carol))
	h := newStoreHarness(t, src, StoreConfig{})

	if err := h.store.StartNewConversation(context.Background(), bob); err != nil {
		t.Fatalf("start new: %v", err)
	}
	cur, ok := h.store.Current()
	if !ok || !cur.IsTemp() || cur.Name != "Bob Tran" {
		t.Fatalf("current = %+v", cur)
	}
	h.store.mu.Lock()
	temp := h.store.current
	h.store.mu.Unlock()

	sent, err := h.store.SendMessage(context.Background(), "hi bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var req ChatMessageRequest
	if err := json.Unmarshal(h.c.sentTo(DestChatSend)[0].Body, &req); err != nil {
		t.Fatal(err)
	}
	if req.ConversationID != nil || req.RecipientID == nil || *req.RecipientID != bob.ID {
		t.Fatalf("request = %+v", req)
	}

	echo := msg(500, 30, alice, "hi bob")
	echo.ClientMessageID = sent.ClientMessageID
	h.c.pushJSON(t, TopicPersonalMessages, echo)
	waitFor(t, "upgrade", func() bool {
		cur, _ := h.store.Current()
		return !cur.IsTemp()
	})

	h.store.mu.Lock()
	same := h.store.current == temp
	h.store.mu.Unlock()
	if !same {
		t.Fatal("upgrade replaced the focused conversation")
	}
	if cur, _ := h.store.Current(); *cur.ID != 30 || cur.RecipientID != nil {
		t.Fatalf("current = %+v", cur)
	}
	if n := countID(h.store.Conversations(), 30); n != 1 {
		t.Fatalf("conversation 30 listed %d times", n)
	}
	ms := h.store.Messages()
	if len(ms) != 1 || ms[0].ID != 500 || ms[0].ConversationID != 30 || ms[0].Status != MessageConfirmed {
		t.Fatalf("messages = %+v", ms)
	}

	// The new conversation's topics are armed and deliver without duplicates.
	waitFor(t, "topics armed", func() bool { return h.c.subscribed(conversationTopic(30)) })
	h.c.pushJSON(t, conversationTopic(30), echo)
	h.c.pushJSON(t, conversationTopic(30), msg(501, 30, bob, "hey"))
	waitFor(t, "reply", func() bool { return len(h.store.Messages()) == 2 })

	// A reload that now includes the conversation keeps the same entry.
	src.setConversations(conv(20, "2025-01-01T09:00:00", alice, carol), conv(30, "2025-01-03T09:00:00", alice, bob))
	if err := h.store.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := countID(h.store.Conversations(), 30); n != 1 {
		t.Fatalf("conversation 30 listed %d times after reload", n)
	}
	h.store.mu.Lock()
	same = h.store.current == temp && h.store.conversations[0] == temp
	h.store.mu.Unlock()
	if !same {
		t.Fatal("reload replaced the focused conversation")
	}
}

func TestStoreUpgradeAdoptsListedConversation(t *testing.T) {
	src := newFakeSource(conv(20, "2025-01-01T09:00:00", alice, carol))
	h := newStoreHarness(t, src, StoreConfig{})

	if err := h.store.StartNewConversation(context.Background(), bob); err != nil {
		t.Fatalf("start new: %v", err)
	}
	sent, err := h.store.SendMessage(context.Background(), "hi bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// The server's conversation is listed before the echo arrives.
	src.setConversations(conv(20, "2025-01-01T09:00:00", alice, carol), conv(30, "2025-01-03T09:00:00", alice, bob))
	if err := h.store.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}

	echo := msg(500, 30, alice, "hi bob")
	echo.ClientMessageID = sent.ClientMessageID
	h.c.pushJSON(t, TopicPersonalMessages, echo)
	waitFor(t, "upgrade", func() bool {
		cur, _ := h.store.Current()
		return !cur.IsTemp()
	})

	cur, _ := h.store.Current()
	if len(cur.Participants) != 2 || cur.Name != "Bob Tran" || cur.IsGroup {
		t.Fatalf("current = %+v", cur)
	}
	if cur.LastMessage != "hi bob" {
		t.Fatalf("last message = %q", cur.LastMessage)
	}
	if n := countID(h.store.Conversations(), 30); n != 1 {
		t.Fatalf("conversation 30 listed %d times", n)
	}
}

func TestStoreReconnectRearmsFocusedConversation(t *testing.T) {
	h := newStoreHarness(t, newFakeSource(conv(10, "", alice, bob)), StoreConfig{})
	h.selectConversation(t, 10)

	h.c.Close()
	waitFor(t, "reconnect", func() bool {
		return h.transport.last() != h.c && h.conn.IsConnected()
	})
	c := h.transport.last()
	for _, topic := range []string{conversationTopic(10), typingTopic(10), readTopic(10), TopicPersonalMessages, TopicPersonalReadReceipts} {
		waitFor(t, topic, func() bool { return c.subscribed(topic) })
	}

	c.pushJSON(t, conversationTopic(10), msg(700, 10, bob, "back online"))
	waitFor(t, "delivery", func() bool {
		ms := h.store.Messages()
		return len(ms) == 1 && ms[0].ID == 700
	})
}

func TestStoreStartNewConversationReusesExisting(t *testing.T) {
	h := newStoreHarness(t, newFakeSource(conv(10, "", alice, bob)), StoreConfig{})

	if err := h.store.StartNewConversation(context.Background(), bob); err != nil {
		t.Fatal(err)
	}
	if cur, _ := h.store.Current(); cur.IsTemp() || *cur.ID != 10 {
		t.Fatalf("current = %+v", cur)
	}
}

func TestStoreReadReceiptMarksLoadedMessages(t *testing.T) {
	src := newFakeSource(conv(10, "", alice, bob))
	for i := int64(1); i <= 5; i++ {
		src.history[10] = append(src.history[10], msg(100+i, 10, alice, "note"))
	}
	h := newStoreHarness(t, src, StoreConfig{})
	h.selectConversation(t, 10)

	h.c.pushJSON(t, conversationTopic(10), ReadReceipt{ConversationID: 10, ReaderID: bob.ID, ReaderName: "bob"})
	waitFor(t, "read", func() bool {
		for _, m := range h.store.Messages() {
			if !m.IsRead {
				return false
			}
		}
		return true
	})

	h.c.pushJSON(t, conversationTopic(10), msg(106, 10, alice, "after"))
	waitFor(t, "sixth message", func() bool { return len(h.store.Messages()) == 6 })
	ms := h.store.Messages()
	for _, m := range ms[:5] {
		if !m.IsRead {
			t.Fatalf("message %d not read", m.ID)
		}
	}
	if ms[5].IsRead {
		t.Fatal("message after the receipt marked read")
	}

	h.c.pushJSON(t, readTopic(10), ReadReceipt{ConversationID: 10, ReaderID: bob.ID})
	waitFor(t, "second receipt", func() bool { return h.store.Messages()[5].IsRead })
}

func TestStoreMarksIncomingRead(t *testing.T) {
	h := newStoreHarness(t, newFakeSource(conv(10, "", alice, bob)), StoreConfig{})
	h.selectConversation(t, 10)
	if n := len(h.c.sentTo(DestChatRead)); n != 0 {
		t.Fatalf("mark read sent with nothing unread: %d", n)
	}

	h.c.pushJSON(t, conversationTopic(10), msg(100, 10, bob, "hello"))
	waitFor(t, "mark read", func() bool { return len(h.c.sentTo(DestChatRead)) == 1 })
	waitFor(t, "local read state", func() bool {
		ms := h.store.Messages()
		return len(ms) == 1 && ms[0].IsRead
	})
}

func TestStoreLocalTyping(t *testing.T) {
	h := newStoreHarness(t, newFakeSource(conv(10, "", alice, bob)), StoreConfig{TypingTimeout: 20 * time.Millisecond})
	h.selectConversation(t, 10)

	for i := 0; i < 3; i++ {
		h.store.Keystroke(context.Background())
	}
	waitFor(t, "typing stop", func() bool { return len(h.c.sentTo(DestChatTyping)) == 2 })
	time.Sleep(60 * time.Millisecond)

	frames := h.c.sentTo(DestChatTyping)
	if len(frames) != 2 {
		t.Fatalf("sent %d typing frames", len(frames))
	}
	for i, want := range []bool{true, false} {
		var req typingRequest
		if err := json.Unmarshal(frames[i].Body, &req); err != nil {
			t.Fatal(err)
		}
		if req.ConversationID != 10 || req.Typing != want {
			t.Fatalf("frame %d = %+v", i, req)
		}
	}

	// Sending a message ends the burst at once.
	h.store.Keystroke(context.Background())
	if _, err := h.store.SendMessage(context.Background(), "done"); err != nil {
		t.Fatal(err)
	}
	if n := len(h.c.sentTo(DestChatTyping)); n != 4 {
		t.Fatalf("sent %d typing frames", n)
	}
}

func TestStoreRemoteTyping(t *testing.T) {
	h := newStoreHarness(t, newFakeSource(conv(10, "", alice, bob)), StoreConfig{RemoteTypingTTL: 30 * time.Millisecond})
	h.selectConversation(t, 10)
	topic := typingTopic(10)

	h.c.pushJSON(t, topic, TypingEvent{ConversationID: 10, UserID: alice.ID, Username: "alice", Typing: true})
	h.c.pushJSON(t, topic, TypingEvent{ConversationID: 10, UserID: bob.ID, Username: "bob", Typing: true})
	waitFor(t, "typing", func() bool { return len(h.store.TypingUsers()) == 1 })
	if u := h.store.TypingUsers()[0]; u.UserID != bob.ID {
		t.Fatalf("typing = %+v", u)
	}
	waitFor(t, "expiry", func() bool { return len(h.store.TypingUsers()) == 0 })

	// A message from the typist clears the indicator.
	h.c.pushJSON(t, topic, TypingEvent{ConversationID: 10, UserID: bob.ID, Username: "bob", Typing: true})
	waitFor(t, "typing", func() bool { return len(h.store.TypingUsers()) == 1 })
	h.c.pushJSON(t, conversationTopic(10), msg(100, 10, bob, "done typing"))
	waitFor(t, "cleared", func() bool {
		return len(h.store.Messages()) == 1 && len(h.store.TypingUsers()) == 0
	})
}

func TestStorePresence(t *testing.T) {
	h := newStoreHarness(t, newFakeSource(conv(10, "", alice, bob)), StoreConfig{})
	waitFor(t, "presence topic", func() bool { return h.c.subscribed(presenceTopic("bob")) })

	if err := h.store.StartNewConversation(context.Background(), carol); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "presence topic", func() bool { return h.c.subscribed(presenceTopic("carol")) })

	h.c.pushJSON(t, presenceTopic("bob"), UserStatus{ID: bob.ID, Username: "bob", Status: StatusOnline})
	waitFor(t, "listed peer online", func() bool { return h.store.Conversations()[0].IsOnline })
	if p := h.store.Conversations()[0].Participants[1]; !p.IsOnline || p.Status != StatusOnline {
		t.Fatalf("participant = %+v", p)
	}

	// Username is taken from the topic when the payload omits it.
	h.c.pushJSON(t, presenceTopic("carol"), map[string]string{"status": StatusOnline})
	waitFor(t, "temporary peer online", func() bool {
		cur, _ := h.store.Current()
		return cur.IsOnline
	})
}

func TestStoreCoalescesConversationLoads(t *testing.T) {
	s := newTestStack(t)
	src := newFakeSource(conv(10, "", alice, bob))
	src.listGate = make(chan struct{})
	store := NewStore(src, s.mux, s.out, StoreConfig{}, WithMetrics(s.metrics))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.LoadConversations(context.Background()); err != nil {
				t.Errorf("load: %v", err)
			}
		}()
	}
	waitFor(t, "first request", func() bool { return src.calls() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(src.listGate)
	wg.Wait()

	if n := src.calls(); n != 1 {
		t.Fatalf("list requested %d times", n)
	}
	if len(store.Conversations()) != 1 {
		t.Fatal("list not loaded")
	}
}

func TestStoreUnlistedConversationReloads(t *testing.T) {
	src := newFakeSource(conv(10, "", alice, bob))
	h := newStoreHarness(t, src, StoreConfig{})
	calls := h.src.calls()

	src.setConversations(conv(10, "", alice, bob), conv(40, "2025-02-01T09:00:00", alice, bob, carol))
	h.c.pushJSON(t, TopicPersonalMessages, msg(900, 40, carol, "new group"))
	waitFor(t, "reload", func() bool { return countID(h.store.Conversations(), 40) == 1 })
	if h.src.calls() <= calls {
		t.Fatal("list not reloaded")
	}
}

func TestStoreClose(t *testing.T) {
	h := newStoreHarness(t, newFakeSource(conv(10, "", alice, bob)), StoreConfig{})
	h.selectConversation(t, 10)

	var changes atomic.Int32
	remove := h.store.OnChange(func() { changes.Add(1) })
	defer remove()

	h.store.Close(context.Background())
	if h.store.Phase() != PhaseIdle {
		t.Fatalf("phase = %s", h.store.Phase())
	}
	if _, ok := h.store.Current(); ok {
		t.Fatal("focus kept after close")
	}
	for _, topic := range []string{TopicPersonalMessages, conversationTopic(10), presenceTopic("bob")} {
		if h.c.subscribed(topic) {
			t.Fatalf("%s still subscribed", topic)
		}
	}
	if changes.Load() == 0 {
		t.Fatal("close did not notify")
	}
}
