package uthhub

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Phase is the store's lifecycle phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseActive:
		return "active"
	default:
		return "idle"
	}
}

// Personal queues the backend routes to the authenticated user.
const (
	TopicPersonalMessages     = "/user/queue/messages"
	TopicPersonalReadReceipts = "/user/queue/read-receipts"
)

func conversationTopic(id int64) string {
	return "/topic/conversation/" + strconv.FormatInt(id, 10)
}

func typingTopic(id int64) string { return conversationTopic(id) + "/typing" }

func readTopic(id int64) string { return conversationTopic(id) + "/read" }

func presenceTopic(username string) string { return "/topic/active/" + username }

// ConversationSource is the REST surface the store reads from.
type ConversationSource interface {
	List(ctx context.Context) ([]Conversation, error)
	Messages(ctx context.Context, conversationID int64) ([]Message, error)
}

// StoreConfig tunes the conversation store.
type StoreConfig struct {
	// DisableOptimistic stops SendMessage from appending a provisional echo.
	DisableOptimistic bool
	// TypingTimeout is the keystroke inactivity after which typing=false is
	// published.
	TypingTimeout time.Duration
	// RemoteTypingTTL expires a remote typing indicator that was not refreshed.
	RemoteTypingTTL time.Duration
	// ReadyTimeout bounds the wait for a connection in Start.
	ReadyTimeout time.Duration
}

func (c *StoreConfig) defaults() {
	if c.TypingTimeout == 0 {
		c.TypingTimeout = 2 * time.Second
	}
	if c.RemoteTypingTTL == 0 {
		c.RemoteTypingTTL = 5 * time.Second
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = 5 * time.Second
	}
}

type typingEntry struct {
	user  TypingUser
	gen   uint64
	timer *time.Timer
}

// ============================================================================
// Store
// ============================================================================

// Store holds the conversation list, the focused conversation and its
// messages. It is the only writer of that state; getters return copies.
//
// Every pushed event is checked against the focus at the time it is handled,
// so an event for conversation A never lands in B's message list.
type Store struct {
	api     ConversationSource
	mux     *Multiplexer
	conn    *ConnectionManager
	out     *Dispatcher
	cfg     StoreConfig
	log     *zap.Logger
	metrics *Metrics
	typing  *typingNotifier
	loads   singleflight.Group

	hConversation *NamedHandler
	hTyping       *NamedHandler
	hRead         *NamedHandler
	hMessages     *NamedHandler
	hReceipts     *NamedHandler
	hPresence     *NamedHandler

	mu            sync.Mutex
	self          User
	phase         Phase
	conversations []*Conversation
	current       *Conversation
	messages      []*Message
	seen          map[int64]bool
	typingUsers   map[int64]*typingEntry
	typingGen     uint64
	loading       bool
	lastErr       error
	readInFlight  bool
	convSubs      []func()
	personalSubs  []func()
	presenceSubs  map[string]func()
	connListener  ListenerID

	changes listenerSet[struct{}]
}

func NewStore(api ConversationSource, mux *Multiplexer, out *Dispatcher, cfg StoreConfig, opts ...Option) *Store {
	cfg.defaults()
	o := buildOptions(opts)
	s := &Store{
		api:          api,
		mux:          mux,
		conn:         mux.conn,
		out:          out,
		cfg:          cfg,
		log:          o.log.Named("store"),
		metrics:      o.metrics,
		seen:         make(map[int64]bool),
		typingUsers:  make(map[int64]*typingEntry),
		presenceSubs: make(map[string]func()),
	}
	s.typing = newTypingNotifier(cfg.TypingTimeout, out.SendTyping)
	s.hConversation = NewHandler("store.conversation", s.onConversationFrame)
	s.hTyping = NewHandler("store.typing", s.onTypingFrame)
	s.hRead = NewHandler("store.read", s.onReadFrame)
	s.hMessages = NewHandler("store.personal-messages", s.onPersonalMessage)
	s.hReceipts = NewHandler("store.personal-receipts", s.onPersonalReceipt)
	s.hPresence = NewHandler("store.presence", s.onPresenceFrame)
	return s
}

// Start begins a session for self: it subscribes the personal queues,
// waits a bounded time for the connection, and loads the conversation list.
// Presence is announced on every connect.
func (s *Store) Start(ctx context.Context, self User) error {
	s.mu.Lock()
	if s.connListener != 0 {
		s.conn.RemoveConnectionListener(s.connListener)
	}
	s.self = self
	s.phase = PhaseLoading
	s.mu.Unlock()
	s.emit()

	subs := []func(){
		s.mux.Subscribe(TopicPersonalMessages, s.hMessages),
		s.mux.Subscribe(TopicPersonalReadReceipts, s.hReceipts),
	}
	id := s.conn.AddConnectionListener(s.onConnected)

	s.mu.Lock()
	s.personalSubs = subs
	s.connListener = id
	s.mu.Unlock()

	if err := s.conn.Connect(ctx); err != nil {
		s.log.Warn("connect failed, continuing offline", zap.Error(err))
	}
	s.conn.WaitConnected(ctx, s.cfg.ReadyTimeout)

	err := s.LoadConversations(ctx)

	s.mu.Lock()
	s.phase = PhaseActive
	s.mu.Unlock()
	s.emit()
	return err
}

// onConnected runs once per connection: presence is announced and the
// focused conversation's topics, dropped with the old connection, are armed
// again.
func (s *Store) onConnected() {
	s.mu.Lock()
	self := s.self
	var focused int64
	hasFocus := s.current != nil && !s.current.IsTemp()
	if hasFocus {
		focused = *s.current.ID
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.conn.cfg.WriteTimeout)
	defer cancel()
	if self.Username != "" {
		if err := s.out.AnnounceConnect(ctx, self); err != nil {
			s.log.Debug("presence announcement failed", zap.Error(err))
		}
	}
	if hasFocus {
		s.armConversation(focused)
	}
}

// LoadConversations refreshes the list from REST. Concurrent calls share one
// request.
func (s *Store) LoadConversations(ctx context.Context) error {
	_, err, shared := s.loads.Do("conversations", func() (any, error) {
		return nil, s.loadConversations(ctx)
	})
	if shared {
		s.log.Debug("conversation load coalesced")
	}
	return err
}

func (s *Store) loadConversations(ctx context.Context) error {
	list, err := s.api.List(ctx)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.emit()
		return errors.Wrap(err, "load conversations")
	}

	s.mu.Lock()
	existing := make(map[int64]*Conversation, len(s.conversations))
	for _, c := range s.conversations {
		if c.ID != nil {
			existing[*c.ID] = c
		}
	}
	if s.current != nil && s.current.ID != nil {
		existing[*s.current.ID] = s.current
	}

	next := make([]*Conversation, 0, len(list))
	var usernames []string
	for i := range list {
		c := list[i]
		if c.ID == nil {
			continue
		}
		normalizeConversation(&c, s.self.ID)
		for _, p := range c.Participants {
			if p.ID != s.self.ID && p.Username != "" {
				usernames = append(usernames, p.Username)
			}
		}
		if prev, ok := existing[*c.ID]; ok {
			unread := prev.UnreadCount
			*prev = c
			prev.UnreadCount = unread
			next = append(next, prev)
			continue
		}
		cp := c
		next = append(next, &cp)
	}
	sortConversations(next)
	s.conversations = next
	s.lastErr = nil
	s.mu.Unlock()

	s.watchPresence(usernames)
	s.emit()
	return nil
}

// normalizeConversation derives the fields the backend leaves to clients.
func normalizeConversation(c *Conversation, selfID int64) {
	sort.SliceStable(c.Participants, func(i, j int) bool { return c.Participants[i].ID < c.Participants[j].ID })
	var others []User
	for i := range c.Participants {
		p := &c.Participants[i]
		p.IsOnline = p.Status == StatusOnline
		if p.ID != selfID {
			others = append(others, *p)
		}
	}
	c.IsGroup = c.IsGroup || len(c.Participants) > 2
	if !c.IsGroup && len(others) == 1 {
		peer := others[0]
		if c.Name == "" {
			c.Name = peer.DisplayName()
		}
		if c.AvatarURL == "" {
			c.AvatarURL = peer.Avatar
		}
		c.IsOnline = peer.IsOnline
		return
	}
	if c.Name == "" {
		names := make([]string, 0, len(others))
		for _, p := range others {
			names = append(names, p.DisplayName())
		}
		c.Name = strings.Join(names, ", ")
	}
}

// sortConversations orders by last activity, newest first. Timestamps are
// ISO-8601 local date-times and compare lexically.
func sortConversations(cs []*Conversation) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].LastMessageAt > cs[j].LastMessageAt })
}

func (s *Store) watchPresence(usernames []string) {
	for _, u := range usernames {
		s.mu.Lock()
		_, ok := s.presenceSubs[u]
		s.mu.Unlock()
		if ok {
			continue
		}
		cleanup := s.mux.Subscribe(presenceTopic(u), s.hPresence)
		s.mu.Lock()
		s.presenceSubs[u] = cleanup
		s.mu.Unlock()
	}
}

// SelectConversation focuses a persisted conversation, loading it into the
// list first if it is unknown.
func (s *Store) SelectConversation(ctx context.Context, id int64) error {
	s.mu.Lock()
	target := s.findLocked(id)
	s.mu.Unlock()
	if target == nil {
		if err := s.LoadConversations(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		target = s.findLocked(id)
		s.mu.Unlock()
		if target == nil {
			return errors.Wrapf(ErrUnknownConversation, "conversation %d", id)
		}
	}
	return s.focus(ctx, target)
}

// StartNewConversation focuses the existing 1:1 with user, or a temporary
// conversation that becomes persisted when the first message is confirmed.
func (s *Store) StartNewConversation(ctx context.Context, user User) error {
	s.mu.Lock()
	var found *Conversation
	for _, c := range s.conversations {
		if peer, ok := c.Peer(s.self.ID); ok && c.ID != nil && peer.ID == user.ID {
			found = c
			break
		}
	}
	s.mu.Unlock()
	if found != nil {
		return s.focus(ctx, found)
	}

	user.IsOnline = user.Status == StatusOnline
	temp := &Conversation{
		Participants: []User{user},
		RecipientID:  int64Ptr(user.ID),
		Name:         user.DisplayName(),
		AvatarURL:    user.Avatar,
		IsOnline:     user.IsOnline,
	}
	if user.Username != "" {
		s.watchPresence([]string{user.Username})
	}
	return s.focus(ctx, temp)
}

func (s *Store) focus(ctx context.Context, target *Conversation) error {
	s.typing.stop(ctx)

	s.mu.Lock()
	stale := s.convSubs
	s.convSubs = nil
	s.current = target
	s.resetViewLocked()
	s.loading = !target.IsTemp()
	target.UnreadCount = 0
	var id int64
	if target.ID != nil {
		id = *target.ID
	}
	s.mu.Unlock()

	for _, cleanup := range stale {
		cleanup()
	}
	s.emit()
	if id == 0 {
		return nil
	}

	history, err := s.api.Messages(ctx, id)

	s.mu.Lock()
	if !s.isCurrentLocked(id) {
		s.mu.Unlock()
		s.metrics.Dropped.WithLabelValues("stale_fetch").Inc()
		s.log.Debug("history discarded, focus changed", zap.Int64("conversation", id))
		return nil
	}
	s.loading = false
	if err != nil {
		s.messages = nil
		s.seen = make(map[int64]bool)
		s.lastErr = err
	} else {
		s.mergeHistoryLocked(history)
	}
	s.mu.Unlock()
	s.emit()

	s.armConversation(id)
	if err != nil {
		return errors.Wrapf(err, "load messages of conversation %d", id)
	}
	go s.markReadAsync()
	return nil
}

// mergeHistoryLocked replaces the message list with history, keeping live
// messages that arrived while the fetch was in flight.
func (s *Store) mergeHistoryLocked(history []Message) {
	live := s.messages
	s.messages = make([]*Message, 0, len(history)+len(live))
	s.seen = make(map[int64]bool, len(history))
	for i := range history {
		m := history[i]
		if m.ID != 0 && s.seen[m.ID] {
			continue
		}
		m.Status = MessageConfirmed
		s.messages = append(s.messages, &m)
		if m.ID != 0 {
			s.seen[m.ID] = true
		}
	}
	for _, m := range live {
		if m.ID != 0 && s.seen[m.ID] {
			continue
		}
		s.messages = append(s.messages, m)
		if m.ID != 0 {
			s.seen[m.ID] = true
		}
	}
}

// armConversation subscribes the focused conversation's topics. The
// subscriptions are dropped if the focus moved on in the meantime.
func (s *Store) armConversation(id int64) {
	cleanups := []func(){
		s.mux.Subscribe(conversationTopic(id), s.hConversation, Ephemeral()),
		s.mux.Subscribe(typingTopic(id), s.hTyping, Ephemeral()),
		s.mux.Subscribe(readTopic(id), s.hRead, Ephemeral()),
	}
	s.mu.Lock()
	if !s.isCurrentLocked(id) {
		s.mu.Unlock()
		for _, cleanup := range cleanups {
			cleanup()
		}
		return
	}
	s.convSubs = cleanups
	s.mu.Unlock()
}

// SendMessage publishes content to the focused conversation. With optimistic
// echo enabled the returned message is the provisional entry, whose Status
// is sent or failed.
func (s *Store) SendMessage(ctx context.Context, content string, mentionedUserIDs ...int64) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	s.typing.stop(ctx)

	s.mu.Lock()
	cur := s.current
	if cur == nil {
		s.mu.Unlock()
		return nil, ErrNoConversation
	}
	req := ChatMessageRequest{
		Content:          content,
		ClientMessageID:  newCorrelationID(),
		MentionedUserIDs: mentionedUserIDs,
	}
	var convID int64
	if cur.ID != nil {
		convID = *cur.ID
		req.ConversationID = int64Ptr(convID)
	} else if cur.RecipientID != nil {
		req.RecipientID = int64Ptr(*cur.RecipientID)
	}
	var prov *Message
	if !s.cfg.DisableOptimistic {
		prov = &Message{
			ConversationID:  convID,
			SenderID:        s.self.ID,
			SenderName:      s.self.DisplayName(),
			Avatar:          s.self.Avatar,
			Content:         content,
			CreatedAt:       time.Now().Format("2006-01-02T15:04:05"),
			ClientMessageID: req.ClientMessageID,
			Status:          MessagePending,
		}
		s.messages = append(s.messages, prov)
	}
	s.mu.Unlock()
	if prov != nil {
		s.emit()
	}

	err := s.out.SendChat(ctx, req)
	if prov == nil {
		return nil, err
	}

	s.mu.Lock()
	if prov.Status == MessagePending {
		if err != nil {
			prov.Status = MessageFailed
		} else {
			prov.Status = MessageSent
		}
	}
	snapshot := *prov
	s.mu.Unlock()
	s.emit()

	if err != nil {
		s.log.Warn("send failed", zap.String("client_message_id", snapshot.ClientMessageID), zap.Error(err))
		return &snapshot, err
	}
	return &snapshot, nil
}

// Keystroke records local typing in the focused conversation.
func (s *Store) Keystroke(ctx context.Context) {
	s.mu.Lock()
	var id int64
	if s.current != nil && s.current.ID != nil {
		id = *s.current.ID
	}
	s.mu.Unlock()
	if id == 0 {
		return
	}
	s.typing.keystroke(ctx, id)
}

// StopTyping publishes typing=false now if a typing burst is active.
func (s *Store) StopTyping(ctx context.Context) {
	s.typing.stop(ctx)
}

// MarkRead publishes a read marker for the focused conversation. It is
// skipped when no unread message from another participant is loaded.
func (s *Store) MarkRead(ctx context.Context) error {
	s.mu.Lock()
	cur := s.current
	if cur == nil || cur.ID == nil || s.readInFlight || !s.hasUnreadLocked() {
		s.mu.Unlock()
		return nil
	}
	id := *cur.ID
	s.readInFlight = true
	s.mu.Unlock()

	err := s.out.MarkRead(ctx, id)

	s.mu.Lock()
	s.readInFlight = false
	if err == nil && s.isCurrentLocked(id) {
		for _, m := range s.messages {
			if m.SenderID != s.self.ID {
				m.IsRead = true
			}
		}
	}
	s.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "mark conversation %d read", id)
	}
	s.emit()
	return nil
}

func (s *Store) markReadAsync() {
	ctx, cancel := context.WithTimeout(context.Background(), s.out.cfg.QueueTimeout)
	defer cancel()
	if err := s.MarkRead(ctx); err != nil {
		s.log.Debug("mark read failed", zap.Error(err))
	}
}

func (s *Store) hasUnreadLocked() bool {
	for _, m := range s.messages {
		if m.SenderID != s.self.ID && !m.IsRead {
			return true
		}
	}
	return false
}

// Close unfocuses the current conversation and releases every subscription
// the store holds. A later Start begins afresh.
func (s *Store) Close(ctx context.Context) {
	s.typing.stop(ctx)

	s.mu.Lock()
	var cleanups []func()
	cleanups = append(cleanups, s.convSubs...)
	cleanups = append(cleanups, s.personalSubs...)
	for _, cleanup := range s.presenceSubs {
		cleanups = append(cleanups, cleanup)
	}
	s.convSubs = nil
	s.personalSubs = nil
	s.presenceSubs = make(map[string]func())
	if s.connListener != 0 {
		s.conn.RemoveConnectionListener(s.connListener)
		s.connListener = 0
	}
	s.current = nil
	s.resetViewLocked()
	s.phase = PhaseIdle
	s.mu.Unlock()

	for _, cleanup := range cleanups {
		cleanup()
	}
	s.emit()
}

func (s *Store) resetViewLocked() {
	s.messages = nil
	s.seen = make(map[int64]bool)
	for id, e := range s.typingUsers {
		e.timer.Stop()
		delete(s.typingUsers, id)
	}
	s.loading = false
	s.lastErr = nil
	s.readInFlight = false
}

func (s *Store) findLocked(id int64) *Conversation {
	for _, c := range s.conversations {
		if c.HasID(id) {
			return c
		}
	}
	return nil
}

func (s *Store) isCurrentLocked(id int64) bool {
	return s.current != nil && s.current.HasID(id)
}

// ============================================================================
// Snapshots
// ============================================================================

// Conversations returns a copy of the list, most recent first.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.clone())
	}
	return out
}

// Current returns the focused conversation.
func (s *Store) Current() (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Conversation{}, false
	}
	return s.current.clone(), true
}

// Messages returns the focused conversation's messages in arrival order.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	return out
}

// TypingUsers returns who is typing in the focused conversation.
func (s *Store) TypingUsers() []TypingUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TypingUser, 0, len(s.typingUsers))
	for _, e := range s.typingUsers {
		out = append(out, e.user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Store) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// IsLoading reports whether the focused conversation's history is in flight.
func (s *Store) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// LastError returns the last REST failure, cleared by the next success.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Store) Self() User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// OnChange registers fn to run after every state change and returns a func
// that unregisters it. fn runs on the goroutine that made the change and
// must not block.
func (s *Store) OnChange(fn func()) (remove func()) {
	return s.changes.add(func(struct{}) { fn() })
}

func (s *Store) emit() { s.changes.emit(s.log, struct{}{}) }
