package uthhub

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const maxNotifications = 100

func notificationTopic(userID int64) string {
	return "/topic/notifications/" + strconv.FormatInt(userID, 10)
}

// NotificationSource is the REST surface the notification center uses.
type NotificationSource interface {
	List(ctx context.Context) ([]Notification, error)
	MarkRead(ctx context.Context, id int64) error
}

// ============================================================================
// NotificationCenter
// ============================================================================

// NotificationCenter keeps the most recent notifications, newest first, and
// an unread counter.
type NotificationCenter struct {
	api     NotificationSource
	mux     *Multiplexer
	log     *zap.Logger
	metrics *Metrics
	handler *NamedHandler

	mu     sync.Mutex
	items  []Notification
	unread int
	sub    func()

	incoming listenerSet[Notification]
	changes  listenerSet[struct{}]
}

func NewNotificationCenter(api NotificationSource, mux *Multiplexer, opts ...Option) *NotificationCenter {
	o := buildOptions(opts)
	n := &NotificationCenter{
		api:     api,
		mux:     mux,
		log:     o.log.Named("notifications"),
		metrics: o.metrics,
	}
	n.handler = NewHandler("notifications", n.onFrame)
	return n
}

// Start subscribes self's notification topic and loads the backlog.
func (n *NotificationCenter) Start(ctx context.Context, self User) error {
	n.mu.Lock()
	prev := n.sub
	n.sub = nil
	n.mu.Unlock()
	if prev != nil {
		prev()
	}

	cleanup := n.mux.Subscribe(notificationTopic(self.ID), n.handler)
	n.mu.Lock()
	n.sub = cleanup
	n.mu.Unlock()
	return n.Load(ctx)
}

// Stop releases the subscription and forgets every notification.
func (n *NotificationCenter) Stop() {
	n.mu.Lock()
	sub := n.sub
	n.sub = nil
	n.mu.Unlock()
	if sub != nil {
		sub()
	}
	n.Clear()
}

// Load replaces the held notifications with the backend's list.
func (n *NotificationCenter) Load(ctx context.Context) error {
	list, err := n.api.List(ctx)
	if err != nil {
		return errors.Wrap(err, "load notifications")
	}
	sort.SliceStable(list, func(i, j int) bool { return newerNotification(list[i], list[j]) })
	if len(list) > maxNotifications {
		list = list[:maxNotifications]
	}

	n.mu.Lock()
	n.items = list
	n.unread = countUnread(list)
	n.mu.Unlock()
	n.changes.emit(n.log, struct{}{})
	return nil
}

func newerNotification(a, b Notification) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID > b.ID
}

func countUnread(list []Notification) int {
	count := 0
	for _, item := range list {
		if !item.IsRead {
			count++
		}
	}
	return count
}

func (n *NotificationCenter) onFrame(topic string, body []byte) error {
	var item Notification
	if err := json.Unmarshal(body, &item); err != nil {
		return errors.Wrap(err, "decode notification")
	}

	n.mu.Lock()
	for _, existing := range n.items {
		if item.ID != 0 && existing.ID == item.ID {
			n.mu.Unlock()
			n.metrics.Dropped.WithLabelValues("duplicate").Inc()
			return nil
		}
	}
	n.items = append([]Notification{item}, n.items...)
	if len(n.items) > maxNotifications {
		n.items = n.items[:maxNotifications]
	}
	n.unread = countUnread(n.items)
	n.mu.Unlock()

	n.log.Debug("notification", zap.Int64("id", item.ID), zap.String("style", item.Style))
	n.incoming.emit(n.log, item)
	n.changes.emit(n.log, struct{}{})
	return nil
}

// MarkRead marks one notification read on the backend and locally.
func (n *NotificationCenter) MarkRead(ctx context.Context, id int64) error {
	if err := n.api.MarkRead(ctx, id); err != nil {
		return errors.Wrapf(err, "mark notification %d read", id)
	}
	n.mu.Lock()
	for i := range n.items {
		if n.items[i].ID == id {
			n.items[i].IsRead = true
		}
	}
	n.unread = countUnread(n.items)
	n.mu.Unlock()
	n.changes.emit(n.log, struct{}{})
	return nil
}

// MarkAllRead clears the unread state locally.
func (n *NotificationCenter) MarkAllRead() {
	n.mu.Lock()
	for i := range n.items {
		n.items[i].IsRead = true
	}
	n.unread = 0
	n.mu.Unlock()
	n.changes.emit(n.log, struct{}{})
}

func (n *NotificationCenter) Clear() {
	n.mu.Lock()
	n.items = nil
	n.unread = 0
	n.mu.Unlock()
	n.changes.emit(n.log, struct{}{})
}

// Notifications returns a copy of the held notifications, newest first.
func (n *NotificationCenter) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.items...)
}

func (n *NotificationCenter) Unread() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.unread
}

// OnNotification registers fn for every pushed notification. fn runs on the
// connection's read goroutine and must not block.
func (n *NotificationCenter) OnNotification(fn func(Notification)) (remove func()) {
	return n.incoming.add(fn)
}

// OnChange registers fn for any change to the held notifications.
func (n *NotificationCenter) OnChange(fn func()) (remove func()) {
	return n.changes.add(func(struct{}) { fn() })
}

// ============================================================================
// FriendFeed
// ============================================================================

// FriendSource is the REST surface the friend feed uses.
type FriendSource interface {
	List(ctx context.Context) ([]Friend, error)
	Incoming(ctx context.Context) ([]Friend, error)
	Sent(ctx context.Context) ([]Friend, error)
	Request(ctx context.Context, username string) error
	Accept(ctx context.Context, requestID int64) error
	Reject(ctx context.Context, requestID int64) error
	Cancel(ctx context.Context, targetID int64) error
	Unfriend(ctx context.Context, friendID int64) error
}

// FriendFeed holds the friend list and pending requests in both directions.
// Friend events reach it as notifications.
type FriendFeed struct {
	api FriendSource
	log *zap.Logger

	mu       sync.Mutex
	friends  []Friend
	incoming []Friend
	sent     []Friend

	changes listenerSet[struct{}]
}

func NewFriendFeed(api FriendSource, opts ...Option) *FriendFeed {
	o := buildOptions(opts)
	return &FriendFeed{api: api, log: o.log.Named("friends")}
}

// Load fetches friends and requests.
func (f *FriendFeed) Load(ctx context.Context) error {
	friends, err := f.api.List(ctx)
	if err != nil {
		return errors.Wrap(err, "load friends")
	}
	incoming, err := f.api.Incoming(ctx)
	if err != nil {
		return errors.Wrap(err, "load friend requests")
	}
	sent, err := f.api.Sent(ctx)
	if err != nil {
		return errors.Wrap(err, "load sent friend requests")
	}
	f.mu.Lock()
	f.friends, f.incoming, f.sent = friends, incoming, sent
	f.mu.Unlock()
	f.changes.emit(f.log, struct{}{})
	return nil
}

// HandleNotification refreshes the affected list for friend notifications
// and ignores every other style. The refresh runs in the background.
func (f *FriendFeed) HandleNotification(n Notification) {
	var reload func(context.Context) error
	switch n.Style {
	case NotificationFriendRequest:
		reload = f.reloadIncoming
	case NotificationFriendAccepted:
		reload = f.reloadAccepted
	default:
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := reload(ctx); err != nil {
			f.log.Warn("friend refresh failed", zap.String("style", n.Style), zap.Error(err))
		}
	}()
}

func (f *FriendFeed) reloadIncoming(ctx context.Context) error {
	incoming, err := f.api.Incoming(ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.incoming = incoming
	f.mu.Unlock()
	f.changes.emit(f.log, struct{}{})
	return nil
}

// reloadAccepted refreshes friends and sent requests: the accepted request
// moved from one to the other.
func (f *FriendFeed) reloadAccepted(ctx context.Context) error {
	friends, err := f.api.List(ctx)
	if err != nil {
		return err
	}
	sent, err := f.api.Sent(ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.friends, f.sent = friends, sent
	f.mu.Unlock()
	f.changes.emit(f.log, struct{}{})
	return nil
}

func (f *FriendFeed) Request(ctx context.Context, username string) error {
	if err := f.api.Request(ctx, username); err != nil {
		return errors.Wrapf(err, "friend request to %s", username)
	}
	sent, err := f.api.Sent(ctx)
	if err != nil {
		return errors.Wrap(err, "load sent friend requests")
	}
	f.mu.Lock()
	f.sent = sent
	f.mu.Unlock()
	f.changes.emit(f.log, struct{}{})
	return nil
}

// Accept accepts an incoming request and refreshes the friend list.
func (f *FriendFeed) Accept(ctx context.Context, requestID int64) error {
	if err := f.api.Accept(ctx, requestID); err != nil {
		return errors.Wrapf(err, "accept friend request %d", requestID)
	}
	f.mu.Lock()
	f.incoming = removeFriend(f.incoming, func(fr Friend) bool { return fr.RequestID == requestID })
	f.mu.Unlock()
	f.changes.emit(f.log, struct{}{})

	friends, err := f.api.List(ctx)
	if err != nil {
		return errors.Wrap(err, "load friends")
	}
	f.mu.Lock()
	f.friends = friends
	f.mu.Unlock()
	f.changes.emit(f.log, struct{}{})
	return nil
}

func (f *FriendFeed) Reject(ctx context.Context, requestID int64) error {
	if err := f.api.Reject(ctx, requestID); err != nil {
		return errors.Wrapf(err, "reject friend request %d", requestID)
	}
	f.mu.Lock()
	f.incoming = removeFriend(f.incoming, func(fr Friend) bool { return fr.RequestID == requestID })
	f.mu.Unlock()
	f.changes.emit(f.log, struct{}{})
	return nil
}

// Cancel withdraws the request sent to targetID.
func (f *FriendFeed) Cancel(ctx context.Context, targetID int64) error {
	if err := f.api.Cancel(ctx, targetID); err != nil {
		return errors.Wrapf(err, "cancel friend request to %d", targetID)
	}
	f.mu.Lock()
	f.sent = removeFriend(f.sent, func(fr Friend) bool { return fr.UserID == targetID })
	f.mu.Unlock()
	f.changes.emit(f.log, struct{}{})
	return nil
}

func (f *FriendFeed) Unfriend(ctx context.Context, friendID int64) error {
	if err := f.api.Unfriend(ctx, friendID); err != nil {
		return errors.Wrapf(err, "unfriend %d", friendID)
	}
	f.mu.Lock()
	f.friends = removeFriend(f.friends, func(fr Friend) bool { return fr.UserID == friendID })
	f.mu.Unlock()
	f.changes.emit(f.log, struct{}{})
	return nil
}

func (f *FriendFeed) Friends() []Friend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Friend(nil), f.friends...)
}

// Incoming returns requests addressed to the caller.
func (f *FriendFeed) Incoming() []Friend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Friend(nil), f.incoming...)
}

// Sent returns requests the caller made that are still pending.
func (f *FriendFeed) Sent() []Friend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Friend(nil), f.sent...)
}

func (f *FriendFeed) OnChange(fn func()) (remove func()) {
	return f.changes.add(func(struct{}) { fn() })
}

func removeFriend(list []Friend, match func(Friend) bool) []Friend {
	out := list[:0:0]
	for _, fr := range list {
		if !match(fr) {
			out = append(out, fr)
		}
	}
	return out
}
