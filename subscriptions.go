package uthhub

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ============================================================================
// Handlers
// ============================================================================

// Handler consumes the body of a MESSAGE frame pushed on topic. A returned
// error discards the frame; it never affects other topics.
type Handler interface {
	HandleFrame(topic string, body []byte) error
}

// HandlerFunc adapts a function to Handler. Function values are never
// considered identical, so re-subscribing with one always replaces.
type HandlerFunc func(topic string, body []byte) error

func (f HandlerFunc) HandleFrame(topic string, body []byte) error { return f(topic, body) }

// NamedHandler is a comparable Handler: re-subscribing a topic with the same
// *NamedHandler is a no-op.
type NamedHandler struct {
	Name string
	fn   func(topic string, body []byte) error
}

func NewHandler(name string, fn func(topic string, body []byte) error) *NamedHandler {
	return &NamedHandler{Name: name, fn: fn}
}

func (h *NamedHandler) HandleFrame(topic string, body []byte) error { return h.fn(topic, body) }

// JSON returns a handler that decodes each body into T before calling fn.
func JSON[T any](fn func(topic string, v T)) Handler {
	return &jsonHandler[T]{fn: fn}
}

type jsonHandler[T any] struct {
	fn func(string, T)
}

func (h *jsonHandler[T]) HandleFrame(topic string, body []byte) error {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return errors.Wrapf(err, "decode %T", v)
	}
	h.fn(topic, v)
	return nil
}

func sameHandler(a, b Handler) bool {
	if a == nil || b == nil {
		return false
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

// ============================================================================
// Multiplexer
// ============================================================================

type subscribeOptions struct {
	persistent bool
}

type SubscribeOption func(*subscribeOptions)

// Ephemeral marks a binding as scoped to the current view: it is dropped
// when the connection is lost instead of being re-armed.
func Ephemeral() SubscribeOption {
	return func(o *subscribeOptions) { o.persistent = false }
}

type binding struct {
	topic      string
	handler    Handler
	persistent bool
	seq        uint64
	// token changes whenever the handler is replaced, invalidating the
	// cleanup returned for the previous handler.
	token uint64
	subID string
	armed bool
}

// Multiplexer binds topics to handlers over the connection manager's
// session. At most one binding exists per topic; bindings made while
// disconnected wait in a pending state and are armed on connect.
type Multiplexer struct {
	conn    *ConnectionManager
	log     *zap.Logger
	metrics *Metrics
	timeout time.Duration

	mu     sync.Mutex
	live   TransportConn
	topics map[string]*binding
	bySub  map[string]*binding
	seq    uint64
}

func NewMultiplexer(conn *ConnectionManager, opts ...Option) *Multiplexer {
	o := buildOptions(opts)
	m := &Multiplexer{
		conn:    conn,
		log:     o.log.Named("subscriptions"),
		metrics: o.metrics,
		timeout: conn.cfg.WriteTimeout,
		topics:  make(map[string]*binding),
		bySub:   make(map[string]*binding),
	}
	conn.attach(m)
	return m
}

// Subscribe binds handler to topic and returns its cleanup. Bindings are
// persistent unless Ephemeral is given. While disconnected the binding is
// held pending and a connection attempt is started.
func (m *Multiplexer) Subscribe(topic string, handler Handler, opts ...SubscribeOption) func() {
	o := subscribeOptions{persistent: true}
	for _, opt := range opts {
		opt(&o)
	}

	m.mu.Lock()
	if b, ok := m.topics[topic]; ok {
		if sameHandler(b.handler, handler) {
			b.persistent = b.persistent || o.persistent
			token := b.token
			m.mu.Unlock()
			return m.cleanup(topic, token)
		}
		b.handler = handler
		b.persistent = o.persistent
		b.token++
		token := b.token
		m.mu.Unlock()
		m.log.Debug("handler replaced", zap.String("topic", topic))
		return m.cleanup(topic, token)
	}

	m.seq++
	b := &binding{topic: topic, handler: handler, persistent: o.persistent, seq: m.seq, token: 1}
	m.topics[topic] = b
	m.metrics.Subscriptions.Set(float64(len(m.topics)))
	token := b.token
	live := m.live
	if live != nil {
		m.armLocked(live, b)
	}
	m.mu.Unlock()

	if live == nil {
		m.log.Debug("subscription pending", zap.String("topic", topic))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.conn.cfg.DialTimeout)
			defer cancel()
			_ = m.conn.Connect(ctx)
		}()
	}
	return m.cleanup(topic, token)
}

func (m *Multiplexer) cleanup(topic string, token uint64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			b, ok := m.topics[topic]
			if !ok || b.token != token {
				return
			}
			m.removeLocked(b)
		})
	}
}

// Unsubscribe removes the binding for topic whatever its handler.
func (m *Multiplexer) Unsubscribe(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.topics[topic]; ok {
		m.removeLocked(b)
	}
}

// Topics lists bound topics, armed or pending.
func (m *Multiplexer) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.topics))
	for t := range m.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Pending lists topics waiting for a connection.
func (m *Multiplexer) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for t, b := range m.topics {
		if !b.armed {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Multiplexer) armLocked(conn TransportConn, b *binding) {
	b.subID = newSubscriptionID()
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := conn.Subscribe(ctx, b.subID, b.topic); err != nil {
		m.log.Warn("subscribe failed", zap.String("topic", b.topic), zap.Error(err))
		b.subID = ""
		return
	}
	b.armed = true
	m.bySub[b.subID] = b
}

func (m *Multiplexer) removeLocked(b *binding) {
	delete(m.topics, b.topic)
	m.metrics.Subscriptions.Set(float64(len(m.topics)))
	if !b.armed {
		return
	}
	delete(m.bySub, b.subID)
	if m.live != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := m.live.Unsubscribe(ctx, b.subID); err != nil {
			m.log.Debug("unsubscribe failed", zap.String("topic", b.topic), zap.Error(err))
		}
	}
}

// sessionUp arms every binding in registration order. Called by the
// connection manager before connection listeners run.
func (m *Multiplexer) sessionUp(conn TransportConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = conn
	bs := make([]*binding, 0, len(m.topics))
	for _, b := range m.topics {
		if !b.armed {
			bs = append(bs, b)
		}
	}
	sort.Slice(bs, func(i, j int) bool { return bs[i].seq < bs[j].seq })
	for _, b := range bs {
		m.armLocked(conn, b)
	}
	m.log.Debug("subscriptions armed", zap.Int("count", len(bs)))
}

// sessionDown forgets ephemeral bindings and parks persistent ones.
func (m *Multiplexer) sessionDown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = nil
	m.bySub = make(map[string]*binding)
	for topic, b := range m.topics {
		if !b.persistent {
			delete(m.topics, topic)
			continue
		}
		b.armed = false
		b.subID = ""
	}
	m.metrics.Subscriptions.Set(float64(len(m.topics)))
}

func (m *Multiplexer) teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = nil
	m.topics = make(map[string]*binding)
	m.bySub = make(map[string]*binding)
	m.metrics.Subscriptions.Set(0)
}

// deliver runs on the read goroutine, so frames reach handlers in arrival
// order.
func (m *Multiplexer) deliver(d *Delivery) {
	m.mu.Lock()
	b, ok := m.bySub[d.Subscription]
	var h Handler
	topic := d.Destination
	if ok {
		h = b.handler
		topic = b.topic
	}
	m.mu.Unlock()

	if !ok {
		m.metrics.Frames.WithLabelValues("false").Inc()
		m.log.Debug("frame for unknown subscription", zap.String("subscription", d.Subscription), zap.String("destination", d.Destination))
		return
	}
	m.metrics.Frames.WithLabelValues("true").Inc()

	if err := m.invoke(h, topic, d.Body); err != nil {
		m.metrics.DecodeErrors.WithLabelValues(topicKind(topic)).Inc()
		m.log.Warn("frame discarded", zap.String("topic", topic), zap.Error(err))
	}
}

func (m *Multiplexer) invoke(h Handler, topic string, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return h.HandleFrame(topic, body)
}
