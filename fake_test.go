package uthhub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeTransport hands out in-memory connections. failures makes the next
// dials fail.
type fakeTransport struct {
	mu       sync.Mutex
	dials    int
	failures int
	sendErr  error
	tokens   []string
	conns    []*fakeConn
}

func (t *fakeTransport) Dial(ctx context.Context, token string) (TransportConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	t.tokens = append(t.tokens, token)
	if t.failures > 0 {
		t.failures--
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	c.sendErr = t.sendErr
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) setFailures(n int) {
	t.mu.Lock()
	t.failures = n
	t.mu.Unlock()
}

// setSendErr makes every connection dialed from now on fail its writes.
func (t *fakeTransport) setSendErr(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

type sentFrame struct {
	Destination string
	Body        []byte
}

type fakeConn struct {
	mu       sync.Mutex
	subs     map[string]string
	order    []string
	unsubs   []string
	sent     []sentFrame
	sendErr  error
	inbox    chan *Delivery
	closed   chan struct{}
	closeOne sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		subs:   make(map[string]string),
		inbox:  make(chan *Delivery, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Subscribe(ctx context.Context, id, destination string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[id] = destination
	c.order = append(c.order, destination)
	return nil
}

func (c *fakeConn) Unsubscribe(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs = append(c.unsubs, c.subs[id])
	delete(c.subs, id)
	return nil
}

func (c *fakeConn) Send(ctx context.Context, destination string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentFrame{Destination: destination, Body: append([]byte(nil), body...)})
	return nil
}

func (c *fakeConn) Next(ctx context.Context) (*Delivery, error) {
	select {
	case d := <-c.inbox:
		return d, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOne.Do(func() { close(c.closed) })
	return nil
}

// push delivers body on destination through whichever subscription id is
// bound to it. It reports false when nothing is subscribed.
func (c *fakeConn) push(destination string, body []byte) bool {
	c.mu.Lock()
	var subID string
	for id, dest := range c.subs {
		if dest == destination {
			subID = id
		}
	}
	c.mu.Unlock()
	if subID == "" {
		return false
	}
	c.inbox <- &Delivery{Subscription: subID, Destination: destination, Body: body}
	return true
}

func (c *fakeConn) pushJSON(t *testing.T, destination string, v any) {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !c.push(destination, body) {
		t.Fatalf("no subscription for %s", destination)
	}
}

func (c *fakeConn) subscribed(destination string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dest := range c.subs {
		if dest == destination {
			return true
		}
	}
	return false
}

func (c *fakeConn) subscribeCount(destination string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, dest := range c.order {
		if dest == destination {
			n++
		}
	}
	return n
}

func (c *fakeConn) sentTo(destination string) []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentFrame
	for _, f := range c.sent {
		if f.Destination == destination {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) setSendErr(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// waitFor polls cond until it holds or fails the test after two seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fastReconnect keeps retry timing in the millisecond range.
func fastReconnect() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:               time.Millisecond,
		MaxDelay:                5 * time.Millisecond,
		MaxAttempts:             3,
		CredentialRetryInterval: 5 * time.Millisecond,
		DialTimeout:             time.Second,
		WriteTimeout:            time.Second,
	}
}

type testStack struct {
	transport *fakeTransport
	conn      *ConnectionManager
	mux       *Multiplexer
	out       *Dispatcher
	metrics   *Metrics
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	m := NewMetrics(nil)
	ft := &fakeTransport{}
	conn := NewConnectionManager(ft, StaticToken("test-token"), fastReconnect(), WithMetrics(m))
	mux := NewMultiplexer(conn, WithMetrics(m))
	out := NewDispatcher(conn, DispatcherConfig{QueueTimeout: time.Second}, WithMetrics(m))
	t.Cleanup(func() { conn.Disconnect() })
	return &testStack{transport: ft, conn: conn, mux: mux, out: out, metrics: m}
}

func (s *testStack) connect(t *testing.T) *fakeConn {
	t.Helper()
	if err := s.conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// A Subscribe made while disconnected may already have started the dial.
	waitFor(t, "connection", s.conn.IsConnected)
	return s.transport.last()
}
