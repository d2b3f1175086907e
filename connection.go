package uthhub

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateUnreachable is terminal: the retry ceiling was hit and only an
	// explicit Connect starts over.
	StateUnreachable State = "unreachable"
)

var allStates = []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateUnreachable}

// ListenerID identifies a registered connection listener.
type ListenerID uint64

type connListener struct {
	id   ListenerID
	fn   func()
	once bool
	// gen is the last connection this listener ran for.
	gen uint64
}

// sessionHooks is implemented by the multiplexer: topics are armed inside
// the connect sequence, before any connection listener runs.
type sessionHooks interface {
	sessionUp(conn TransportConn)
	deliver(d *Delivery)
	sessionDown()
	teardown()
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single STOMP session of the process.
type ConnectionManager struct {
	transport Transport
	tokens    TokenSource
	cfg       ReconnectConfig
	log       *zap.Logger
	metrics   *Metrics

	mu             sync.Mutex
	state          State
	conn           TransportConn
	gen            uint64
	intentional    bool
	backoff        *backoff
	retry          *time.Timer
	cancelLoop     context.CancelFunc
	hooks          sessionHooks
	listeners      []*connListener
	nextListener   ListenerID
	stateListeners []func(State)
}

func NewConnectionManager(transport Transport, tokens TokenSource, cfg ReconnectConfig, opts ...Option) *ConnectionManager {
	cfg.defaults()
	o := buildOptions(opts)
	c := &ConnectionManager{
		transport: transport,
		tokens:    tokens,
		cfg:       cfg,
		log:       o.log.Named("connection"),
		metrics:   o.metrics,
		state:     StateDisconnected,
		backoff:   newBackoff(cfg),
	}
	c.metrics.setState(StateDisconnected)
	return c
}

func (c *ConnectionManager) attach(h sessionHooks) {
	c.mu.Lock()
	c.hooks = h
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *ConnectionManager) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ConnectionManager) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.conn != nil
}

// OnStateChange registers fn for every state transition.
func (c *ConnectionManager) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.stateListeners = append(c.stateListeners, fn)
	c.mu.Unlock()
}

// AddConnectionListener registers fn to run once per successful connection,
// in registration order. Registered while already connected, fn runs
// asynchronously once for the current connection.
func (c *ConnectionManager) AddConnectionListener(fn func()) ListenerID {
	return c.addListener(fn, false)
}

// OnceConnected is AddConnectionListener for a single invocation.
func (c *ConnectionManager) OnceConnected(fn func()) ListenerID {
	return c.addListener(fn, true)
}

// onNextConnection registers fn to run once on the next new connection,
// skipping the current one.
func (c *ConnectionManager) onNextConnection(fn func()) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListener++
	l := &connListener{id: c.nextListener, fn: fn, once: true, gen: c.gen}
	c.listeners = append(c.listeners, l)
	return l.id
}

func (c *ConnectionManager) addListener(fn func(), once bool) ListenerID {
	c.mu.Lock()
	c.nextListener++
	l := &connListener{id: c.nextListener, fn: fn, once: once, gen: c.gen}
	connected := c.state == StateConnected && c.conn != nil
	if !(connected && once) {
		c.listeners = append(c.listeners, l)
	}
	c.mu.Unlock()

	if connected {
		go c.safeCall(fn)
	}
	return l.id
}

func (c *ConnectionManager) RemoveConnectionListener(id ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.listeners {
		if l.id == id {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Connect opens the session. It is a no-op while connected or while an
// attempt is in flight. Failures schedule a bounded retry.
func (c *ConnectionManager) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.state == StateDisconnected || c.state == StateUnreachable {
		c.backoff.reset()
	}
	c.intentional = false
	c.state = StateConnecting
	c.mu.Unlock()
	c.emitState(StateConnecting)

	err := c.dial(ctx)
	if err != nil {
		c.failed(err)
	}
	return err
}

func (c *ConnectionManager) dial(ctx context.Context) error {
	token, err := c.tokens.Token(ctx)
	if err == nil && token == "" {
		err = ErrNoCredential
	}
	if err != nil {
		if !errors.Is(err, ErrNoCredential) {
			err = errors.Wrapf(ErrNoCredential, "token source: %v", err)
		}
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, err := c.transport.Dial(dctx, token)
	if err != nil {
		return errors.Wrap(err, "connect")
	}

	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		conn.Close()
		return errors.Wrap(ErrNotConnected, "disconnected while connecting")
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.state = StateConnected
	c.backoff.reset()
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	c.cancelLoop = cancelLoop
	hooks := c.hooks
	c.mu.Unlock()

	c.log.Info("connected", zap.Uint64("generation", gen))
	c.emitState(StateConnected)

	if hooks != nil {
		hooks.sessionUp(conn)
	}
	go c.readLoop(loopCtx, conn, hooks)
	c.notifyListeners(gen)
	return nil
}

func (c *ConnectionManager) notifyListeners(gen uint64) {
	c.mu.Lock()
	var fns []func()
	kept := make([]*connListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		if l.gen < gen {
			l.gen = gen
			fns = append(fns, l.fn)
			if l.once {
				continue
			}
		}
		kept = append(kept, l)
	}
	c.listeners = kept
	c.mu.Unlock()

	for _, fn := range fns {
		c.safeCall(fn)
	}
}

func (c *ConnectionManager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("connection listener panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

func (c *ConnectionManager) failed(err error) {
	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		return
	}

	if errors.Is(err, ErrNoCredential) {
		c.state = StateDisconnected
		c.scheduleLocked(c.cfg.CredentialRetryInterval)
		c.mu.Unlock()
		c.log.Debug("no credential, retrying later", zap.Duration("in", c.cfg.CredentialRetryInterval))
		c.emitState(StateDisconnected)
		return
	}

	if c.backoff.exhausted() {
		c.state = StateUnreachable
		attempts := c.backoff.attempt
		c.mu.Unlock()
		c.log.Warn("giving up reconnecting", zap.Int("attempts", attempts), zap.Error(err))
		c.emitState(StateUnreachable)
		return
	}

	delay := c.backoff.nextDelay()
	attempt := c.backoff.attempt
	c.state = StateReconnecting
	c.scheduleLocked(delay)
	c.mu.Unlock()

	c.metrics.Reconnects.Inc()
	c.log.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	c.emitState(StateReconnecting)
}

func (c *ConnectionManager) scheduleLocked(delay time.Duration) {
	if c.retry != nil {
		c.retry.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.retry != t || c.intentional {
			c.mu.Unlock()
			return
		}
		c.retry = nil
		c.mu.Unlock()
		_ = c.Connect(context.Background())
	})
	c.retry = t
}

func (c *ConnectionManager) readLoop(ctx context.Context, conn TransportConn, hooks sessionHooks) {
	for {
		d, err := conn.Next(ctx)
		if err != nil {
			c.lost(conn, err)
			return
		}
		if hooks != nil {
			hooks.deliver(d)
		}
	}
}

func (c *ConnectionManager) lost(conn TransportConn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateReconnecting
	if c.cancelLoop != nil {
		c.cancelLoop()
		c.cancelLoop = nil
	}
	hooks := c.hooks
	c.mu.Unlock()

	conn.Close()
	c.log.Warn("connection lost", zap.Error(err))
	if hooks != nil {
		hooks.sessionDown()
	}
	c.failed(err)
}

// Disconnect closes the session and drops every subscription. Meant for
// logout; no reconnection follows.
func (c *ConnectionManager) Disconnect() error {
	c.mu.Lock()
	c.intentional = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.cancelLoop != nil {
		c.cancelLoop()
		c.cancelLoop = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.backoff.reset()
	hooks := c.hooks
	c.mu.Unlock()

	if hooks != nil {
		hooks.teardown()
	}
	c.emitState(StateDisconnected)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Publish writes a SEND frame on the live session.
func (c *ConnectionManager) Publish(ctx context.Context, destination string, body []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return conn.Send(wctx, destination, body)
}

// WaitConnected blocks until connected, ctx is done or timeout elapses. It
// reports whether the session is up; callers proceed either way.
func (c *ConnectionManager) WaitConnected(ctx context.Context, timeout time.Duration) bool {
	if c.IsConnected() {
		return true
	}
	ready := make(chan struct{})
	id := c.OnceConnected(func() { close(ready) })
	defer c.RemoveConnectionListener(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
		return true
	case <-timer.C:
		c.log.Warn("connection not ready, proceeding", zap.Duration("waited", timeout))
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *ConnectionManager) emitState(s State) {
	c.metrics.setState(s)
	c.mu.Lock()
	fns := append([]func(State){}, c.stateListeners...)
	c.mu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("state listener panicked", zap.Any("panic", r))
				}
			}()
			fn(s)
		}()
	}
}
