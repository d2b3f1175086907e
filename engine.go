package uthhub

import (
	"context"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// EngineConfig configures an Engine. Only Tokens is required.
type EngineConfig struct {
	BaseURL string
	Tokens  TokenSource

	Reconnect  ReconnectConfig
	Dispatcher DispatcherConfig
	Store      StoreConfig

	Logger     *zap.Logger
	Registerer prometheus.Registerer
	HTTPClient *http.Client

	// Transport replaces the WebSocket transport derived from BaseURL.
	Transport Transport
}

// Engine wires the REST client and the real-time components of one login
// session. Construct one per session; Logout tears it down.
type Engine struct {
	Client        *Client
	Conn          *ConnectionManager
	Subscriptions *Multiplexer
	Dispatcher    *Dispatcher
	Store         *Store
	Notifications *NotificationCenter
	Friends       *FriendFeed

	tokens TokenSource
	log    *zap.Logger

	mu      sync.Mutex
	self    User
	unwatch func()
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Tokens == nil {
		return nil, errors.Wrap(ErrNoCredential, "engine requires a token source")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	log := orNop(cfg.Logger)
	opts := []Option{WithLogger(log), WithMetrics(NewMetrics(cfg.Registerer))}

	clientOpts := []ClientOption{WithBaseURL(cfg.BaseURL), WithClientLogger(log)}
	if cfg.HTTPClient != nil {
		clientOpts = append(clientOpts, WithHTTPClient(cfg.HTTPClient))
	}
	client := NewClient(cfg.Tokens, clientOpts...)

	cfg.Reconnect.defaults()
	transport := cfg.Transport
	if transport == nil {
		transport = NewWebSocketTransport(SocketURLFromBase(client.BaseURL()),
			WithHeartBeat(cfg.Reconnect.HeartBeat),
			WithTransportLogger(log),
		)
	}

	conn := NewConnectionManager(transport, cfg.Tokens, cfg.Reconnect, opts...)
	mux := NewMultiplexer(conn, opts...)
	out := NewDispatcher(conn, cfg.Dispatcher, opts...)

	return &Engine{
		Client:        client,
		Conn:          conn,
		Subscriptions: mux,
		Dispatcher:    out,
		Store:         NewStore(client.Conversations, mux, out, cfg.Store, opts...),
		Notifications: NewNotificationCenter(client.Notifications, mux, opts...),
		Friends:       NewFriendFeed(client.Friends, opts...),
		tokens:        cfg.Tokens,
		log:           log.Named("engine"),
	}, nil
}

// Start resolves the signed-in user and starts the store, the notification
// center and the friend feed. A connection that is not ready in time does
// not fail Start; queued commands go out once it is.
func (e *Engine) Start(ctx context.Context) error {
	me, err := e.Client.Users.Me(ctx)
	if err != nil {
		return errors.Wrap(err, "resolve current user")
	}

	e.mu.Lock()
	e.self = *me
	if e.unwatch != nil {
		e.unwatch()
	}
	e.unwatch = e.Notifications.OnNotification(e.onNotification)
	e.mu.Unlock()

	storeErr := e.Store.Start(ctx, *me)
	if err := e.Notifications.Start(ctx, *me); err != nil {
		e.log.Warn("notifications unavailable", zap.Error(err))
	}
	if err := e.Friends.Load(ctx); err != nil {
		e.log.Warn("friends unavailable", zap.Error(err))
	}
	e.log.Info("session started", zap.String("username", me.Username), zap.Int64("user_id", me.ID))
	return storeErr
}

func (e *Engine) onNotification(n Notification) {
	e.Friends.HandleNotification(n)
	if n.Style == NotificationGroupCreated {
		go e.Store.reloadConversations()
	}
}

// Self returns the user resolved by Start.
func (e *Engine) Self() User {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self
}

// Logout stops typing, drops every subscription, closes the connection and
// clears the session's credential.
func (e *Engine) Logout(ctx context.Context) error {
	e.Store.Close(ctx)
	e.Notifications.Stop()

	e.mu.Lock()
	if e.unwatch != nil {
		e.unwatch()
		e.unwatch = nil
	}
	e.self = User{}
	e.mu.Unlock()

	err := e.Conn.Disconnect()
	if s, ok := e.tokens.(*Session); ok {
		s.Clear()
	}
	e.log.Info("logged out")
	return err
}
