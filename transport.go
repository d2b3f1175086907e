package uthhub

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Delivery is a MESSAGE frame routed to a subscription.
type Delivery struct {
	Subscription string
	Destination  string
	Body         []byte
}

// Transport opens authenticated STOMP sessions.
type Transport interface {
	Dial(ctx context.Context, token string) (TransportConn, error)
}

// TransportConn is one live STOMP session. Next must only be called from a
// single goroutine; every other method is safe for concurrent use.
type TransportConn interface {
	Subscribe(ctx context.Context, id, destination string) error
	Unsubscribe(ctx context.Context, id string) error
	Send(ctx context.Context, destination string, body []byte) error
	Next(ctx context.Context) (*Delivery, error)
	Close() error
}

// ============================================================================
// WebSocket transport
// ============================================================================

// WebSocketTransport speaks STOMP 1.2 over a raw WebSocket endpoint.
type WebSocketTransport struct {
	url        string
	heartBeat  time.Duration
	httpClient *http.Client
	log        *zap.Logger
}

type WebSocketOption func(*WebSocketTransport)

func WithHeartBeat(d time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) { t.heartBeat = d }
}

func WithWebSocketHTTPClient(c *http.Client) WebSocketOption {
	return func(t *WebSocketTransport) { t.httpClient = c }
}

func WithTransportLogger(l *zap.Logger) WebSocketOption {
	return func(t *WebSocketTransport) { t.log = l }
}

// NewWebSocketTransport creates a transport for socketURL. http(s) schemes
// are rewritten to ws(s).
func NewWebSocketTransport(socketURL string, opts ...WebSocketOption) *WebSocketTransport {
	u := strings.Replace(socketURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	t := &WebSocketTransport{
		url:       u,
		heartBeat: 10 * time.Second,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SocketURLFromBase derives the raw WebSocket endpoint of a SockJS-enabled
// backend from its HTTP base URL.
func SocketURLFromBase(baseURL string) string {
	u := strings.Replace(strings.TrimRight(baseURL, "/"), "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws/websocket"
}

func (t *WebSocketTransport) Dial(ctx context.Context, token string) (TransportConn, error) {
	header := http.Header{}
	if token != "" {
		header.Set(hdrAuthorization, "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPClient:   t.httpClient,
		HTTPHeader:   header,
		Subprotocols: []string{"v12.stomp"},
	})
	if err != nil {
		return nil, errors.Wrap(err, "websocket dial")
	}
	conn.SetReadLimit(1 << 20)

	host := "localhost"
	if u, perr := url.Parse(t.url); perr == nil && u.Hostname() != "" {
		host = u.Hostname()
	}

	wc := &wsConn{conn: conn, log: t.log}
	if err := wc.writeFrame(ctx, connectFrame(host, token, t.heartBeat)); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}

	connected, err := wc.readUntilConnected(ctx)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "connect rejected")
		return nil, err
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	wc.cancel = cancel
	if every := negotiateHeartBeat(t.heartBeat, connected.Header.Get(hdrHeartBeat)); every > 0 {
		go wc.heartbeatLoop(hbCtx, every)
	}
	return wc, nil
}

type wsConn struct {
	conn    *websocket.Conn
	log     *zap.Logger
	cancel  context.CancelFunc
	pending []*frame.Frame

	closeOnce sync.Once
}

func (c *wsConn) writeFrame(ctx context.Context, f *frame.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return errors.Wrapf(err, "write %s", f.Command)
	}
	return nil
}

func (c *wsConn) readFrame(ctx context.Context) (*frame.Frame, error) {
	for len(c.pending) == 0 {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "websocket read")
		}
		frames, err := decodeFrames(data)
		if err != nil {
			return nil, err
		}
		c.pending = frames
	}
	f := c.pending[0]
	c.pending = c.pending[1:]
	return f, nil
}

func (c *wsConn) readUntilConnected(ctx context.Context) (*frame.Frame, error) {
	for {
		f, err := c.readFrame(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "await CONNECTED")
		}
		switch f.Command {
		case frame.CONNECTED:
			return f, nil
		case frame.ERROR:
			return nil, stompError(f)
		}
	}
}

func (c *wsConn) heartbeatLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Write(ctx, websocket.MessageText, []byte("\n")); err != nil {
				c.log.Debug("heart-beat write failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *wsConn) Subscribe(ctx context.Context, id, destination string) error {
	return c.writeFrame(ctx, subscribeFrame(id, destination))
}

func (c *wsConn) Unsubscribe(ctx context.Context, id string) error {
	return c.writeFrame(ctx, unsubscribeFrame(id))
}

func (c *wsConn) Send(ctx context.Context, destination string, body []byte) error {
	return c.writeFrame(ctx, sendFrame(destination, body))
}

func (c *wsConn) Next(ctx context.Context) (*Delivery, error) {
	for {
		f, err := c.readFrame(ctx)
		if err != nil {
			return nil, err
		}
		switch f.Command {
		case frame.MESSAGE:
			return &Delivery{
				Subscription: f.Header.Get(hdrSubscription),
				Destination:  f.Header.Get(hdrDestination),
				Body:         f.Body,
			}, nil
		case frame.ERROR:
			return nil, stompError(f)
		default:
			c.log.Debug("ignoring frame", zap.String("command", f.Command))
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.writeFrame(ctx, disconnectFrame(uuid.NewString()))
		cancel()
		err = c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	})
	return err
}
