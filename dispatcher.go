package uthhub

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Destinations the backend accepts commands on.
const (
	DestChatSend    = "/app/chat.send"
	DestChatTyping  = "/app/chat.typing"
	DestChatRead    = "/app/chat.markRead"
	DestUserConnect = "/app/user/connect"
)

// DispatcherConfig bounds delivery of commands issued while disconnected.
type DispatcherConfig struct {
	// MaxAttempts is how many connect events a queued command is written on
	// before it fails.
	MaxAttempts int
	// QueueTimeout fails a queued command that was never written in time.
	QueueTimeout time.Duration
}

func (c *DispatcherConfig) defaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.QueueTimeout == 0 {
		c.QueueTimeout = 30 * time.Second
	}
}

// ============================================================================
// Outbox
// ============================================================================

type opStatus string

const (
	opPending opStatus = "pending"
	opFailed  opStatus = "failed"
)

// OutboundOp is a command waiting for a connection.
type OutboundOp struct {
	ID          string
	Destination string
	Body        []byte
	Status      opStatus
	CreatedAt   time.Time
	Attempts    int
	MaxAttempts int
	Error       string

	done chan error
}

func (op *OutboundOp) finish(err error) {
	select {
	case op.done <- err:
	default:
	}
}

// Outbox is a goroutine-safe in-memory queue of outbound commands.
type Outbox struct {
	mu  sync.RWMutex
	ops map[string]*OutboundOp
}

func NewOutbox() *Outbox {
	return &Outbox{ops: make(map[string]*OutboundOp)}
}

func (o *Outbox) Enqueue(op *OutboundOp) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops[op.ID] = op
}

// DequeueReady returns pending ops oldest first without removing them.
func (o *Outbox) DequeueReady(limit int) []*OutboundOp {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var ready []*OutboundOp
	for _, op := range o.ops {
		if op.Status == opPending && op.Attempts < op.MaxAttempts {
			ready = append(ready, op)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt.Before(ready[j].CreatedAt) })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready
}

// Ack removes a delivered op. It reports false if the op was already gone.
func (o *Outbox) Ack(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.ops[id]
	delete(o.ops, id)
	return ok
}

// Nack records a failed attempt and reports whether the op is exhausted;
// exhausted ops are removed.
func (o *Outbox) Nack(id, errMsg string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	op := o.ops[id]
	if op == nil {
		return false
	}
	op.Attempts++
	op.Error = errMsg
	if op.Attempts >= op.MaxAttempts {
		op.Status = opFailed
		delete(o.ops, id)
		return true
	}
	return false
}

// Remove drops an op regardless of state; false if it was already gone.
func (o *Outbox) Remove(id string) bool {
	return o.Ack(id)
}

// Drain removes and returns every op.
func (o *Outbox) Drain() []*OutboundOp {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*OutboundOp, 0, len(o.ops))
	for id, op := range o.ops {
		out = append(out, op)
		delete(o.ops, id)
	}
	return out
}

func (o *Outbox) PendingCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	count := 0
	for _, op := range o.ops {
		if op.Status == opPending {
			count++
		}
	}
	return count
}

// ============================================================================
// Dispatcher
// ============================================================================

// Dispatcher publishes commands. Commands issued while disconnected are
// queued and written on the next connect; they fail after a bounded number
// of attempts instead of retrying forever.
type Dispatcher struct {
	conn    *ConnectionManager
	outbox  *Outbox
	cfg     DispatcherConfig
	log     *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	armed    bool
	flushing bool
}

func NewDispatcher(conn *ConnectionManager, cfg DispatcherConfig, opts ...Option) *Dispatcher {
	cfg.defaults()
	o := buildOptions(opts)
	d := &Dispatcher{
		conn:    conn,
		outbox:  NewOutbox(),
		cfg:     cfg,
		log:     o.log.Named("dispatcher"),
		metrics: o.metrics,
	}
	conn.OnStateChange(d.onState)
	return d
}

// PendingCount returns the number of queued commands.
func (d *Dispatcher) PendingCount() int { return d.outbox.PendingCount() }

// Send encodes v as JSON and publishes it to destination, queueing it while
// disconnected. It blocks until the command is written or has failed.
func (d *Dispatcher) Send(ctx context.Context, destination string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode command")
	}

	writeFailed := false
	if d.conn.IsConnected() {
		err := d.conn.Publish(ctx, destination, body)
		if err == nil {
			d.metrics.Sends.WithLabelValues("sent").Inc()
			return nil
		}
		writeFailed = true
		d.log.Debug("publish failed, queueing", zap.String("destination", destination), zap.Error(err))
	}

	op := &OutboundOp{
		ID:          uuid.NewString(),
		Destination: destination,
		Body:        body,
		Status:      opPending,
		CreatedAt:   time.Now(),
		MaxAttempts: d.cfg.MaxAttempts,
		done:        make(chan error, 1),
	}
	d.outbox.Enqueue(op)
	d.metrics.OutboxDepth.Set(float64(d.outbox.PendingCount()))
	d.metrics.Sends.WithLabelValues("queued").Inc()
	d.armFlush(writeFailed)
	go func() {
		cctx, cancel := context.WithTimeout(context.Background(), d.conn.cfg.DialTimeout)
		defer cancel()
		_ = d.conn.Connect(cctx)
	}()

	timer := time.NewTimer(d.cfg.QueueTimeout)
	defer timer.Stop()
	select {
	case err := <-op.done:
		return err
	case <-timer.C:
		if d.outbox.Remove(op.ID) {
			d.metrics.Sends.WithLabelValues("failed").Inc()
			return errors.Wrapf(ErrSendFailed, "%s: not delivered within %s", destination, d.cfg.QueueTimeout)
		}
		return <-op.done
	case <-ctx.Done():
		if d.outbox.Remove(op.ID) {
			return ctx.Err()
		}
		return <-op.done
	}
}

// SendNow publishes only if connected. Used for transient signals such as
// typing where a late delivery is worse than none.
func (d *Dispatcher) SendNow(ctx context.Context, destination string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode command")
	}
	if err := d.conn.Publish(ctx, destination, body); err != nil {
		d.metrics.Sends.WithLabelValues("dropped").Inc()
		return err
	}
	d.metrics.Sends.WithLabelValues("sent").Inc()
	return nil
}

// SendChat publishes a chat message to an existing conversation or, for a
// first message, to a recipient.
func (d *Dispatcher) SendChat(ctx context.Context, req ChatMessageRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	return d.Send(ctx, DestChatSend, req)
}

func (d *Dispatcher) SendTyping(ctx context.Context, conversationID int64, typing bool) error {
	return d.SendNow(ctx, DestChatTyping, typingRequest{ConversationID: conversationID, Typing: typing})
}

func (d *Dispatcher) MarkRead(ctx context.Context, conversationID int64) error {
	return d.Send(ctx, DestChatRead, readRequest{ConversationID: conversationID})
}

// AnnounceConnect broadcasts the user's presence.
func (d *Dispatcher) AnnounceConnect(ctx context.Context, self User) error {
	return d.SendNow(ctx, DestUserConnect, connectAnnouncement{ID: self.ID, Username: self.Username, Status: StatusOnline})
}

// armFlush schedules a flush for when the session is up. With nextOnly the
// current connection is skipped: a write already failed on it.
func (d *Dispatcher) armFlush(nextOnly bool) {
	d.mu.Lock()
	if d.armed {
		d.mu.Unlock()
		return
	}
	d.armed = true
	d.mu.Unlock()

	flush := func() {
		d.mu.Lock()
		d.armed = false
		d.mu.Unlock()
		d.Flush(context.Background())
	}
	if nextOnly {
		d.conn.onNextConnection(flush)
		return
	}
	d.conn.OnceConnected(flush)
}

// Flush writes queued commands on the live session.
func (d *Dispatcher) Flush(ctx context.Context) {
	d.mu.Lock()
	if d.flushing {
		d.mu.Unlock()
		return
	}
	d.flushing = true
	d.mu.Unlock()

	failed := false
	defer func() {
		d.mu.Lock()
		d.flushing = false
		d.mu.Unlock()
		d.metrics.OutboxDepth.Set(float64(d.outbox.PendingCount()))
		if d.outbox.PendingCount() > 0 {
			d.armFlush(failed)
		}
	}()

	for _, op := range d.outbox.DequeueReady(0) {
		err := d.conn.Publish(ctx, op.Destination, op.Body)
		if err == nil {
			if d.outbox.Ack(op.ID) {
				d.metrics.Sends.WithLabelValues("sent").Inc()
				op.finish(nil)
			}
			continue
		}
		failed = true
		if d.outbox.Nack(op.ID, err.Error()) {
			d.metrics.Sends.WithLabelValues("failed").Inc()
			d.log.Warn("command failed", zap.String("destination", op.Destination), zap.Int("attempts", op.MaxAttempts), zap.Error(err))
			op.finish(errors.Wrapf(ErrSendFailed, "%s after %d attempts: %v", op.Destination, op.MaxAttempts, err))
		}
	}
}

func (d *Dispatcher) onState(s State) {
	if s != StateUnreachable {
		return
	}
	for _, op := range d.outbox.Drain() {
		d.metrics.Sends.WithLabelValues("failed").Inc()
		op.finish(errors.Wrapf(ErrSendFailed, "%s: %v", op.Destination, ErrUnreachable))
	}
	d.metrics.OutboxDepth.Set(0)
}
