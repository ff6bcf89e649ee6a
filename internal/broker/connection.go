// Package broker maintains a long-lived subscription to a message broker that
// publishes namespace change notifications, reconnecting after failures and
// replaying the subscriber's interest on every new channel.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/fruitsalade/nsmirror/internal/logging"
	"github.com/fruitsalade/nsmirror/internal/metrics"
	"github.com/fruitsalade/nsmirror/internal/model"
)

const (
	DefaultExchange       = "bms_registrations"
	DefaultReconnectDelay = 5 * time.Second
	DefaultCloseTimeout   = 10 * time.Second
)

// Config configures a Connection. Zero values select the defaults.
type Config struct {
	AppID          string
	Exchange       string
	RoutingKey     string
	ReconnectDelay time.Duration
	CloseTimeout   time.Duration
	Logger         *zap.Logger
}

// Connection is a self-healing broker subscription. Events are delivered to
// the OnEvent handler on the connection goroutine.
type Connection struct {
	transport Transport
	cfg       Config
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	handler func(Event)
	creds   Credentials
	filters []model.Acceptor
	matcher *model.Matcher
	opened  bool
	closing bool
	channel Channel
	err     error
	ready   chan struct{} // closed on entering Consuming
	done    chan struct{} // closed on entering Closed
}

// NewConnection creates a Connection over transport. Nothing is dialed until Open.
func NewConnection(transport Transport, cfg Config) *Connection {
	if cfg.AppID == "" {
		cfg.AppID = ulid.Make().String()
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = DefaultExchange
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		transport: transport,
		cfg:       cfg,
		logger:    logging.Named(cfg.Logger, "broker").With(zap.String("app_id", cfg.AppID)),
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// OnEvent registers the handler for accepted notifications.
func (c *Connection) OnEvent(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// Open validates creds and starts the background connection loop. It
// returns without waiting for the subscription; see WaitReady.
func (c *Connection) Open(creds Credentials, filters []model.Acceptor) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrClosed
	}
	if c.opened {
		return ErrAlreadyOpen
	}
	if len(filters) == 0 {
		filters = []model.Acceptor{{Kind: model.AcceptorPath, Pattern: "*"}}
	}
	matcher, err := model.NewMatcher(filters)
	if err != nil {
		return err
	}
	c.opened = true
	c.creds = creds
	c.filters = slices.Clone(filters)
	c.matcher = matcher

	c.logger.Info("opening broker connection",
		zap.String("host", creds.Host),
		zap.Int("port", creds.Port),
		zap.String("queue", c.queueNameLocked()))
	go c.run()
	return nil
}

// AppID returns the application identifier used in the queue name and lease.
func (c *Connection) AppID() string {
	return c.cfg.AppID
}

// QueueName returns the subscriber's queue, "<user>/<app id>".
func (c *Connection) QueueName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueNameLocked()
}

func (c *Connection) queueNameLocked() string {
	return c.creds.User + "/" + c.cfg.AppID
}

func (c *Connection) consumerTag() string {
	return "nsmirror-" + c.cfg.AppID
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that terminated the connection, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the connection reaches Closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// WaitReady blocks until the connection is consuming. It returns the fatal
// error (or ErrClosed) if the connection terminates first, and ctx.Err() if
// ctx ends first.
func (c *Connection) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-c.done:
		return c.terminalErr()
	default:
	}
	select {
	case <-ready:
		return nil
	case <-c.done:
		return c.terminalErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) terminalErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// RegisterInterest publishes the lease request for the configured acceptors
// on the current channel.
func (c *Connection) RegisterInterest(ctx context.Context) error {
	c.mu.Lock()
	ch := c.channel
	user := c.creds.User
	queue := c.queueNameLocked()
	filters := c.filters
	c.mu.Unlock()

	if ch == nil {
		return ErrNotSubscribed
	}

	body, err := json.Marshal(leaseRequest{
		Request:   "lease",
		Client:    leaseClient{UserID: user, ApplicationName: c.cfg.AppID},
		Acceptors: filters,
	})
	if err != nil {
		return fmt.Errorf("encode lease: %w", err)
	}

	err = ch.Publish(ctx, Publishing{
		Exchange:    c.cfg.Exchange,
		RoutingKey:  c.cfg.RoutingKey,
		ReplyTo:     queue,
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish lease: %w", err)
	}
	c.logger.Debug("registered interest", zap.String("queue", queue), zap.Int("acceptors", len(filters)))
	return nil
}

// Close stops the connection: a pending reconnect is cancelled, the consumer
// is cancelled and the channel and connection are closed. Safe to call more
// than once. Returns ErrCloseTimeout when teardown exceeds CloseTimeout.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closing = true
	if c.state != Closing && c.state != Closed {
		c.transitionLocked(evCloseRequested)
	}
	if !c.opened && c.state == Closing {
		c.transitionLocked(evClosed)
	}
	c.mu.Unlock()
	c.cancel()

	timer := time.NewTimer(c.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return nil
	case <-timer.C:
		c.logger.Warn("broker close timed out", zap.Duration("timeout", c.cfg.CloseTimeout))
		return ErrCloseTimeout
	}
}

func (c *Connection) transition(ev event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(ev)
}

func (c *Connection) transitionLocked(ev event) bool {
	prev := c.state
	next, err := nextState(prev, ev)
	if err != nil {
		c.logger.Warn("ignoring broker state transition", zap.Error(err))
		return false
	}
	c.state = next
	metrics.SetBrokerState(int(next))
	c.logger.Debug("broker state changed", zap.Stringer("from", prev), zap.Stringer("to", next))

	if prev == Consuming {
		c.ready = make(chan struct{})
	}
	switch next {
	case Consuming:
		close(c.ready)
	case Closed:
		close(c.done)
	}
	return true
}

// run drives sessions until Close or a fatal error.
func (c *Connection) run() {
	for {
		err := c.session()
		if c.ctx.Err() != nil {
			break
		}
		if isFatal(err) {
			c.logger.Error("broker refused subscriber, not reconnecting", zap.Error(err))
			c.mu.Lock()
			c.err = err
			c.closing = true
			c.transitionLocked(evCloseRequested)
			c.mu.Unlock()
			c.cancel()
			break
		}

		c.logger.Warn("broker connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("delay", c.cfg.ReconnectDelay))
		metrics.RecordBrokerReconnect()

		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
		case <-timer.C:
			continue
		}
		break
	}

	c.mu.Lock()
	if c.state != Closed {
		c.transitionLocked(evClosed)
	}
	c.mu.Unlock()
	c.logger.Info("broker connection closed")
}

// failed records a session failure unless the connection is shutting down.
func (c *Connection) failed(err error) error {
	if c.ctx.Err() == nil {
		c.transition(evFailure)
	}
	return err
}

// session runs one connect, subscribe and consume cycle.
func (c *Connection) session() error {
	if c.ctx.Err() != nil || !c.transition(evDial) {
		return ErrClosed
	}

	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()

	conn, err := c.transport.Dial(c.ctx, creds)
	if err != nil {
		return c.failed(fmt.Errorf("dial %s: %w", creds.Host, err))
	}
	c.transition(evConnected)

	ch, err := conn.OpenChannel(c.ctx)
	if err != nil {
		conn.Close()
		return c.failed(fmt.Errorf("open channel: %w", err))
	}
	c.transition(evChannelReady)

	err = c.subscribe(ch)
	if err != nil {
		ch.Close()
		conn.Close()
		return c.failed(err)
	}

	err = c.consume(conn, ch)
	c.mu.Lock()
	c.channel = nil
	c.mu.Unlock()
	ch.Close()
	conn.Close()
	if err != nil {
		return c.failed(err)
	}
	return nil
}

func (c *Connection) subscribe(ch Channel) error {
	queue := c.QueueName()
	if err := ch.DeclareQueue(c.ctx, queue); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
	return nil
}

func (c *Connection) consume(conn Conn, ch Channel) error {
	deliveries, err := ch.Consume(c.ctx, c.QueueName(), c.consumerTag())
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	if err := c.RegisterInterest(c.ctx); err != nil {
		return err
	}
	if c.transition(evSubscribed) {
		c.logger.Info("subscribed to change notifications", zap.String("queue", c.QueueName()))
	}

	closed := conn.NotifyClose()
	cancelled := ch.NotifyCancel()
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery stream closed")
			}
			c.handle(d)
		case err, ok := <-closed:
			if !ok || err == nil {
				err = errors.New("closed by broker")
			}
			return fmt.Errorf("connection lost: %w", err)
		case tag := <-cancelled:
			return fmt.Errorf("consumer %s cancelled by broker", tag)
		case <-c.ctx.Done():
			c.shutdown(ch, deliveries)
			return nil
		}
	}
}

// shutdown cancels the consumer and acknowledges, without dispatching,
// deliveries still in flight until the stream ends.
func (c *Connection) shutdown(ch Channel, deliveries <-chan Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
	defer cancel()

	if err := ch.Cancel(ctx, c.consumerTag()); err != nil {
		c.logger.Warn("cancel consumer failed", zap.Error(err))
	}
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.ack(d)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connection) ack(d Delivery) {
	if d.Ack == nil {
		return
	}
	if err := d.Ack(); err != nil {
		metrics.RecordBrokerEvent("ack_failed")
		c.logger.Warn("ack failed", zap.String("routing_key", d.RoutingKey), zap.Error(err))
	}
}

// handle acknowledges d and dispatches it when it decodes to an accepted path.
func (c *Connection) handle(d Delivery) {
	c.ack(d)
	if c.ctx.Err() != nil || c.State() == Closing {
		return
	}

	ev, err := decodeEvent(d)
	if err != nil {
		metrics.RecordBrokerEvent("malformed")
		c.logger.Warn("dropping notification",
			zap.String("routing_key", d.RoutingKey),
			zap.String("sender", d.AppID),
			zap.Error(err))
		return
	}
	if !c.matcher.Match(ev.Path) {
		metrics.RecordBrokerEvent("filtered")
		c.logger.Debug("notification outside acceptors", zap.String("path", ev.Path))
		return
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	metrics.RecordBrokerEvent("dispatched")
	c.logger.Debug("notification", zap.String("path", ev.Path), zap.String("hint", ev.Hint))
	if handler != nil {
		handler(ev)
	}
}
