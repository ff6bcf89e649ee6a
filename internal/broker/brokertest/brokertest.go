// Package brokertest provides an in-memory broker.Transport for tests.
package brokertest

import (
	"context"
	"errors"
	"sync"

	"github.com/fruitsalade/nsmirror/internal/broker"
)

// Transport is a scripted in-memory broker.
type Transport struct {
	mu         sync.Mutex
	dialErrs   []error
	declareErr error
	publishErr error
	ackErr     error
	dials      int
	acks       int
	conns      []*Conn
	published  []broker.Publishing
	consuming  chan *Channel
}

// New creates an empty Transport.
func New() *Transport {
	return &Transport{consuming: make(chan *Channel, 64)}
}

// FailDial makes the next len(errs) dials fail with errs in order.
func (t *Transport) FailDial(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErrs = append(t.dialErrs, errs...)
}

// RejectDeclare makes every queue declaration fail with err.
func (t *Transport) RejectDeclare(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.declareErr = err
}

// FailPublish makes every publish fail with err.
func (t *Transport) FailPublish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishErr = err
}

// FailAck makes every delivery acknowledgement fail with err.
func (t *Transport) FailAck(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ackErr = err
}

// Dial implements broker.Transport.
func (t *Transport) Dial(ctx context.Context, _ broker.Credentials) (broker.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if len(t.dialErrs) > 0 {
		err := t.dialErrs[0]
		t.dialErrs = t.dialErrs[1:]
		return nil, err
	}
	c := &Conn{t: t, closeCh: make(chan error, 1)}
	t.conns = append(t.conns, c)
	return c, nil
}

// Dials returns the number of dial attempts.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// Acks returns the number of acknowledged deliveries.
func (t *Transport) Acks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acks
}

// Published returns every message published so far.
func (t *Transport) Published() []broker.Publishing {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]broker.Publishing, len(t.published))
	copy(out, t.published)
	return out
}

// NextConsumer waits for the next channel that starts consuming.
func (t *Transport) NextConsumer(ctx context.Context) (*Channel, error) {
	select {
	case ch := <-t.consuming:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Conn is an in-memory broker connection.
type Conn struct {
	t       *Transport
	mu      sync.Mutex
	closeCh chan error
	closed  bool
}

// OpenChannel implements broker.Conn.
func (c *Conn) OpenChannel(ctx context.Context) (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("connection closed")
	}
	return &Channel{
		conn:       c,
		deliveries: make(chan broker.Delivery, 64),
		cancelCh:   make(chan string, 1),
	}, nil
}

// NotifyClose implements broker.Conn.
func (c *Conn) NotifyClose() <-chan error {
	return c.closeCh
}

// Drop simulates the broker closing the connection with err.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCh <- err
}

// Close implements broker.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Channel is an in-memory broker channel.
type Channel struct {
	conn       *Conn
	mu         sync.Mutex
	deliveries chan broker.Delivery
	cancelCh   chan string
	queue      string
	tag        string
	stopped    bool
}

// DeclareQueue implements broker.Channel.
func (ch *Channel) DeclareQueue(_ context.Context, name string) error {
	ch.conn.t.mu.Lock()
	err := ch.conn.t.declareErr
	ch.conn.t.mu.Unlock()
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ch.queue = name
	ch.mu.Unlock()
	return nil
}

// Consume implements broker.Channel.
func (ch *Channel) Consume(_ context.Context, queue, tag string) (<-chan broker.Delivery, error) {
	ch.mu.Lock()
	ch.queue = queue
	ch.tag = tag
	ch.mu.Unlock()
	ch.conn.t.consuming <- ch
	return ch.deliveries, nil
}

// Publish implements broker.Channel.
func (ch *Channel) Publish(_ context.Context, msg broker.Publishing) error {
	t := ch.conn.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.publishErr != nil {
		return t.publishErr
	}
	t.published = append(t.published, msg)
	return nil
}

// Cancel implements broker.Channel. The delivery stream ends.
func (ch *Channel) Cancel(_ context.Context, _ string) error {
	ch.stop()
	return nil
}

// NotifyCancel implements broker.Channel.
func (ch *Channel) NotifyCancel() <-chan string {
	return ch.cancelCh
}

// Close implements broker.Channel.
func (ch *Channel) Close() error {
	ch.stop()
	return nil
}

func (ch *Channel) stop() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.stopped {
		ch.stopped = true
		close(ch.deliveries)
	}
}

// Queue returns the consumed queue name.
func (ch *Channel) Queue() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.queue
}

// Conn returns the connection owning the channel.
func (ch *Channel) Conn() *Conn {
	return ch.conn
}

// Deliver queues a message for the consumer. It reports false once the
// consumer has stopped.
func (ch *Channel) Deliver(body []byte, routingKey string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.stopped {
		return false
	}
	t := ch.conn.t
	ch.deliveries <- broker.Delivery{
		Body:       body,
		RoutingKey: routingKey,
		AppID:      "brokertest",
		Ack: func() error {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.ackErr != nil {
				return t.ackErr
			}
			t.acks++
			return nil
		},
	}
	return true
}

// CancelConsumer simulates the broker cancelling the consumer.
func (ch *Channel) CancelConsumer() {
	ch.mu.Lock()
	tag := ch.tag
	ch.mu.Unlock()
	select {
	case ch.cancelCh <- tag:
	default:
	}
}
