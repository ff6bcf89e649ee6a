// Package amqp implements broker.Transport over AMQP 0-9-1 (RabbitMQ).
package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/nsmirror/internal/broker"
	"github.com/fruitsalade/nsmirror/internal/logging"
)

const defaultPort = 5672

// Config holds AMQP dial settings.
type Config struct {
	Heartbeat   time.Duration
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// Transport dials RabbitMQ brokers.
type Transport struct {
	cfg    Config
	logger *zap.Logger
}

// New creates an AMQP transport.
func New(cfg Config) *Transport {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &Transport{cfg: cfg, logger: logging.Named(cfg.Logger, "broker.amqp")}
}

// URL builds the amqp:// URL for creds. The vhost defaults to "/".
func URL(creds broker.Credentials) string {
	port := creds.Port
	if port == 0 {
		port = defaultPort
	}
	vhost := creds.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     creds.Host,
		Port:     port,
		Username: creds.User,
		Password: creds.Password,
		Vhost:    vhost,
	}.String()
}

// mapError translates broker access refusals into sentinel.
func mapError(err error, sentinel error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.ResourceLocked, amqp.NotAllowed:
			return fmt.Errorf("%w: %v", sentinel, err)
		}
	}
	return err
}

// Dial implements broker.Transport.
func (t *Transport) Dial(ctx context.Context, creds broker.Credentials) (broker.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := amqp.DialConfig(URL(creds), amqp.Config{
		Heartbeat: t.cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(t.cfg.DialTimeout),
	})
	if err != nil {
		return nil, mapError(err, broker.ErrAuthRejected)
	}
	t.logger.Debug("amqp connected", zap.String("host", creds.Host), zap.String("vhost", creds.VHost))

	conn := &conn{c: c, closed: make(chan error, 1)}
	notify := c.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if e, ok := <-notify; ok && e != nil {
			conn.closed <- e
		}
	}()
	return conn, nil
}

type conn struct {
	c      *amqp.Connection
	closed chan error
}

func (c *conn) OpenChannel(_ context.Context) (broker.Channel, error) {
	ch, err := c.c.Channel()
	if err != nil {
		return nil, err
	}
	return &channel{
		ch:        ch,
		cancelled: ch.NotifyCancel(make(chan string, 1)),
		done:      make(chan struct{}),
	}, nil
}

func (c *conn) NotifyClose() <-chan error {
	return c.closed
}

func (c *conn) Close() error {
	if c.c.IsClosed() {
		return nil
	}
	return c.c.Close()
}

type channel struct {
	ch        *amqp.Channel
	cancelled <-chan string
	done      chan struct{}
	closeOnce sync.Once
}

func (ch *channel) DeclareQueue(_ context.Context, name string) error {
	_, err := ch.ch.QueueDeclare(name, false, true, true, false, nil)
	if err != nil {
		return mapError(err, broker.ErrSubscriptionRejected)
	}
	return nil
}

func (ch *channel) Consume(_ context.Context, queue, tag string) (<-chan broker.Delivery, error) {
	msgs, err := ch.ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, mapError(err, broker.ErrSubscriptionRejected)
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for d := range msgs {
			delivery := broker.Delivery{
				Body:       d.Body,
				RoutingKey: d.RoutingKey,
				AppID:      d.AppId,
				Ack:        func() error { return d.Ack(false) },
			}
			select {
			case out <- delivery:
			case <-ch.done:
				return
			}
		}
	}()
	return out, nil
}

func (ch *channel) Publish(ctx context.Context, msg broker.Publishing) error {
	err := ch.ch.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, false, false, amqp.Publishing{
		ContentType: msg.ContentType,
		ReplyTo:     msg.ReplyTo,
		Body:        msg.Body,
	})
	if err != nil {
		return mapError(err, broker.ErrSubscriptionRejected)
	}
	return nil
}

func (ch *channel) Cancel(_ context.Context, tag string) error {
	return ch.ch.Cancel(tag, false)
}

func (ch *channel) NotifyCancel() <-chan string {
	return ch.cancelled
}

func (ch *channel) Close() error {
	ch.closeOnce.Do(func() { close(ch.done) })
	if ch.ch.IsClosed() {
		return nil
	}
	return ch.ch.Close()
}
