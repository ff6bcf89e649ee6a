package broker

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAuthRejected is returned by a transport when the broker refuses the
	// credentials. The connection terminates and does not reconnect.
	ErrAuthRejected = errors.New("broker rejected credentials")

	// ErrSubscriptionRejected is returned when the broker refuses the queue,
	// consumer or lease for the configured identity. Terminal.
	ErrSubscriptionRejected = errors.New("broker rejected subscription")

	// ErrInvalidCredentials is returned by Open for incomplete credentials.
	ErrInvalidCredentials = errors.New("invalid broker credentials")

	// ErrCloseTimeout is returned by Close when teardown exceeds CloseTimeout.
	ErrCloseTimeout = errors.New("broker close timed out")

	// ErrAlreadyOpen is returned when Open is called twice.
	ErrAlreadyOpen = errors.New("broker connection already opened")

	// ErrNotSubscribed is returned by RegisterInterest without a live channel.
	ErrNotSubscribed = errors.New("broker channel not subscribed")

	// ErrClosed is returned by WaitReady after an orderly Close.
	ErrClosed = errors.New("broker connection closed")
)

// Credentials identify the subscriber to the broker.
type Credentials struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"` // 0 selects the transport default
	VHost    string `yaml:"vhost" json:"vhost"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"-"`
}

// Validate checks that the credentials are usable.
func (c Credentials) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidCredentials)
	}
	if c.User == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidCredentials)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidCredentials, c.Port)
	}
	return nil
}

// Delivery is one inbound broker message.
type Delivery struct {
	Body       []byte
	RoutingKey string
	AppID      string
	Ack        func() error
}

// Publishing is one outbound broker message.
type Publishing struct {
	Exchange    string
	RoutingKey  string
	ReplyTo     string
	ContentType string
	Body        []byte
}

// Transport opens network connections to a broker.
type Transport interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// Conn is an established broker connection.
type Conn interface {
	OpenChannel(ctx context.Context) (Channel, error)
	// NotifyClose yields at most one error when the connection is lost.
	NotifyClose() <-chan error
	Close() error
}

// Channel is a logical session on a Conn.
type Channel interface {
	// DeclareQueue declares an exclusive, non-durable, auto-delete queue.
	DeclareQueue(ctx context.Context, name string) error
	// Consume starts delivering messages from queue. Deliveries require Ack.
	Consume(ctx context.Context, queue, consumerTag string) (<-chan Delivery, error)
	Publish(ctx context.Context, msg Publishing) error
	Cancel(ctx context.Context, consumerTag string) error
	// NotifyCancel yields the consumer tag when the broker cancels a consumer.
	NotifyCancel() <-chan string
	Close() error
}

func isFatal(err error) bool {
	return errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrSubscriptionRejected)
}
