// Package sse implements broker.Transport over an HTTP Server-Sent Events
// stream, such as the /api/v1/events endpoint served by mirrord itself.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/nsmirror/internal/broker"
	"github.com/fruitsalade/nsmirror/internal/logging"
)

// Config holds SSE transport settings.
type Config struct {
	// BaseURL of the event server. When empty it is built from the
	// credentials as http://host:port.
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Transport connects to an SSE event server.
type Transport struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates an SSE transport.
func New(cfg Config) *Transport {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: 0, // No timeout for SSE
		}
	}
	return &Transport{
		cfg:    cfg,
		client: client,
		logger: logging.Named(cfg.Logger, "broker.sse"),
	}
}

func (t *Transport) baseURL(creds broker.Credentials) string {
	if t.cfg.BaseURL != "" {
		return strings.TrimSuffix(t.cfg.BaseURL, "/")
	}
	host := creds.Host
	if creds.Port != 0 {
		host += ":" + strconv.Itoa(creds.Port)
	}
	return "http://" + host
}

func authError(status int, sentinel error) error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w: server returned %d", sentinel, status)
	}
	return nil
}

// Dial checks the server's health endpoint with the credentials.
func (t *Transport) Dial(ctx context.Context, creds broker.Credentials) (broker.Conn, error) {
	c := &conn{
		t:      t,
		base:   t.baseURL(creds),
		creds:  creds,
		closed: make(chan error, 1),
	}
	resp, err := c.do(ctx, http.MethodGet, "/health", nil, "")
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if err := authError(resp.StatusCode, broker.ErrAuthRejected); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	t.logger.Debug("SSE server reachable", zap.String("url", c.base))
	return c, nil
}

type conn struct {
	t      *Transport
	base   string
	creds  broker.Credentials
	closed chan error
}

func (c *conn) do(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.creds.User != "" {
		req.SetBasicAuth(c.creds.User, c.creds.Password)
	}
	return c.t.client.Do(req)
}

func (c *conn) OpenChannel(_ context.Context) (broker.Channel, error) {
	return &channel{conn: c, cancelled: make(chan string)}, nil
}

func (c *conn) NotifyClose() <-chan error {
	return c.closed
}

func (c *conn) Close() error {
	return nil
}

type channel struct {
	conn      *conn
	cancelled chan string

	mu     sync.Mutex
	stop   context.CancelFunc
	queue  string
	closed bool
}

// DeclareQueue only records the name; the server keeps no queues.
func (ch *channel) DeclareQueue(_ context.Context, name string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.queue = name
	return nil
}

// Consume opens the event stream. The returned channel closes when the
// stream ends or the consumer is cancelled.
func (ch *channel) Consume(ctx context.Context, queue, tag string) (<-chan broker.Delivery, error) {
	streamCtx, stop := context.WithCancel(ctx)

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		stop()
		return nil, fmt.Errorf("channel closed")
	}
	ch.stop = stop
	ch.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, ch.conn.base+"/api/v1/events", nil)
	if err != nil {
		stop()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("X-Consumer-Tag", tag)
	if ch.conn.creds.User != "" {
		req.SetBasicAuth(ch.conn.creds.User, ch.conn.creds.Password)
	}

	resp, err := ch.conn.t.client.Do(req)
	if err != nil {
		stop()
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := authError(resp.StatusCode, broker.ErrSubscriptionRejected); err != nil {
		resp.Body.Close()
		stop()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		stop()
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	ch.conn.t.logger.Info("SSE connected", zap.String("url", ch.conn.base), zap.String("queue", queue))

	out := make(chan broker.Delivery)
	go ch.read(streamCtx, resp.Body, out)
	return out, nil
}

func (ch *channel) read(ctx context.Context, body io.ReadCloser, out chan<- broker.Delivery) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	var eventType string
	var data string

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data != "" {
				d := broker.Delivery{
					Body:       []byte(data),
					RoutingKey: eventType,
					Ack:        func() error { return nil },
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
			eventType = ""
			data = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if ctx.Err() != nil {
		return
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case ch.conn.closed <- fmt.Errorf("event stream ended: %w", err):
	default:
	}
}

// Publish posts a lease to the server. Servers that forward every event
// answer 404 or 405, which is accepted.
func (ch *channel) Publish(ctx context.Context, msg broker.Publishing) error {
	resp, err := ch.conn.do(ctx, http.MethodPost, "/api/v1/leases", msg.Body, msg.ContentType)
	if err != nil {
		return fmt.Errorf("post lease: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if err := authError(resp.StatusCode, broker.ErrSubscriptionRejected); err != nil {
		return err
	}
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusMethodNotAllowed:
		ch.conn.t.logger.Debug("server does not take leases", zap.Int("status", resp.StatusCode))
		return nil
	default:
		return fmt.Errorf("post lease: server returned %d", resp.StatusCode)
	}
}

func (ch *channel) Cancel(_ context.Context, _ string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.stop != nil {
		ch.stop()
	}
	return nil
}

// NotifyCancel never fires; the server has no consumer cancellation.
func (ch *channel) NotifyCancel() <-chan string {
	return ch.cancelled
}

func (ch *channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closed = true
	if ch.stop != nil {
		ch.stop()
	}
	return nil
}
