package broker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/nsmirror/internal/broker"
	"github.com/fruitsalade/nsmirror/internal/broker/brokertest"
	"github.com/fruitsalade/nsmirror/internal/model"
)

var creds = broker.Credentials{Host: "broker.local", User: "alice", Password: "secret"}

func newConn(t *testing.T, tr *brokertest.Transport, delay time.Duration) (*broker.Connection, chan broker.Event) {
	t.Helper()
	c := broker.NewConnection(tr, broker.Config{
		AppID:          "app1",
		ReconnectDelay: delay,
		CloseTimeout:   time.Second,
		Logger:         zap.NewNop(),
	})
	events := make(chan broker.Event, 16)
	c.OnEvent(func(e broker.Event) { events <- e })
	t.Cleanup(func() { c.Close() })
	return c, events
}

func waitReady(t *testing.T, c *broker.Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
}

func nextConsumer(t *testing.T, tr *brokertest.Transport) *brokertest.Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := tr.NextConsumer(ctx)
	if err != nil {
		t.Fatalf("no consumer: %v", err)
	}
	return ch
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func expectEvent(t *testing.T, events chan broker.Event) broker.Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return broker.Event{}
}

func TestOpenRegistersInterest(t *testing.T) {
	tr := brokertest.New()
	c, _ := newConn(t, tr, 10*time.Millisecond)

	filters := []model.Acceptor{model.SubtreeAcceptor("/zone/home")}
	if err := c.Open(creds, filters); err != nil {
		t.Fatal(err)
	}
	ch := nextConsumer(t, tr)
	waitReady(t, c)

	if c.State() != broker.Consuming {
		t.Errorf("expected consuming, got %s", c.State())
	}
	if ch.Queue() != "alice/app1" || c.QueueName() != "alice/app1" {
		t.Errorf("unexpected queue %s", ch.Queue())
	}

	published := tr.Published()
	if len(published) != 1 {
		t.Fatalf("expected one lease, got %d", len(published))
	}
	lease := published[0]
	if lease.Exchange != broker.DefaultExchange || lease.RoutingKey != broker.DefaultExchange {
		t.Errorf("unexpected destination %s/%s", lease.Exchange, lease.RoutingKey)
	}
	if lease.ReplyTo != "alice/app1" {
		t.Errorf("expected reply_to alice/app1, got %s", lease.ReplyTo)
	}

	var body struct {
		Request string `json:"request"`
		Client  struct {
			UserID          string `json:"user_id"`
			ApplicationName string `json:"application_name"`
		} `json:"client"`
		Acceptors []model.Acceptor `json:"acceptors"`
	}
	if err := json.Unmarshal(lease.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body.Request != "lease" || body.Client.UserID != "alice" || body.Client.ApplicationName != "app1" {
		t.Errorf("unexpected lease body %s", lease.Body)
	}
	if len(body.Acceptors) != 1 || body.Acceptors[0].Kind != "path" || body.Acceptors[0].Pattern != "/zone/home/*" {
		t.Errorf("unexpected acceptors %+v", body.Acceptors)
	}
}

func TestDefaultAcceptorAndAppID(t *testing.T) {
	tr := brokertest.New()
	c := broker.NewConnection(tr, broker.Config{Logger: zap.NewNop()})
	defer c.Close()
	if len(c.AppID()) != 26 {
		t.Errorf("expected generated ULID app id, got %q", c.AppID())
	}
	if err := c.Open(creds, nil); err != nil {
		t.Fatal(err)
	}
	waitReady(t, c)
	if got := string(tr.Published()[0].Body); !json.Valid([]byte(got)) {
		t.Fatalf("invalid lease %s", got)
	}
	var body struct {
		Acceptors []model.Acceptor `json:"acceptors"`
	}
	json.Unmarshal(tr.Published()[0].Body, &body)
	if len(body.Acceptors) != 1 || body.Acceptors[0].Pattern != "*" {
		t.Errorf("expected match-all acceptor, got %+v", body.Acceptors)
	}
}

func TestEventsAreAckedAndFiltered(t *testing.T) {
	tr := brokertest.New()
	c, events := newConn(t, tr, 10*time.Millisecond)
	c.Open(creds, []model.Acceptor{model.SubtreeAcceptor("/zone/home")})
	ch := nextConsumer(t, tr)
	waitReady(t, c)

	ch.Deliver([]byte(`{"path":"/zone/other/x"}`), "collection.add")
	ch.Deliver([]byte(`not json`), "collection.add")
	ch.Deliver([]byte(`{"path":"/zone/home/a"}`), "data-object.mod")

	e := expectEvent(t, events)
	if e.Path != "/zone/home/a" || e.Hint != "data-object.mod" {
		t.Errorf("unexpected event %+v", e)
	}
	eventually(t, "three acks", func() bool { return tr.Acks() == 3 })

	select {
	case extra := <-events:
		t.Errorf("unexpected extra event %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubtreeAcceptorDispatchesRoot(t *testing.T) {
	tr := brokertest.New()
	c, events := newConn(t, tr, 10*time.Millisecond)
	c.Open(creds, []model.Acceptor{model.SubtreeAcceptor("/r")})
	ch := nextConsumer(t, tr)
	waitReady(t, c)

	ch.Deliver([]byte(`{"path":"/rr"}`), "collection.add")
	ch.Deliver([]byte(`{"path":"/r"}`), "collection.mod")
	ch.Deliver([]byte(`{"path":"/other"}`), "collection.add")
	ch.Deliver([]byte(`{"path":"/r/x"}`), "collection.add")

	for _, want := range []string{"/r", "/r/x"} {
		if e := expectEvent(t, events); e.Path != want {
			t.Errorf("expected event for %s, got %+v", want, e)
		}
	}
	eventually(t, "four acks", func() bool { return tr.Acks() == 4 })

	select {
	case extra := <-events:
		t.Errorf("unexpected extra event %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestAckFailureStillDispatches(t *testing.T) {
	tr := brokertest.New()
	tr.FailAck(errors.New("channel gone"))
	c, events := newConn(t, tr, 10*time.Millisecond)
	c.Open(creds, nil)
	ch := nextConsumer(t, tr)
	waitReady(t, c)

	ch.Deliver([]byte(`{"entity":"/a"}`), "collection.rm")
	if e := expectEvent(t, events); e.Path != "/a" {
		t.Errorf("unexpected event %+v", e)
	}
}

func TestReconnectReplaysInterest(t *testing.T) {
	tr := brokertest.New()
	c, events := newConn(t, tr, 10*time.Millisecond)
	c.Open(creds, []model.Acceptor{model.SubtreeAcceptor("/r")})
	first := nextConsumer(t, tr)
	waitReady(t, c)

	first.Conn().Drop(errors.New("heartbeat timeout"))
	second := nextConsumer(t, tr)
	eventually(t, "second lease", func() bool { return len(tr.Published()) == 2 })
	waitReady(t, c)

	published := tr.Published()
	if string(published[0].Body) != string(published[1].Body) {
		t.Errorf("lease changed across reconnect:\n%s\n%s", published[0].Body, published[1].Body)
	}
	if tr.Dials() != 2 {
		t.Errorf("expected 2 dials, got %d", tr.Dials())
	}

	second.Deliver([]byte(`{"path":"/r/x"}`), "collection.add")
	if e := expectEvent(t, events); e.Path != "/r/x" {
		t.Errorf("unexpected event %+v", e)
	}
}

func TestConsumerCancelReconnects(t *testing.T) {
	tr := brokertest.New()
	c, _ := newConn(t, tr, 10*time.Millisecond)
	c.Open(creds, nil)
	first := nextConsumer(t, tr)
	waitReady(t, c)

	first.CancelConsumer()
	nextConsumer(t, tr)
	eventually(t, "resubscribe", func() bool { return len(tr.Published()) == 2 })
}

func TestDialFailuresAreRetried(t *testing.T) {
	tr := brokertest.New()
	tr.FailDial(errors.New("connection refused"), errors.New("connection refused"))
	c, _ := newConn(t, tr, 10*time.Millisecond)
	c.Open(creds, nil)
	waitReady(t, c)
	if tr.Dials() != 3 {
		t.Errorf("expected 3 dials, got %d", tr.Dials())
	}
}

func TestFatalErrorsStopReconnecting(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*brokertest.Transport)
		want  error
	}{
		{"auth", func(tr *brokertest.Transport) { tr.FailDial(broker.ErrAuthRejected) }, broker.ErrAuthRejected},
		{"subscription", func(tr *brokertest.Transport) { tr.RejectDeclare(broker.ErrSubscriptionRejected) }, broker.ErrSubscriptionRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := brokertest.New()
			tt.setup(tr)
			c, _ := newConn(t, tr, 10*time.Millisecond)
			c.Open(creds, nil)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := c.WaitReady(ctx); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			<-c.Done()
			if c.State() != broker.Closed {
				t.Errorf("expected closed, got %s", c.State())
			}
			if !errors.Is(c.Err(), tt.want) {
				t.Errorf("Err() = %v", c.Err())
			}
			time.Sleep(30 * time.Millisecond)
			if tr.Dials() != 1 {
				t.Errorf("expected a single dial, got %d", tr.Dials())
			}
		})
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tr := brokertest.New()
	c, _ := newConn(t, tr, 10*time.Millisecond)
	c.Open(creds, nil)
	waitReady(t, c)

	if err := c.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if c.State() != broker.Closed {
		t.Errorf("expected closed, got %s", c.State())
	}
	if err := c.Open(creds, nil); !errors.Is(err, broker.ErrClosed) {
		t.Errorf("expected ErrClosed on reopen, got %v", err)
	}
	if err := c.WaitReady(context.Background()); !errors.Is(err, broker.ErrClosed) {
		t.Errorf("expected ErrClosed from WaitReady, got %v", err)
	}
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	tr := brokertest.New()
	tr.FailDial(errors.New("connection refused"))
	c, _ := newConn(t, tr, time.Hour)
	c.Open(creds, nil)
	eventually(t, "first dial", func() bool { return tr.Dials() == 1 })
	eventually(t, "disconnected", func() bool { return c.State() == broker.Disconnected })

	start := time.Now()
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("close waited for the reconnect delay")
	}
	if tr.Dials() != 1 {
		t.Errorf("expected no further dials, got %d", tr.Dials())
	}
}

func TestCloseWithoutOpen(t *testing.T) {
	c := broker.NewConnection(brokertest.New(), broker.Config{Logger: zap.NewNop()})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done should be closed")
	}
}

func TestOpenValidation(t *testing.T) {
	tr := brokertest.New()
	c, _ := newConn(t, tr, 10*time.Millisecond)
	if err := c.Open(broker.Credentials{Host: "h"}, nil); !errors.Is(err, broker.ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := c.Open(creds, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Open(creds, nil); !errors.Is(err, broker.ErrAlreadyOpen) {
		t.Errorf("expected ErrAlreadyOpen, got %v", err)
	}
}

func TestRegisterInterestRequiresChannel(t *testing.T) {
	c := broker.NewConnection(brokertest.New(), broker.Config{Logger: zap.NewNop()})
	defer c.Close()
	if err := c.RegisterInterest(context.Background()); !errors.Is(err, broker.ErrNotSubscribed) {
		t.Errorf("expected ErrNotSubscribed, got %v", err)
	}
}
