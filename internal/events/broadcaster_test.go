package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fruitsalade/nsmirror/internal/model"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}
	if _, ok := <-ch1; ok {
		t.Error("unsubscribed channel should be closed")
	}

	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterFansOut(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.Publish(Event{Type: EventAdded, Path: "/r/a"})

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Path != "/r/a" || got.Timestamp == 0 {
				t.Errorf("subscriber %d: unexpected event %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventUpdated, Path: "/r/busy"})
	}

	count := 0
	for len(ch) > 0 {
		<-ch
		count++
	}
	if count != 64 {
		t.Errorf("expected 64 buffered events, got %d", count)
	}
}

func TestFromDelta(t *testing.T) {
	when := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	dir, _ := model.NewDir("/r/a", when, when)
	f, _ := model.NewFile("/r/f", 12, "abc", when, when)
	gone, _ := model.NewFile("/r/g", 1, "x", when, when)

	got := FromDelta([]model.Entry{f}, []model.Entry{dir}, []model.Entry{gone})
	want := []struct {
		typ, path string
		isDir     bool
	}{
		{EventRemoved, "/r/g", false},
		{EventUpdated, "/r/f", false},
		{EventAdded, "/r/a", true},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i, w := range want {
		if got[i].Type != w.typ || got[i].Path != w.path || got[i].IsDir != w.isDir {
			t.Errorf("event %d: got %+v, want %+v", i, got[i], w)
		}
	}
	if got[1].Size != 12 || got[1].Checksum != "abc" {
		t.Errorf("file attributes not carried: %+v", got[1])
	}
}

func TestOnChangePublishes(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	when := time.Now()
	f, _ := model.NewFile("/r/f", 1, "c", when, when)
	b.OnChange(nil, []model.Entry{f}, nil)

	select {
	case got := <-ch:
		if got.Type != EventAdded || got.Path != "/r/f" {
			t.Errorf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMarshalEvent(t *testing.T) {
	data, err := MarshalEvent(Event{Type: EventRemoved, Path: "/r/x", Timestamp: 1234567890})
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["path"] != "/r/x" || decoded["type"] != EventRemoved {
		t.Errorf("unexpected JSON %s", data)
	}
	if _, ok := decoded["is_dir"]; ok {
		t.Errorf("zero is_dir should be omitted: %s", data)
	}
}
