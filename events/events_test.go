package events

import (
	"sync"
	"testing"
	"time"
)

// collector gathers delivered events for assertions.
type collector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *collector) handle(ev *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) wait(t *testing.T, n int) []*Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.events) >= n {
			out := append([]*Event(nil), c.events...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
	return nil
}

func TestSubscribeByType(t *testing.T) {
	b := NewBus(10)
	defer b.Close()

	var started, all collector
	b.Subscribe(TypeStarted, started.handle)
	b.SubscribeAll(all.handle)

	b.Publish(New(TypeStarted, "stock", nil))
	b.Publish(New(TypeStopped, "stock", nil))

	got := started.wait(t, 1)
	if got[0].Type != TypeStarted || got[0].Plugin != "stock" {
		t.Fatalf("wrong event: %+v", got[0])
	}
	if len(all.wait(t, 2)) != 2 {
		t.Fatal("catch-all subscriber missed events")
	}

	// The typed subscriber must not see the stopped event.
	time.Sleep(20 * time.Millisecond)
	started.mu.Lock()
	n := len(started.events)
	started.mu.Unlock()
	if n != 1 {
		t.Fatalf("typed subscriber got %d events, want 1", n)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus(10)
	defer b.Close()

	var c collector
	id := b.Subscribe(TypeStarted, c.handle)
	b.Publish(New(TypeStarted, "a", nil))
	c.wait(t, 1)

	b.Unsubscribe(id)
	b.Publish(New(TypeStarted, "b", nil))
	time.Sleep(20 * time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) != 1 {
		t.Fatalf("unsubscribed handler still delivered: %d events", len(c.events))
	}
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	b := NewBus(10)
	defer b.Close()

	var c collector
	b.SubscribeAll(func(*Event) { panic("bad handler") })
	b.SubscribeAll(c.handle)

	b.Publish(New(TypeStateChanged, "stock", map[string]any{"to": "ready"}))
	got := c.wait(t, 1)
	if got[0].Data["to"] != "ready" {
		t.Fatalf("event data lost: %+v", got[0])
	}
}

func TestCloseDrainsAndIsIdempotent(t *testing.T) {
	b := NewBus(10)
	var c collector
	b.SubscribeAll(c.handle)

	for i := 0; i < 5; i++ {
		b.Publish(New(TypeDiscovered, "p", nil))
	}
	b.Close()
	b.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) != 5 {
		t.Fatalf("events lost on close: got %d, want 5", len(c.events))
	}
}
