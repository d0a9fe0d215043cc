// Package events provides the host's lifecycle event bus: plugin
// discovery, process starts and stops, state transitions and passthrough
// session changes, delivered to subscribers off the hot path.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/plugwire/plugwire/logger"
)

// Type classifies a lifecycle event.
type Type string

const (
	TypeDiscovered        Type = "plugin.discovered"
	TypeStarted           Type = "plugin.started"
	TypeStopped           Type = "plugin.stopped"
	TypeStateChanged      Type = "plugin.state_changed"
	TypePassthroughOpened Type = "passthrough.opened"
	TypePassthroughClosed Type = "passthrough.closed"
)

// Event is one lifecycle occurrence.
type Event struct {
	Type      Type
	Plugin    string
	Timestamp time.Time
	Data      map[string]any
}

// New builds an event stamped with the wall clock.
func New(t Type, plugin string, data map[string]any) *Event {
	return &Event{Type: t, Plugin: plugin, Timestamp: time.Now(), Data: data}
}

// Handler consumes events. Handlers run on the bus goroutine; slow handlers
// delay delivery, not publishers.
type Handler func(*Event)

type subscription struct {
	id        string
	eventType Type // empty means all events
	handler   Handler
}

// Bus fans lifecycle events out to subscribers. Publishing is non-blocking;
// when the buffer is full the event is dropped, never the publisher.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	subCounter    int64

	eventChan chan *Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBus creates a bus with the given delivery buffer.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	b := &Bus{
		subscriptions: make(map[string]*subscription),
		eventChan:     make(chan *Event, bufferSize),
		done:          make(chan struct{}),
	}
	b.wg.Add(1)
	go b.process()
	return b
}

// Subscribe registers a handler for one event type and returns the
// subscription id.
func (b *Bus) Subscribe(eventType Type, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subCounter++
	id := fmt.Sprintf("sub-%d", b.subCounter)
	b.subscriptions[id] = &subscription{id: id, eventType: eventType, handler: handler}
	return id
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe("", handler)
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscriptions, id)
}

// Publish queues an event for delivery.
func (b *Bus) Publish(event *Event) {
	select {
	case <-b.done:
		logger.Warn("event bus closed, event dropped", "type", string(event.Type))
	case b.eventChan <- event:
	default:
		logger.Warn("event buffer full, event dropped", "type", string(event.Type))
	}
}

// Close stops delivery after draining queued events. Safe to call twice.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}

func (b *Bus) process() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.eventChan:
			b.dispatch(event)
		case <-b.done:
			for {
				select {
				case event := <-b.eventChan:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(event *Event) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if sub.eventType == "" || sub.eventType == event.Type {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.invoke(sub, event)
	}
}

func (b *Bus) invoke(sub *subscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panic", "subscription", sub.id, "panic", r)
		}
	}()
	sub.handler(event)
}
