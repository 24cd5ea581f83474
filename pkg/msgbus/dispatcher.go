package msgbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type topicQueue struct {
	msgs []Message
	wake chan struct{}
}

func newTopicQueue() *topicQueue {
	return &topicQueue{wake: make(chan struct{}, 1)}
}

// Dispatcher implements the receive-side bookkeeping of a Transport:
// listeners, per-topic receive buffers and topic filter matching. Transports
// embed it and call Deliver for every inbound message.
//
// A message that matches at least one listener is handed to the listeners
// only. Other messages on subscribed topics are buffered for Receive.
type Dispatcher struct {
	mu        sync.Mutex
	listeners map[string][]Handler
	queues    map[string]*topicQueue
}

func (d *Dispatcher) init() {
	if d.listeners == nil {
		d.listeners = make(map[string][]Handler)
		d.queues = make(map[string]*topicQueue)
	}
}

// Track starts buffering messages for topic.
func (d *Dispatcher) Track(topic string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init()
	if _, ok := d.queues[topic]; !ok {
		d.queues[topic] = newTopicQueue()
	}
}

// Untrack stops buffering messages for topic and drops what was buffered.
// A Receive waiting on topic returns ErrNotSubscribed.
func (d *Dispatcher) Untrack(topic string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[topic]; ok {
		delete(d.queues, topic)
		close(q.wake)
	}
}

// Tracked returns whether topic is currently buffered.
func (d *Dispatcher) Tracked(topic string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.queues[topic]
	return ok
}

// Deliver dispatches an inbound message. It reports whether anything
// consumed it.
func (d *Dispatcher) Deliver(m Message) bool {
	d.mu.Lock()
	d.init()
	var hs []Handler
	for filter, fs := range d.listeners {
		if topicsMatch(filter, m.Topic) {
			hs = append(hs, fs...)
		}
	}
	if len(hs) == 0 {
		q, ok := d.queues[m.Topic]
		if ok {
			q.msgs = append(q.msgs, m)
			select {
			case q.wake <- struct{}{}:
			default:
			}
		}
		d.mu.Unlock()
		return ok
	}
	d.mu.Unlock()

	for _, h := range hs {
		h(m)
	}
	return true
}

// Receive waits for the next message buffered on topic, which must be
// tracked.
func (d *Dispatcher) Receive(ctx context.Context, topic string) (Message, error) {
	for {
		d.mu.Lock()
		q, ok := d.queues[topic]
		if !ok {
			d.mu.Unlock()
			return Message{}, fmt.Errorf("%w: %q", ErrNotSubscribed, topic)
		}
		if len(q.msgs) > 0 {
			m := q.msgs[0]
			q.msgs = q.msgs[1:]
			d.mu.Unlock()
			return m, nil
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-q.wake:
		}
	}
}

func (d *Dispatcher) On(topic string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init()
	d.listeners[topic] = append(d.listeners[topic], h)
}

func (d *Dispatcher) RemoveAllListeners(topic string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.listeners, topic)
}

// ListenerCount returns the number of handlers registered for a topic filter.
func (d *Dispatcher) ListenerCount(topic string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners[topic])
}

func (d *Dispatcher) ClearBuffers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		q.msgs = nil
	}
}

// topicsMatch checks if a topic matches a filter. Filters may use the
// single-level wildcard + and the trailing multi-level wildcard #.
func topicsMatch(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if !strings.Contains(filter, "+") && !strings.Contains(filter, "#") {
		return false
	}

	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")

	for i, part := range filterParts {
		if part == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part != "+" && part != topicParts[i] {
			return false
		}
	}
	return len(filterParts) == len(topicParts)
}
