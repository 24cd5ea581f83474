// Package hotplug tracks cameras appearing on and disappearing from the host.
//
// A Poller periodically enumerates connected cameras and publishes the
// differences to a Broker, which fans events out to any number of
// subscribers.
package hotplug

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/Huddly/sdk-sub000/pkg/devices"
)

type EventType int

const (
	Appeared EventType = iota
	Disappeared
)

func (t EventType) String() string {
	switch t {
	case Appeared:
		return "appeared"
	case Disappeared:
		return "disappeared"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Device identifies one enumeration of a camera. A camera that reboots comes
// back with the same serial but usually a different address.
type Device struct {
	Serial  string
	Kind    devices.Kind
	Bus     int
	Address int
}

func (d Device) String() string {
	return fmt.Sprintf("%s %s (bus %d, address %d)", d.Kind, d.Serial, d.Bus, d.Address)
}

type Event struct {
	Type   EventType
	Device Device
}

// Broker fans out events to subscribers. Slow subscribers lose events rather
// than blocking the publisher.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events published from now on. The cancel
// function unsubscribes and closes the channel.
func (b *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	c := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(c)
		return c, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = c

	var once sync.Once
	return c, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.subs {
		select {
		case c <- ev:
		default:
			glog.Warningf("Hotplug subscriber %d is not keeping up, dropped %s event for %s", id, ev.Type, ev.Device.Serial)
		}
	}
}

// Close closes all subscriber channels.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, c := range b.subs {
		delete(b.subs, id)
		close(c)
	}
}

// Wait returns the first event on c of type t for the camera with the given
// serial.
func Wait(ctx context.Context, c <-chan Event, serial string, t EventType) (Device, error) {
	for {
		select {
		case <-ctx.Done():
			return Device{}, ctx.Err()
		case ev, ok := <-c:
			if !ok {
				return Device{}, fmt.Errorf("hotplug events closed while waiting for %s to have %s", serial, t)
			}
			if ev.Type == t && ev.Device.Serial == serial {
				return ev.Device, nil
			}
		}
	}
}
