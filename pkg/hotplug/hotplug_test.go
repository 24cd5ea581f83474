package hotplug

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Huddly/sdk-sub000/pkg/devices"
)

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	c1, cancel1 := b.Subscribe(4)
	c2, cancel2 := b.Subscribe(4)
	defer cancel2()

	ev := Event{Type: Appeared, Device: Device{Serial: "A1", Kind: devices.IQ}}
	b.Publish(ev)
	for i, c := range []<-chan Event{c1, c2} {
		if got := <-c; got != ev {
			t.Errorf("subscriber %d got %v", i, got)
		}
	}

	cancel1()
	cancel1()
	if _, ok := <-c1; ok {
		t.Errorf("cancelled subscription still open")
	}
	b.Publish(ev)
	if got := <-c2; got != ev {
		t.Errorf("remaining subscriber got %v", got)
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	c, cancel := b.Subscribe(1)
	defer cancel()
	b.Publish(Event{Type: Appeared})
	b.Publish(Event{Type: Disappeared})
	if got := <-c; got.Type != Appeared {
		t.Errorf("got %v", got)
	}
	select {
	case got := <-c:
		t.Errorf("unexpected %v", got)
	default:
	}
}

func TestBrokerClose(t *testing.T) {
	b := NewBroker()
	c, cancel := b.Subscribe(1)
	b.Close()
	cancel()
	if _, ok := <-c; ok {
		t.Errorf("channel open after Close")
	}
	c, _ = b.Subscribe(1)
	if _, ok := <-c; ok {
		t.Errorf("subscription after Close is open")
	}
}

func TestPollerDiff(t *testing.T) {
	a := Device{Serial: "A", Kind: devices.IQ, Bus: 1, Address: 4}
	aRebooted := a
	aRebooted.Address = 5
	rounds := [][]Device{{a}, {a}, {aRebooted}, {}}
	i := 0
	b := NewBroker()
	events, cancel := b.Subscribe(16)
	defer cancel()
	p := &Poller{
		Broker: b,
		Enumerate: func() ([]Device, error) {
			r := rounds[i]
			i++
			return r, nil
		},
	}
	for range rounds {
		if err := p.Poll(); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}

	want := []Event{
		{Appeared, a},
		{Disappeared, a},
		{Appeared, aRebooted},
		{Disappeared, aRebooted},
	}
	for _, w := range want {
		select {
		case got := <-events:
			if got != w {
				t.Errorf("got %v, want %v", got, w)
			}
		default:
			t.Fatalf("missing %v", w)
		}
	}
}

func TestPollerSkipsFailedRound(t *testing.T) {
	a := Device{Serial: "A"}
	fail := false
	b := NewBroker()
	events, cancel := b.Subscribe(16)
	defer cancel()
	p := &Poller{
		Broker: b,
		Enumerate: func() ([]Device, error) {
			if fail {
				return nil, errors.New("libusb busy")
			}
			return []Device{a}, nil
		},
	}
	p.Poll()
	<-events
	fail = true
	if err := p.Poll(); err == nil {
		t.Errorf("failed round reported no error")
	}
	select {
	case got := <-events:
		t.Errorf("failed round published %v", got)
	default:
	}
}

func TestWait(t *testing.T) {
	b := NewBroker()
	events, cancel := b.Subscribe(16)
	defer cancel()

	go func() {
		b.Publish(Event{Type: Appeared, Device: Device{Serial: "other"}})
		b.Publish(Event{Type: Disappeared, Device: Device{Serial: "A"}})
		b.Publish(Event{Type: Appeared, Device: Device{Serial: "A", Address: 9}})
	}()
	ctx, ccancel := context.WithTimeout(context.Background(), time.Second)
	defer ccancel()
	d, err := Wait(ctx, events, "A", Appeared)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if d.Address != 9 {
		t.Errorf("got %v", d)
	}

	ctx, ccancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer ccancel()
	if _, err := Wait(ctx, events, "A", Appeared); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline", err)
	}
}
