package upgrade

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/Huddly/sdk-sub000/pkg/hotplug"
)

type conn interface {
	comparable
	Close() error
}

// link is an upgrader's connection to the camera. It is replaced every time
// the camera reboots.
type link[C conn] struct {
	dial Dialer[C]

	mu  sync.Mutex
	cur C
	// lost is set while cur belongs to a camera that rebooted and no new
	// connection has been made yet. dev is the camera to dial.
	lost bool
	dev  hotplug.Device
}

func (l *link[C]) get() C {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur
}

// redial connects to the rebooted camera dev and closes the previous
// connection. On failure the link stays lost until a later redial or
// ensure succeeds.
func (l *link[C]) redial(ctx context.Context, dev hotplug.Device) error {
	l.mu.Lock()
	l.lost = true
	l.dev = dev
	l.mu.Unlock()

	if l.dial == nil {
		return fmt.Errorf("no way to reconnect to %s", dev)
	}
	next, err := l.dial(ctx, dev)
	if err != nil {
		return fmt.Errorf("reconnecting to %s: %w", dev, err)
	}

	l.mu.Lock()
	old := l.cur
	l.cur = next
	l.lost = false
	l.mu.Unlock()

	var zero C
	if old != zero {
		if err := old.Close(); err != nil {
			glog.V(1).Infof("Closing connection to rebooted camera: %v", err)
		}
	}
	return nil
}

// ensure reconnects if an earlier attempt left the link lost.
func (l *link[C]) ensure(ctx context.Context) error {
	l.mu.Lock()
	lost, dev := l.lost, l.dev
	l.mu.Unlock()
	if !lost {
		return nil
	}
	glog.Infof("Connection to %s was lost in the previous attempt, reconnecting", dev)
	return l.redial(ctx, dev)
}
