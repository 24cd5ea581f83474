// Package upgrade installs firmware on cameras.
//
// Three upgraders exist, one per kind of camera: PackageUpgrader hands a whole
// signed package to the camera and verifies it after a reboot,
// FlashUpgrader writes the images of a legacy package to the inactive boot
// slot itself, and RPCUpgrader streams the package to network cameras. All of
// them implement Upgrader, report progress as weighted steps and retry the
// whole upgrade when verification after the reboot fails.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/Huddly/sdk-sub000/pkg/devices"
	"github.com/Huddly/sdk-sub000/pkg/hotplug"
)

// Upgrader installs one firmware package on one camera.
type Upgrader interface {
	// Upgrade runs the upgrade to completion. The returned error is an
	// *Error.
	Upgrade(ctx context.Context) error
	// Subscribe registers an observer for upgrade events.
	Subscribe(fn func(Event)) (cancel func())
	Report() Report
	State() State
	Attempt() Attempt
}

var (
	_ Upgrader = (*PackageUpgrader)(nil)
	_ Upgrader = (*FlashUpgrader)(nil)
	_ Upgrader = (*RPCUpgrader)(nil)
)

// Dialer reconnects to a camera after it rebooted.
type Dialer[C any] func(ctx context.Context, d hotplug.Device) (C, error)

// Target identifies the camera being upgraded.
type Target struct {
	// Serial matches the camera across reboots.
	Serial string
	Kind   devices.Kind
	// Hotplug delivers the camera's reappearance after reboots.
	Hotplug *hotplug.Broker
}

// Attempt counts runs of the whole upgrade.
type Attempt struct {
	Count  int
	Max    int
	Serial string
}

// base holds what all upgraders share: options, progress, state and
// observers.
type base struct {
	o       options
	target  Target
	steps   []Step
	notify  Notifier
	machine *machine

	mu       sync.Mutex
	progress *Progress
	attempt  Attempt
}

func (b *base) init(name string, target Target, steps []Step, opts []Option) {
	b.o = defaultOptions()
	for _, opt := range opts {
		opt(&b.o)
	}
	b.target = target
	b.steps = steps
	b.machine = newMachine(name)
	b.progress = NewProgress(steps...)
	b.attempt = Attempt{Max: b.o.maxAttempts, Serial: target.Serial}
}

func (b *base) Subscribe(fn func(Event)) func() {
	return b.notify.Subscribe(fn)
}

func (b *base) Report() Report {
	b.mu.Lock()
	p := b.progress
	b.mu.Unlock()
	return p.Report(string(b.machine.state()))
}

func (b *base) State() State {
	return b.machine.state()
}

func (b *base) Attempt() Attempt {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// set updates a step and tells observers.
func (b *base) set(step string, percent int, operation string) {
	b.mu.Lock()
	p := b.progress
	b.mu.Unlock()
	if err := p.Set(step, percent, operation); err != nil {
		glog.Errorf("Progress: %v", err)
		return
	}
	b.notify.emit(Event{Type: EventProgress, Report: p.Report(string(b.machine.state()))})
}

func (b *base) timeout(msg string) {
	glog.Warningf("%s: %s", b.target.Serial, msg)
	b.notify.emit(Event{Type: EventTimeout, Message: msg})
}

// run calls once until it succeeds, fails for good or the attempts are used
// up. Only RetryableErrors lead to another attempt.
func (b *base) run(ctx context.Context, once func(ctx context.Context) (hotplug.Device, error)) error {
	if b.target.Hotplug == nil {
		return classify(fmt.Errorf("no hotplug broker to watch %s with", b.target.Serial))
	}
	if s := b.machine.state(); s != StateNotStarted {
		if err := b.machine.fire(ctx, evReset); err != nil {
			return classify(err)
		}
	}
	b.notify.emit(Event{Type: EventStart})

	for n := 1; ; n++ {
		b.mu.Lock()
		b.attempt.Count = n
		b.progress = NewProgress(b.steps...)
		b.mu.Unlock()
		if n > 1 {
			if err := b.machine.fire(ctx, evReset); err != nil {
				return classify(err)
			}
		}

		glog.Infof("Upgrading %s, attempt %d of %d", b.target.Serial, n, b.o.maxAttempts)
		dev, err := once(ctx)
		if err == nil {
			b.notify.emit(Event{Type: EventComplete, Device: dev})
			return nil
		}

		if ferr := b.machine.fire(ctx, evFail); ferr != nil {
			glog.Errorf("%v", ferr)
		}
		again := retryable(err) && n < b.o.maxAttempts && ctx.Err() == nil
		b.notify.emit(Event{Type: EventFailed, Err: err, RunAgain: again})
		if again {
			glog.Warningf("Upgrade attempt %d of %s failed, trying again: %v", n, b.target.Serial, err)
			continue
		}
		if retryable(err) {
			err = fmt.Errorf("gave up after %d attempts: %w", n, err)
		}
		return classify(err)
	}
}

// waitBack waits for the camera to reappear on events.
func (b *base) waitBack(ctx context.Context, events <-chan hotplug.Event) (hotplug.Device, error) {
	wctx, cancel := context.WithTimeout(ctx, b.o.bootTimeout)
	defer cancel()
	start := time.Now()
	dev, err := hotplug.Wait(wctx, events, b.target.Serial, hotplug.Appeared)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			msg := fmt.Sprintf("camera %s did not come back within %s", b.target.Serial, b.o.bootTimeout)
			b.timeout(msg)
			return hotplug.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotBack, msg)
		}
		return hotplug.Device{}, err
	}
	glog.Infof("Camera %s is back after %s", b.target.Serial, time.Since(start).Round(time.Millisecond))
	return dev, nil
}
