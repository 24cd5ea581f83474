package hotplug

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"

	"github.com/Huddly/sdk-sub000/pkg/devices"
)

// Enumerator lists the cameras currently connected.
type Enumerator func() ([]Device, error)

// USB enumerates cameras through libusb.
func USB(uctx *gousb.Context) Enumerator {
	return func() ([]Device, error) {
		devs, err := uctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
			_, ok := devices.Lookup(desc.Vendor, desc.Product)
			return ok
		})
		var errs error
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		var found []Device
		for _, d := range devs {
			desc, _ := devices.Lookup(d.Desc.Vendor, d.Desc.Product)
			serial, err := d.SerialNumber()
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s at %d/%d: reading serial: %w", desc.Kind, d.Desc.Bus, d.Desc.Address, err))
			} else {
				found = append(found, Device{
					Serial:  serial,
					Kind:    desc.Kind,
					Bus:     d.Desc.Bus,
					Address: d.Desc.Address,
				})
			}
			d.Close()
		}
		return found, errs
	}
}

// Poller publishes the differences between consecutive enumerations.
type Poller struct {
	Enumerate Enumerator
	Broker    *Broker
	// Interval defaults to one second.
	Interval time.Duration

	known map[Device]bool
}

// Poll runs one enumeration round.
func (p *Poller) Poll() error {
	found, err := p.Enumerate()
	if err != nil {
		if len(found) == 0 {
			return err
		}
		glog.Warningf("Partial camera enumeration: %v", err)
	}
	now := make(map[Device]bool)
	for _, d := range found {
		now[d] = true
	}
	if p.known == nil {
		p.known = make(map[Device]bool)
	}
	for d := range p.known {
		if !now[d] {
			glog.V(1).Infof("Camera disappeared: %s", d)
			p.Broker.Publish(Event{Type: Disappeared, Device: d})
		}
	}
	for _, d := range found {
		if !p.known[d] {
			glog.V(1).Infof("Camera appeared: %s", d)
			p.Broker.Publish(Event{Type: Appeared, Device: d})
		}
	}
	p.known = now
	return nil
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		if err := p.Poll(); err != nil {
			glog.Warningf("Camera enumeration failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
