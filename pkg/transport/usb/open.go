package usb

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"

	"github.com/Huddly/sdk-sub000/pkg/devices"
)

type gousbDevice struct {
	usb  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

// transferError maps gousb timeouts to devices.ErrUsbTimeout. Bulk transfers
// report them as a TransferStatus, control transfers as an Error.
func transferError(err error) error {
	if errors.Is(err, gousb.TransferTimedOut) || errors.Is(err, gousb.ErrorTimeout) {
		return devices.ErrUsbTimeout
	}
	return err
}

func (d *gousbDevice) Read(ctx context.Context, buf []byte) (int, error) {
	n, err := d.in.ReadContext(ctx, buf)
	return n, transferError(err)
}

func (d *gousbDevice) Write(ctx context.Context, buf []byte) (int, error) {
	n, err := d.out.WriteContext(ctx, buf)
	return n, transferError(err)
}

func (d *gousbDevice) SerialNumber() (string, error) {
	return d.usb.SerialNumber()
}

func (d *gousbDevice) Close() error {
	if d.intf != nil {
		d.intf.Close()
	}
	var errs error
	if d.cfg != nil {
		if err := d.cfg.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("when closing config: %w", err))
		}
	}
	if err := d.usb.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("when closing USB device: %w", err))
	}
	return errs
}

// claim finds the vendor-specific interface carrying the message bus and its
// bulk endpoints.
func (d *gousbDevice) claim() error {
	if err := d.usb.SetAutoDetach(true); err != nil {
		return err
	}
	cfgNum, err := d.usb.ActiveConfigNum()
	if err != nil {
		return err
	}
	d.cfg, err = d.usb.Config(cfgNum)
	if err != nil {
		return err
	}
	for _, intf := range d.usb.Desc.Configs[cfgNum].Interfaces {
		for _, alt := range intf.AltSettings {
			if alt.Class != gousb.ClassVendorSpec {
				continue
			}
			d.intf, err = d.cfg.Interface(alt.Number, alt.Alternate)
			if err != nil {
				return err
			}
			for _, ep := range alt.Endpoints {
				if ep.TransferType != gousb.TransferTypeBulk {
					continue
				}
				var err error
				switch ep.Direction {
				case gousb.EndpointDirectionIn:
					d.in, err = d.intf.InEndpoint(ep.Number)
				case gousb.EndpointDirectionOut:
					d.out, err = d.intf.OutEndpoint(ep.Number)
				}
				if err != nil {
					return err
				}
			}
			if d.in == nil || d.out == nil {
				return fmt.Errorf("did not find both IN and OUT bulk endpoint on interface %d", alt.Number)
			}
			return nil
		}
	}
	return fmt.Errorf("no vendor-specific interface")
}

// Open connects to the camera with the given serial number. An empty serial
// selects the first camera found.
func Open(uctx *gousb.Context, serial string) (*Transport, devices.Description, error) {
	devs, err := uctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, ok := devices.Lookup(desc.Vendor, desc.Product)
		return ok
	})
	var errs error
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	var found *gousb.Device
	for _, d := range devs {
		if found != nil {
			d.Close()
			continue
		}
		s, err := d.SerialNumber()
		if err != nil {
			errs = multierror.Append(errs, err)
			d.Close()
			continue
		}
		if serial == "" || s == serial {
			found = d
			continue
		}
		d.Close()
	}
	if found == nil {
		if errs == nil {
			return nil, devices.Description{}, fmt.Errorf("no device found")
		}
		return nil, devices.Description{}, errs
	}

	desc, _ := devices.Lookup(found.Desc.Vendor, found.Desc.Product)
	dev := &gousbDevice{usb: found}
	if err := dev.claim(); err != nil {
		dev.Close()
		return nil, desc, fmt.Errorf("claiming %s: %w", desc.Kind, err)
	}
	glog.Infof("Opened %s at bus %d, address %d", desc.Kind, found.Desc.Bus, found.Desc.Address)
	return New(dev), desc, nil
}
