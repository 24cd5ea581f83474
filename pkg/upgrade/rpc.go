package upgrade

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/Huddly/sdk-sub000/pkg/fwpkg"
	"github.com/Huddly/sdk-sub000/pkg/hotplug"
	"github.com/Huddly/sdk-sub000/pkg/rpc"
)

const stepCommit = "commit"

// RPCUpgrader installs a package on a camera that exposes the firmware
// management service. The camera must be idle before the upgrade and must
// report the package's version after the reboot, before the new firmware is
// committed.
type RPCUpgrader struct {
	base
	pkg  *fwpkg.Package
	link link[*rpc.Client]
}

// NewRPC creates an upgrader for the camera behind client. dial is used to
// reconnect after the camera reboots; the upgrader closes clients it
// replaces.
func NewRPC(client *rpc.Client, pkg *fwpkg.Package, target Target, dial Dialer[*rpc.Client], opts ...Option) *RPCUpgrader {
	u := &RPCUpgrader{
		pkg:  pkg,
		link: link[*rpc.Client]{dial: dial, cur: client},
	}
	u.init("rpc", target, []Step{
		{Name: stepUpload, Weight: 40},
		{Name: stepReboot, Weight: 20},
		{Name: stepVerify, Weight: 5},
		{Name: stepCommit, Weight: 35},
	}, opts)
	return u
}

func (u *RPCUpgrader) Client() *rpc.Client {
	return u.link.get()
}

func (u *RPCUpgrader) Upgrade(ctx context.Context) error {
	return u.run(ctx, u.once)
}

func (u *RPCUpgrader) once(ctx context.Context) (hotplug.Device, error) {
	want, err := u.pkg.Version()
	if err != nil {
		return hotplug.Device{}, fmt.Errorf("package version: %w", err)
	}
	if err := u.machine.fire(ctx, evStart); err != nil {
		return hotplug.Device{}, err
	}
	if err := u.link.ensure(ctx); err != nil {
		return hotplug.Device{}, &RetryableError{Err: err}
	}
	c := u.Client()
	state, err := c.UpgradeState(ctx)
	if err != nil {
		return hotplug.Device{}, fmt.Errorf("reading upgrade state: %w", err)
	}
	if state != rpc.StateIdle {
		return hotplug.Device{}, &DeviceStateError{What: "upgrade state before upgrade", Expected: rpc.StateIdle, Actual: state}
	}

	data := u.pkg.Bytes()
	u.set(stepUpload, 0, "uploading")
	if err := c.UpgradeDevice(ctx, data, func(sent int) {
		u.set(stepUpload, sent*100/len(data), "")
	}); err != nil {
		return hotplug.Device{}, fmt.Errorf("uploading: %w", err)
	}
	u.set(stepUpload, 100, "")
	if err := u.machine.fire(ctx, evExecute); err != nil {
		return hotplug.Device{}, err
	}

	events, cancel := u.target.Hotplug.Subscribe(0)
	defer cancel()
	if err := u.machine.fire(ctx, evReboot); err != nil {
		return hotplug.Device{}, err
	}
	u.set(stepReboot, 0, "rebooting")
	if err := c.Reboot(ctx); err != nil {
		// The camera may go away before it answers.
		glog.Warningf("Reboot call to %s failed: %v", u.target.Serial, err)
	}
	dev, err := u.waitBack(ctx, events)
	if err != nil {
		return hotplug.Device{}, err
	}
	u.set(stepReboot, 100, "")
	if err := u.machine.fire(ctx, evVerify); err != nil {
		return dev, err
	}

	if err := u.link.redial(ctx, dev); err != nil {
		return dev, &RetryableError{Err: err}
	}
	next := u.Client()
	state, err = next.UpgradeState(ctx)
	if err != nil {
		return dev, &RetryableError{Err: fmt.Errorf("reading upgrade state: %w", err)}
	}
	if state != rpc.StateVerifyPending {
		return dev, &DeviceStateError{What: "upgrade state after reboot", Expected: rpc.StateVerifyPending, Actual: state}
	}
	got, err := next.DeviceVersion(ctx)
	if err != nil {
		return dev, &RetryableError{Err: fmt.Errorf("reading version: %w", err)}
	}
	if got != want {
		return dev, &DeviceStateError{What: "firmware version after reboot", Expected: want, Actual: got}
	}
	u.set(stepVerify, 100, "")

	last, err := next.UpgradeVerify(ctx, func(s rpc.VerifyStatus) {
		u.set(stepCommit, int(s.Progress), s.Stage)
	})
	if err != nil {
		return dev, &RetryableError{Err: fmt.Errorf("committing: %w", err)}
	}
	if last.Error != "" {
		return dev, &RetryableError{Err: fmt.Errorf("committing: %s", last.Error)}
	}
	if !last.Done {
		return dev, &RetryableError{Err: errors.New("commit stream ended before the camera was done")}
	}
	u.set(stepCommit, 100, "")
	if err := u.machine.fire(ctx, evComplete); err != nil {
		return dev, err
	}
	return dev, nil
}
