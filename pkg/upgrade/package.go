package upgrade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/Huddly/sdk-sub000/pkg/fwpkg"
	"github.com/Huddly/sdk-sub000/pkg/hotplug"
	"github.com/Huddly/sdk-sub000/pkg/msgbus"
)

const (
	cmdWrite    = "hcp/write"
	cmdRun      = "hpk/run"
	topicStatus = "upgrader/status"

	// packageName is where the package is stored on the camera.
	packageName     = "upgrade.hpk"
	runReplyTimeout = 10 * time.Second
)

const (
	stepUpload        = "upload"
	stepExecute       = "execute"
	stepReboot        = "reboot"
	stepVerifyUpload  = "verify_upload"
	stepVerifyExecute = "verify_execute"
)

// PackageUpgrader installs a signed package by uploading it to the camera
// and letting the camera install it. After the camera reboots, the same
// package is run again in verify mode, which makes the camera commit the new
// firmware.
type PackageUpgrader struct {
	base
	pkg  *fwpkg.Package
	link link[*msgbus.Engine]
}

// NewPackage creates an upgrader for the camera behind eng. dial is used to
// reconnect after the camera reboots; the upgrader closes engines it
// replaces.
func NewPackage(eng *msgbus.Engine, pkg *fwpkg.Package, target Target, dial Dialer[*msgbus.Engine], opts ...Option) *PackageUpgrader {
	u := &PackageUpgrader{
		pkg:  pkg,
		link: link[*msgbus.Engine]{dial: dial, cur: eng},
	}
	u.init("package", target, []Step{
		{Name: stepUpload, Weight: 10},
		{Name: stepExecute, Weight: 60},
		{Name: stepReboot, Weight: 10},
		{Name: stepVerifyUpload, Weight: 5},
		{Name: stepVerifyExecute, Weight: 15},
	}, opts)
	return u
}

// Engine returns the engine connected to the camera, which changes when the
// camera reboots.
func (u *PackageUpgrader) Engine() *msgbus.Engine {
	return u.link.get()
}

func (u *PackageUpgrader) Upgrade(ctx context.Context) error {
	return u.run(ctx, u.once)
}

func (u *PackageUpgrader) once(ctx context.Context) (hotplug.Device, error) {
	if err := u.machine.fire(ctx, evStart); err != nil {
		return hotplug.Device{}, err
	}
	if err := u.link.ensure(ctx); err != nil {
		return hotplug.Device{}, &RetryableError{Err: err}
	}
	if err := u.upload(ctx, stepUpload); err != nil {
		return hotplug.Device{}, err
	}
	if err := u.machine.fire(ctx, evExecute); err != nil {
		return hotplug.Device{}, err
	}

	events, cancel := u.target.Hotplug.Subscribe(0)
	defer cancel()

	reboot, err := u.execute(ctx, stepExecute, false)
	if err != nil {
		return hotplug.Device{}, err
	}
	if !reboot {
		u.set(stepReboot, 100, "")
		u.set(stepVerifyUpload, 100, "")
		u.set(stepVerifyExecute, 100, "")
		if err := u.machine.fire(ctx, evComplete); err != nil {
			return hotplug.Device{}, err
		}
		return hotplug.Device{Serial: u.target.Serial, Kind: u.target.Kind}, nil
	}

	if err := u.machine.fire(ctx, evReboot); err != nil {
		return hotplug.Device{}, err
	}
	u.set(stepReboot, 0, "rebooting")
	if err := u.Engine().Reboot(ctx, ""); err != nil {
		return hotplug.Device{}, fmt.Errorf("rebooting: %w", err)
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
	if err := u.upload(ctx, stepVerifyUpload); err != nil {
		return dev, &RetryableError{Err: err}
	}
	reboot, err = u.execute(ctx, stepVerifyExecute, true)
	if err != nil {
		var ds *DeviceStateError
		if errors.As(err, &ds) || ctx.Err() != nil {
			return dev, err
		}
		return dev, &RetryableError{Err: fmt.Errorf("verification: %w", err)}
	}
	if reboot {
		return dev, &RetryableError{Err: errors.New("camera asked for another reboot after verification")}
	}
	if err := u.machine.fire(ctx, evComplete); err != nil {
		return dev, err
	}
	return dev, nil
}

// upload sends the package to the camera, retrying failed transfers.
func (u *PackageUpgrader) upload(ctx context.Context, step string) error {
	data := u.pkg.Bytes()
	payload, err := msgbus.Encode(map[string]any{"name": packageName, "file_size": len(data)})
	if err != nil {
		return err
	}
	u.set(step, 0, "uploading")
	for i := 1; i <= u.o.uploadRetries; i++ {
		_, err = u.Engine().FileTransfer(ctx, msgbus.Command{
			Name:    cmdWrite,
			Payload: payload,
			Timeout: u.o.uploadTimeout,
		}, data)
		if err == nil {
			u.set(step, 100, "")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		glog.Warningf("Uploading package to %s failed (try %d of %d): %v", u.target.Serial, i, u.o.uploadRetries, err)
	}
	return fmt.Errorf("uploading package failed %d times: %w", u.o.uploadRetries, err)
}

// execute makes the camera run the uploaded package and follows its status
// until it is done.
func (u *PackageUpgrader) execute(ctx context.Context, step string, verify bool) (reboot bool, err error) {
	eng := u.Engine()
	statusC := make(mailbox, 64)
	stop, err := eng.Listen(ctx, topicStatus, func(m msgbus.Message) {
		statusC.put(m)
	})
	if err != nil {
		return false, err
	}
	defer func() {
		if serr := stop(); serr != nil && err == nil {
			err = serr
		}
	}()

	r, err := eng.SendAndReceive(ctx, map[string]any{"filename": packageName, "verify": verify}, cmdRun, cmdRun+"_reply", runReplyTimeout)
	if err != nil {
		return false, fmt.Errorf("starting installation: %w", err)
	}
	if err := replyStatus(cmdRun, r); err != nil {
		return false, err
	}
	if !verify {
		if err := u.machine.fire(ctx, evAwait); err != nil {
			return false, err
		}
	}
	return u.await(ctx, step, statusC)
}
