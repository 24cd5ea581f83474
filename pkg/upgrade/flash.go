package upgrade

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/Huddly/sdk-sub000/pkg/checksum"
	"github.com/Huddly/sdk-sub000/pkg/fwpkg"
	"github.com/Huddly/sdk-sub000/pkg/hotplug"
	"github.com/Huddly/sdk-sub000/pkg/msgbus"
)

const (
	cmdAlloc       = "upgrader/alloc"
	cmdUploadImage = "upgrader/upload"
	cmdChecksum    = "upgrader/checksum"
	cmdErase       = "flash/erase"
	cmdFlashWrite  = "flash/write"
	cmdFlashRead   = "flash/read"
	cmdGetBootSlot = "flash/get_boot_slot"
	cmdSetBootSlot = "flash/set_boot_slot"

	flashTimeout = 30 * time.Second
)

// flashImages are written in this order.
var flashImages = []struct {
	name   string
	weight int
}{
	{fwpkg.FileBootloaderHeader, 1},
	{fwpkg.FileBootloader, 5},
	{fwpkg.FileAppHeader, 1},
	{fwpkg.FileApp, 20},
}

const (
	stepBootSlot = "boot_slot"
	stepVerify   = "verify"
)

// FlashUpgrader writes the images of a legacy package into the camera's
// inactive boot slot, checking each one before and after writing it, and
// then boots the camera from that slot.
type FlashUpgrader struct {
	base
	pkg  *fwpkg.Package
	link link[*msgbus.Engine]
}

// NewFlash creates an upgrader for the camera behind eng. dial is used to
// reconnect after the camera reboots; the upgrader closes engines it
// replaces.
func NewFlash(eng *msgbus.Engine, pkg *fwpkg.Package, target Target, dial Dialer[*msgbus.Engine], opts ...Option) *FlashUpgrader {
	u := &FlashUpgrader{
		pkg:  pkg,
		link: link[*msgbus.Engine]{dial: dial, cur: eng},
	}
	var steps []Step
	for _, img := range flashImages {
		steps = append(steps, Step{Name: img.name, Weight: img.weight})
	}
	steps = append(steps,
		Step{Name: stepBootSlot, Weight: 1},
		Step{Name: stepReboot, Weight: 5},
		Step{Name: stepVerify, Weight: 1},
	)
	u.init("flash", target, steps, opts)
	return u
}

func (u *FlashUpgrader) Engine() *msgbus.Engine {
	return u.link.get()
}

func (u *FlashUpgrader) Upgrade(ctx context.Context) error {
	return u.run(ctx, u.once)
}

func roundUp(n, block uint32) uint32 {
	if block == 0 {
		return n
	}
	return (n + block - 1) / block * block
}

func (u *FlashUpgrader) once(ctx context.Context) (hotplug.Device, error) {
	if err := u.machine.fire(ctx, evStart); err != nil {
		return hotplug.Device{}, err
	}
	if err := u.link.ensure(ctx); err != nil {
		return hotplug.Device{}, &RetryableError{Err: err}
	}
	eng := u.Engine()
	current, err := bootSlot(ctx, eng)
	if err != nil {
		return hotplug.Device{}, err
	}
	target := current.Other()
	glog.Infof("Camera %s boots from slot %s, writing slot %s", u.target.Serial, current, target)

	for i, img := range flashImages {
		if i > 0 {
			if err := u.machine.fire(ctx, evUpload); err != nil {
				return hotplug.Device{}, err
			}
		}
		if err := u.flashImage(ctx, eng, img.name, target); err != nil {
			return hotplug.Device{}, fmt.Errorf("%s: %w", img.name, err)
		}
	}

	r, err := eng.SendAndReceive(ctx, map[string]any{"slot": int(target)}, cmdSetBootSlot, cmdSetBootSlot+"_reply", 0)
	if err != nil {
		return hotplug.Device{}, fmt.Errorf("switching boot slot: %w", err)
	}
	if err := replyStatus(cmdSetBootSlot, r); err != nil {
		return hotplug.Device{}, err
	}
	u.set(stepBootSlot, 100, "")

	events, cancel := u.target.Hotplug.Subscribe(0)
	defer cancel()
	if err := u.machine.fire(ctx, evReboot); err != nil {
		return hotplug.Device{}, err
	}
	u.set(stepReboot, 0, "rebooting")
	if err := eng.Reboot(ctx, ""); err != nil {
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
	booted, err := bootSlot(ctx, u.Engine())
	if err != nil {
		return dev, &RetryableError{Err: err}
	}
	if booted != target {
		return dev, &DeviceStateError{What: "boot slot after reboot", Expected: target.String(), Actual: booted.String()}
	}
	u.set(stepVerify, 100, "")
	if err := u.machine.fire(ctx, evComplete); err != nil {
		return dev, err
	}
	return dev, nil
}

func bootSlot(ctx context.Context, eng *msgbus.Engine) (fwpkg.Slot, error) {
	r, err := eng.SendAndReceive(ctx, nil, cmdGetBootSlot, cmdGetBootSlot+"_reply", 0)
	if err != nil {
		return 0, fmt.Errorf("reading boot slot: %w", err)
	}
	m, err := r.Map()
	if err != nil {
		return 0, fmt.Errorf("%w: boot slot: %v", ErrProtocol, err)
	}
	n, ok := msgbus.Number[int](m["slot"])
	if !ok || (fwpkg.Slot(n) != fwpkg.SlotA && fwpkg.Slot(n) != fwpkg.SlotB) {
		return 0, fmt.Errorf("%w: boot slot %v", ErrProtocol, m["slot"])
	}
	return fwpkg.Slot(n), nil
}

// command sends a packed-map command and checks the status of its reply.
func command(ctx context.Context, eng *msgbus.Engine, name string, args map[string]any, timeout time.Duration) error {
	r, err := eng.SendAndReceive(ctx, args, name, name+"_reply", timeout)
	if err != nil {
		return err
	}
	return replyStatus(name, r)
}

// flashImage uploads one image, checks it, writes it to flash and reads it
// back. Any mismatch stops before the next image is touched.
func (u *FlashUpgrader) flashImage(ctx context.Context, eng *msgbus.Engine, name string, slot fwpkg.Slot) error {
	data, err := u.pkg.Data(name)
	if err != nil {
		return err
	}
	address, err := u.pkg.FlashAddress(name, slot)
	if err != nil {
		return err
	}
	size := uint32(len(data))
	local := checksum.Sum(data)

	if err := command(ctx, eng, cmdAlloc, map[string]any{"size": size}, 0); err != nil {
		return fmt.Errorf("allocating %d bytes: %w", size, err)
	}
	if _, err := eng.FileTransfer(ctx, msgbus.Command{
		Name:    cmdUploadImage,
		Payload: mustEncode(map[string]any{"name": name, "size": size}),
		Timeout: u.o.uploadTimeout,
	}, data); err != nil {
		return fmt.Errorf("uploading: %w", err)
	}
	u.set(name, 25, "uploaded")

	r, err := eng.SendAndReceive(ctx, map[string]any{"size": size}, cmdChecksum, cmdChecksum+"_reply", 0)
	if err != nil {
		return fmt.Errorf("reading checksum: %w", err)
	}
	v, err := r.Decode(msgbus.KindUint32LE)
	if err != nil {
		return fmt.Errorf("%w: checksum: %v", ErrProtocol, err)
	}
	remote, ok := v.(uint32)
	if !ok {
		return fmt.Errorf("%w: empty checksum reply", ErrProtocol)
	}
	if remote != local {
		return &ChecksumMismatchError{Image: name, Stage: "upload", Local: local, Remote: remote}
	}
	u.set(name, 40, "checked")

	if err := u.machine.fire(ctx, evExecute); err != nil {
		return err
	}
	if err := command(ctx, eng, cmdErase, map[string]any{"address": address, "size": roundUp(size, u.o.eraseBlock)}, flashTimeout); err != nil {
		return fmt.Errorf("erasing %08x: %w", address, err)
	}
	u.set(name, 55, "erased")
	if err := command(ctx, eng, cmdFlashWrite, map[string]any{"address": address, "size": size}, flashTimeout); err != nil {
		return fmt.Errorf("writing %08x: %w", address, err)
	}
	u.set(name, 75, "written")

	readback, err := eng.FileTransfer(ctx, msgbus.Command{
		Name:    cmdFlashRead,
		Payload: mustEncode(map[string]any{"address": address, "size": size}),
		Timeout: u.o.uploadTimeout,
	}, nil)
	if err != nil {
		return fmt.Errorf("reading back %08x: %w", address, err)
	}
	if got := checksum.Sum(readback); got != local {
		return &ChecksumMismatchError{Image: name, Stage: "readback", Local: local, Remote: got}
	}
	u.set(name, 100, "verified")
	return nil
}

func mustEncode(v map[string]any) []byte {
	b, err := msgbus.Encode(v)
	if err != nil {
		panic(fmt.Sprintf("encoding %v: %v", v, err))
	}
	return b
}
