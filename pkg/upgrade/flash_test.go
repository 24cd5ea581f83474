package upgrade

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Huddly/sdk-sub000/pkg/checksum"
	"github.com/Huddly/sdk-sub000/pkg/devices"
	"github.com/Huddly/sdk-sub000/pkg/fwpkg"
	"github.com/Huddly/sdk-sub000/pkg/hotplug"
	"github.com/Huddly/sdk-sub000/pkg/msgbus"
	"github.com/Huddly/sdk-sub000/pkg/msgbus/msgbustest"
)

// flashCamera has a flash memory and two boot slots.
type flashCamera struct {
	broker *hotplug.Broker
	// corrupt is the flash address whose readback gets a flipped bit.
	corrupt uint32
	// stuck keeps the camera on its old slot when it reboots.
	stuck bool
	// badSum is the image whose staged checksum the camera misreports.
	badSum string

	mu      sync.Mutex
	slot    fwpkg.Slot
	pending fwpkg.Slot
	staged  []byte
	name    string
	flash   map[uint32][]byte
	erased  map[uint32]uint32
	address int
	first   *msgbustest.Device
}

func okReply() map[string]any {
	return map[string]any{"status": 0}
}

func args(m msgbus.Message) (address, size uint32) {
	a, _ := msgbus.DecodeMap(m.Payload)
	address, _ = msgbus.Number[uint32](a["address"])
	size, _ = msgbus.Number[uint32](a["size"])
	return address, size
}

func (c *flashCamera) connect() *msgbustest.Device {
	d := msgbustest.New()
	d.Handle(cmdGetBootSlot, func(d *msgbustest.Device, m msgbus.Message) {
		c.mu.Lock()
		slot := c.slot
		c.mu.Unlock()
		d.Emit(cmdGetBootSlot+"_reply", map[string]any{"slot": int(slot)})
	})
	d.Reply(cmdAlloc, okReply())
	d.ServeUpload(cmdUploadImage, func(req msgbus.Message, data []byte) {
		a, _ := msgbus.DecodeMap(req.Payload)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.staged = data
		c.name, _ = a["name"].(string)
	})
	d.Handle(cmdChecksum, func(d *msgbustest.Device, m msgbus.Message) {
		c.mu.Lock()
		sum := checksum.Sum(c.staged)
		if c.badSum != "" && c.name == c.badSum {
			sum ^= 0x80000000
		}
		c.mu.Unlock()
		d.Emit(cmdChecksum+"_reply", binary.LittleEndian.AppendUint32(nil, sum))
	})
	d.Handle(cmdErase, func(d *msgbustest.Device, m msgbus.Message) {
		address, size := args(m)
		c.mu.Lock()
		c.erased[address] = size
		c.mu.Unlock()
		d.Emit(cmdErase+"_reply", okReply())
	})
	d.Handle(cmdFlashWrite, func(d *msgbustest.Device, m msgbus.Message) {
		address, size := args(m)
		c.mu.Lock()
		c.flash[address] = append([]byte(nil), c.staged[:size]...)
		c.mu.Unlock()
		d.Emit(cmdFlashWrite+"_reply", okReply())
	})
	d.ServeDownload(cmdFlashRead, func(m msgbus.Message) []byte {
		address, size := args(m)
		c.mu.Lock()
		defer c.mu.Unlock()
		data := append([]byte(nil), c.flash[address][:size]...)
		if address == c.corrupt && c.corrupt != 0 {
			data[len(data)/2] ^= 0x10
		}
		return data
	})
	d.Handle(cmdSetBootSlot, func(d *msgbustest.Device, m msgbus.Message) {
		a, _ := msgbus.DecodeMap(m.Payload)
		slot, _ := msgbus.Number[int](a["slot"])
		c.mu.Lock()
		c.pending = fwpkg.Slot(slot)
		c.mu.Unlock()
		d.Emit(cmdSetBootSlot+"_reply", okReply())
	})
	d.Handle("camctrl/reboot", func(d *msgbustest.Device, m msgbus.Message) {
		c.mu.Lock()
		if !c.stuck {
			c.slot = c.pending
		}
		c.address++
		addr := c.address
		c.mu.Unlock()
		c.broker.Publish(hotplug.Event{Type: hotplug.Appeared, Device: hotplug.Device{Serial: testSerial, Kind: devices.GO, Address: addr}})
	})
	return d
}

func (c *flashCamera) dial(ctx context.Context, d hotplug.Device) (*msgbus.Engine, error) {
	return msgbus.New(c.connect()), nil
}

func legacyPackage(t *testing.T) *fwpkg.Package {
	t.Helper()
	raw := make([]byte, 0x8200+0x1000)
	for i := range raw {
		raw[i] = byte(i * 7)
	}
	p, err := fwpkg.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return p
}

func newFlashTest(t *testing.T, cam *flashCamera) (*FlashUpgrader, *recorder, *fwpkg.Package) {
	t.Helper()
	target := testTarget(devices.GO)
	cam.broker = target.Hotplug
	cam.flash = make(map[uint32][]byte)
	cam.erased = make(map[uint32]uint32)
	cam.first = cam.connect()
	pkg := legacyPackage(t)
	u := NewFlash(msgbus.New(cam.first), pkg, target, cam.dial, WithEraseBlock(0x1000))
	t.Cleanup(func() { u.Engine().Close() })
	return u, record(u), pkg
}

func TestFlashWritesInactiveSlot(t *testing.T) {
	cam := &flashCamera{}
	u, rec, pkg := newFlashTest(t, cam)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := u.Upgrade(ctx); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	if p := u.Report().Progress; p != 100 {
		t.Errorf("progress %d, want 100", p)
	}

	cam.mu.Lock()
	defer cam.mu.Unlock()
	if cam.slot != fwpkg.SlotB {
		t.Errorf("camera boots from slot %s, want B", cam.slot)
	}
	for _, te := range []struct {
		name  string
		erase uint32
	}{
		{fwpkg.FileBootloaderHeader, 0x1000},
		{fwpkg.FileBootloader, 0x8000},
		{fwpkg.FileAppHeader, 0x1000},
		{fwpkg.FileApp, 0x1000},
	} {
		address, _ := pkg.FlashAddress(te.name, fwpkg.SlotB)
		data, _ := pkg.Data(te.name)
		if !bytes.Equal(cam.flash[address], data) {
			t.Errorf("%s: flash at %08x differs from image", te.name, address)
		}
		if got := cam.erased[address]; got != te.erase {
			t.Errorf("%s: erased %#x bytes, want %#x", te.name, got, te.erase)
		}
	}
	if n := len(cam.flash); n != 4 {
		t.Errorf("%d regions written, want 4", n)
	}
	rec.checkProgress(t)
}

func TestFlashReadbackMismatch(t *testing.T) {
	cam := &flashCamera{corrupt: 0x00141000}
	u, _, _ := newFlashTest(t, cam)

	err := u.Upgrade(context.Background())
	wantCode(t, err, CodeIntegrity)
	var cm *ChecksumMismatchError
	if !errors.As(err, &cm) {
		t.Fatalf("err = %v, want ChecksumMismatchError", err)
	}
	if cm.Stage != "readback" || cm.Image != fwpkg.FileApp {
		t.Errorf("mismatch %+v, want readback of app", cm)
	}
	if n := len(cam.first.Sent(cmdSetBootSlot)); n != 0 {
		t.Errorf("boot slot switched %d times after a bad write", n)
	}
	if a := u.Attempt(); a.Count != 1 {
		t.Errorf("attempt count %d, want 1", a.Count)
	}
}

func TestFlashUploadChecksumMismatch(t *testing.T) {
	cam := &flashCamera{badSum: fwpkg.FileAppHeader}
	u, _, pkg := newFlashTest(t, cam)

	err := u.Upgrade(context.Background())
	wantCode(t, err, CodeIntegrity)
	var cm *ChecksumMismatchError
	if !errors.As(err, &cm) {
		t.Fatalf("err = %v, want ChecksumMismatchError", err)
	}
	if cm.Stage != "upload" || cm.Image != fwpkg.FileAppHeader {
		t.Errorf("mismatch %+v, want upload of app_header", cm)
	}
	if n := len(cam.first.Sent(cmdErase)); n != 2 {
		t.Errorf("%d erases, want 2 for the images before app_header", n)
	}
	address, _ := pkg.FlashAddress(fwpkg.FileAppHeader, fwpkg.SlotB)
	cam.mu.Lock()
	_, erased := cam.erased[address]
	_, written := cam.flash[address]
	cam.mu.Unlock()
	if erased || written {
		t.Errorf("app_header touched flash after a bad upload: erased %v, written %v", erased, written)
	}
	if n := len(cam.first.Sent(cmdSetBootSlot)); n != 0 {
		t.Errorf("boot slot switched %d times after a bad upload", n)
	}
}

func TestFlashWrongSlotAfterReboot(t *testing.T) {
	cam := &flashCamera{stuck: true}
	u, _, _ := newFlashTest(t, cam)

	err := u.Upgrade(context.Background())
	e := wantCode(t, err, CodeDeviceState)
	var ds *DeviceStateError
	if !errors.As(e, &ds) || ds.Expected != "B" || ds.Actual != "A" {
		t.Errorf("err = %v, want boot slot B, got A", err)
	}
}
