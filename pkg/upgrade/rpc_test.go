package upgrade

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Huddly/sdk-sub000/pkg/devices"
	"github.com/Huddly/sdk-sub000/pkg/hotplug"
	"github.com/Huddly/sdk-sub000/pkg/rpc"
	"github.com/Huddly/sdk-sub000/pkg/rpc/rpctest"
)

// rpcCamera keeps an installed and a booted firmware version.
type rpcCamera struct {
	broker *hotplug.Broker
	// bootVersion, if set, is booted instead of the installed version.
	bootVersion string
	failCommits int

	mu        sync.Mutex
	state     string
	version   string
	installed string
	received  []byte
	commits   int
	address   int
}

func (c *rpcCamera) GetUpgradeState(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, nil
}

func (c *rpcCamera) GetDeviceVersion(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version, nil
}

func (c *rpcCamera) UpgradeDevice(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = data
	c.installed = "1.4.2"
	c.state = "installed"
	return nil
}

func (c *rpcCamera) UpgradeVerify(ctx context.Context, send func(rpc.VerifyStatus) error) error {
	c.mu.Lock()
	c.commits++
	fail := c.failCommits > 0
	if fail {
		c.failCommits--
	}
	c.mu.Unlock()
	if fail {
		c.mu.Lock()
		c.state = rpc.StateIdle
		c.mu.Unlock()
		return send(rpc.VerifyStatus{Stage: "commit", Progress: 10, Error: "flash busy"})
	}
	for _, p := range []float64{20, 70, 100} {
		if err := send(rpc.VerifyStatus{Stage: "commit", Progress: p, Done: p == 100}); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.state = rpc.StateIdle
	c.mu.Unlock()
	return nil
}

func (c *rpcCamera) Reboot(ctx context.Context) error {
	c.mu.Lock()
	if c.state == "installed" {
		c.state = rpc.StateVerifyPending
		c.version = c.installed
		if c.bootVersion != "" {
			c.version = c.bootVersion
		}
	}
	c.address++
	dev := hotplug.Device{Serial: testSerial, Kind: devices.L1, Address: c.address}
	c.mu.Unlock()
	c.broker.Publish(hotplug.Event{Type: hotplug.Appeared, Device: dev})
	return nil
}

func newRPCTest(t *testing.T, cam *rpcCamera) *RPCUpgrader {
	t.Helper()
	target := testTarget(devices.L1)
	cam.broker = target.Hotplug
	srv := rpctest.NewServer(cam)
	t.Cleanup(srv.Close)
	c, err := srv.Dial()
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	dial := func(ctx context.Context, d hotplug.Device) (*rpc.Client, error) {
		return srv.Dial()
	}
	u := NewRPC(c, signedPackage(t, "1.4.2"), target, dial)
	t.Cleanup(func() { u.Client().Close() })
	return u
}

func TestRPCUpgrade(t *testing.T) {
	cam := &rpcCamera{state: rpc.StateIdle, version: "1.3.0"}
	u := newRPCTest(t, cam)
	rec := record(u)

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
	if cam.version != "1.4.2" || cam.state != rpc.StateIdle || cam.commits != 1 {
		t.Errorf("camera runs %s in state %s after %d commits", cam.version, cam.state, cam.commits)
	}
	if !bytes.Equal(cam.received, u.pkg.Bytes()) {
		t.Errorf("camera received %d bytes, want %d", len(cam.received), len(u.pkg.Bytes()))
	}
	rec.checkProgress(t)
}

func TestRPCNotIdle(t *testing.T) {
	cam := &rpcCamera{state: rpc.StateVerifyPending, version: "1.3.0"}
	u := newRPCTest(t, cam)

	err := u.Upgrade(context.Background())
	wantCode(t, err, CodeDeviceState)
	cam.mu.Lock()
	defer cam.mu.Unlock()
	if cam.received != nil {
		t.Errorf("package uploaded to busy camera")
	}
}

func TestRPCVersionMismatch(t *testing.T) {
	cam := &rpcCamera{state: rpc.StateIdle, version: "1.3.0", bootVersion: "1.3.0"}
	u := newRPCTest(t, cam)

	err := u.Upgrade(context.Background())
	e := wantCode(t, err, CodeDeviceState)
	var ds *DeviceStateError
	if !errors.As(e, &ds) || ds.Expected != "1.4.2" || ds.Actual != "1.3.0" {
		t.Errorf("err = %v, want version 1.4.2, got 1.3.0", err)
	}
	cam.mu.Lock()
	defer cam.mu.Unlock()
	if cam.commits != 0 {
		t.Errorf("wrong firmware was committed")
	}
}

func TestRPCRetriesFailedCommit(t *testing.T) {
	cam := &rpcCamera{state: rpc.StateIdle, version: "1.3.0", failCommits: 1}
	u := newRPCTest(t, cam)
	rec := record(u)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := u.Upgrade(ctx); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	if a := u.Attempt(); a.Count != 2 {
		t.Errorf("attempt count %d, want 2", a.Count)
	}
	if failed := rec.of(EventFailed); len(failed) != 1 || !failed[0].RunAgain {
		t.Errorf("failure events %+v, want one that runs again", failed)
	}
}
