package rpc_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Huddly/sdk-sub000/pkg/rpc"
	"github.com/Huddly/sdk-sub000/pkg/rpc/rpctest"
)

type camera struct {
	mu       sync.Mutex
	state    string
	version  string
	received []byte
	rebooted int
	reject   error
}

func (c *camera) GetUpgradeState(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, nil
}

func (c *camera) GetDeviceVersion(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version, nil
}

func (c *camera) UpgradeDevice(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject != nil {
		return c.reject
	}
	c.received = data
	return nil
}

func (c *camera) UpgradeVerify(ctx context.Context, send func(rpc.VerifyStatus) error) error {
	for _, p := range []float64{0, 50, 100} {
		if err := send(rpc.VerifyStatus{Stage: "commit", Progress: p, Done: p == 100}); err != nil {
			return err
		}
	}
	return nil
}

func (c *camera) Reboot(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebooted++
	return nil
}

func dial(t *testing.T, cam *camera) *rpc.Client {
	t.Helper()
	srv := rpctest.NewServer(cam)
	t.Cleanup(srv.Close)
	c, err := srv.Dial()
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestUnary(t *testing.T) {
	cam := &camera{state: rpc.StateIdle, version: "2.1.0"}
	c := dial(t, cam)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := c.UpgradeState(ctx)
	if err != nil || state != rpc.StateIdle {
		t.Errorf("UpgradeState = %q, %v", state, err)
	}
	v, err := c.DeviceVersion(ctx)
	if err != nil || v != "2.1.0" {
		t.Errorf("DeviceVersion = %q, %v", v, err)
	}
	if err := c.Reboot(ctx); err != nil {
		t.Errorf("Reboot: %v", err)
	}
	if cam.rebooted != 1 {
		t.Errorf("rebooted %d times", cam.rebooted)
	}
}

func TestUpgradeDevice(t *testing.T) {
	cam := &camera{}
	c := dial(t, cam)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := bytes.Repeat([]byte{0xa5, 0x5a, 0x01}, rpc.DefaultChunkSize)
	var last int
	if err := c.UpgradeDevice(ctx, data, func(sent int) { last = sent }); err != nil {
		t.Fatalf("UpgradeDevice: %v", err)
	}
	if last != len(data) {
		t.Errorf("progress ended at %d, want %d", last, len(data))
	}
	cam.mu.Lock()
	defer cam.mu.Unlock()
	if !bytes.Equal(cam.received, data) {
		t.Errorf("camera received %d bytes, want %d", len(cam.received), len(data))
	}
}

func TestUpgradeDeviceRejected(t *testing.T) {
	cam := &camera{reject: errors.New("bad signature")}
	c := dial(t, cam)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.UpgradeDevice(ctx, []byte("fw"), nil)
	if err == nil || !bytes.Contains([]byte(err.Error()), []byte("bad signature")) {
		t.Errorf("err = %v, want rejection", err)
	}
}

func TestUpgradeVerify(t *testing.T) {
	c := dial(t, &camera{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []float64
	last, err := c.UpgradeVerify(ctx, func(s rpc.VerifyStatus) { seen = append(seen, s.Progress) })
	if err != nil {
		t.Fatalf("UpgradeVerify: %v", err)
	}
	if !last.Done || len(seen) != 3 {
		t.Errorf("last = %+v, seen %v", last, seen)
	}
}
