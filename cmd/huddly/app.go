package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/gousb"

	"github.com/Huddly/sdk-sub000/pkg/devices"
	"github.com/Huddly/sdk-sub000/pkg/hotplug"
	"github.com/Huddly/sdk-sub000/pkg/msgbus"
	"github.com/Huddly/sdk-sub000/pkg/transport/mqttbus"
	"github.com/Huddly/sdk-sub000/pkg/transport/usb"
)

// camera is an open message bus connection to one camera.
type camera struct {
	uctx *gousb.Context
	eng  *msgbus.Engine
	desc devices.Description
}

func (c *camera) Close() error {
	if err := c.eng.Close(); err != nil {
		return fmt.Errorf("when closing connection: %w", err)
	}
	if c.uctx != nil {
		if err := c.uctx.Close(); err != nil {
			return fmt.Errorf("when closing context: %w", err)
		}
	}
	return nil
}

// openUSB connects to a camera over USB. An empty serial picks the first
// camera found.
func openUSB(serial string) (*camera, error) {
	uctx, err := devices.NewContext()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize USB: %w", err)
	}
	t, desc, err := openUSBTransport(uctx, serial)
	if err != nil {
		uctx.Close()
		return nil, err
	}
	return &camera{uctx: uctx, eng: msgbus.New(t), desc: desc}, nil
}

func openUSBTransport(uctx *gousb.Context, serial string) (*usb.Transport, devices.Description, error) {
	t, desc, err := usb.Open(uctx, serial)
	if err != nil {
		return nil, desc, err
	}
	slog.Info("Connected", "camera", desc.Kind.String())
	return t, desc, nil
}

// openMQTT connects to a camera's message bus bridged onto the configured
// MQTT broker.
func openMQTT(ctx context.Context, serial string, kind devices.Kind) (*camera, error) {
	if serial == "" {
		return nil, fmt.Errorf("--serial is required with --mqtt")
	}
	t, err := mqttbus.Dial(ctx, cfg.mqtt(serial))
	if err != nil {
		return nil, err
	}
	slog.Info("Connected through MQTT", "broker", cfg.MQTT.Broker, "serial", serial)
	return &camera{eng: msgbus.New(t), desc: kind.Description()}, nil
}

// dialUSB reconnects to a camera after it rebooted.
func dialUSB(uctx *gousb.Context) func(ctx context.Context, d hotplug.Device) (*msgbus.Engine, error) {
	return func(ctx context.Context, d hotplug.Device) (*msgbus.Engine, error) {
		t, _, err := usb.Open(uctx, d.Serial)
		if err != nil {
			return nil, err
		}
		return msgbus.New(t), nil
	}
}
