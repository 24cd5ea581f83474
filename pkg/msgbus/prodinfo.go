package msgbus

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/Huddly/sdk-sub000/pkg/queue"
)

const (
	cmdProductInfo       = "prodinfo/get_msgpack"
	cmdProductInfoReply  = "prodinfo/get_msgpack_reply"
	cmdProductInfoLegacy = "prodinfo/get"
	cmdReboot            = "camctrl/reboot"
)

// ProductInfo returns the device's product information map.
//
// The packed-map command is tried first. If it fails for any reason other
// than the caller's context ending, the engine stops using it for the rest of
// the session and falls back to the legacy file-transfer based command. Old
// firmware ignores unknown commands, so a timeout is the usual way the
// packed-map command fails. ResetCapabilities re-enables the probe.
func (e *Engine) ProductInfo(ctx context.Context) (map[string]any, error) {
	return queue.Do(ctx, e.serial, func(ctx context.Context) (map[string]any, error) {
		if e.supportsMsgpackInfo() {
			info, err := e.productInfoMsgpack(ctx)
			if err == nil {
				return info, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			glog.Warningf("Packed-map product info failed, using legacy command from now on: %v", err)
			e.mu.Lock()
			e.msgpackInfo = false
			e.mu.Unlock()
		}
		return e.productInfoLegacy(ctx)
	})
}

func (e *Engine) supportsMsgpackInfo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.msgpackInfo
}

// ResetCapabilities forgets which optional commands the device failed.
func (e *Engine) ResetCapabilities() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgpackInfo = true
}

func (e *Engine) productInfoMsgpack(ctx context.Context) (map[string]any, error) {
	reply, err := e.exchange(ctx, Command{
		Name:       cmdProductInfo,
		ReplyTopic: cmdProductInfoReply,
	})
	if err != nil {
		return nil, err
	}
	return reply.Map()
}

func (e *Engine) productInfoLegacy(ctx context.Context) (map[string]any, error) {
	data, err := e.fileTransfer(ctx, Command{Name: cmdProductInfoLegacy}, nil)
	if err != nil {
		return nil, fmt.Errorf("legacy product info: %w", err)
	}
	return DecodeMap(data)
}

func (e *Engine) productInfoString(ctx context.Context, key string) (string, error) {
	info, err := e.ProductInfo(ctx)
	if err != nil {
		return "", err
	}
	s, ok := String(info[key])
	if !ok {
		return "", fmt.Errorf("product info has no %q", key)
	}
	return s, nil
}

// SerialNumber returns the device's serial number.
func (e *Engine) SerialNumber(ctx context.Context) (string, error) {
	return e.productInfoString(ctx, "serial_number")
}

// FirmwareVersion returns the version of the running application firmware.
func (e *Engine) FirmwareVersion(ctx context.Context) (string, error) {
	return e.productInfoString(ctx, "app_version")
}

// Reboot asks the device to restart. The device drops off the bus without
// replying, so this only waits for the send to complete.
func (e *Engine) Reboot(ctx context.Context, mode string) error {
	var payload any
	if mode != "" {
		payload = map[string]any{"mode": mode}
	}
	return e.Publish(ctx, cmdReboot, payload)
}
