package upgrade

import (
	"context"
	"errors"
	"fmt"

	"github.com/Huddly/sdk-sub000/pkg/fwpkg"
	"github.com/Huddly/sdk-sub000/pkg/msgbus"
)

// Code is the stable kind of an upgrade failure.
type Code string

const (
	CodeTransport      Code = "transport"
	CodeProtocol       Code = "protocol"
	CodeIntegrity      Code = "integrity"
	CodeDeviceState    Code = "device-state"
	CodeTimeout        Code = "timeout"
	CodeRetryExhausted Code = "retry-exhausted"
)

var (
	// ErrNoStatus is returned when the camera stops sending status messages
	// for longer than the watchdog window.
	ErrNoStatus = errors.New("no status message from camera")
	// ErrDeviceNotBack is returned when the camera does not reappear after a
	// reboot within the boot timeout.
	ErrDeviceNotBack = errors.New("camera did not come back")
	// ErrProtocol is returned for messages that do not have the expected
	// shape.
	ErrProtocol = errors.New("unexpected message")
)

// Error is the error returned by Upgrade.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upgrade failed (%s): %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RetryableError marks a failure after which the whole upgrade is attempted
// again. It is used when verification after reboot failed but the camera is
// alive.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// ChecksumMismatchError is returned when data on the camera does not match
// what was sent.
type ChecksumMismatchError struct {
	Image string
	// Stage is "upload" or "readback".
	Stage  string
	Local  uint32
	Remote uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("%s checksum mismatch for %s: expected %08x, camera has %08x", e.Stage, e.Image, e.Local, e.Remote)
}

// DeviceStateError is returned when the camera reports something other than
// what the upgrade expects.
type DeviceStateError struct {
	What     string
	Expected string
	Actual   string
}

func (e *DeviceStateError) Error() string {
	return fmt.Sprintf("unexpected %s: expected %q, got %q", e.What, e.Expected, e.Actual)
}

func retryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// classify wraps err in an Error with a stable code.
func classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var (
		cm *ChecksumMismatchError
		ds *DeviceStateError
	)
	switch {
	case retryable(err):
		return &Error{Code: CodeRetryExhausted, Err: err}
	case errors.As(err, &cm), errors.Is(err, fwpkg.ErrHashMismatch), errors.Is(err, fwpkg.ErrFileNotFound):
		return &Error{Code: CodeIntegrity, Err: err}
	case errors.As(err, &ds):
		return &Error{Code: CodeDeviceState, Err: err}
	case errors.Is(err, ErrNoStatus), errors.Is(err, ErrDeviceNotBack), errors.Is(err, msgbus.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeTimeout, Err: err}
	case errors.Is(err, ErrProtocol), errors.Is(err, msgbus.ErrUnsupportedKind):
		return &Error{Code: CodeProtocol, Err: err}
	}
	return &Error{Code: CodeTransport, Err: err}
}
