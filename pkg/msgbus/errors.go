package msgbus

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is matched by every exchange that ran out of time waiting for
	// the device.
	ErrTimeout = errors.New("timeout")
	// ErrTransferAborted is returned when the device ends a file transfer by
	// publishing on the timeout topic.
	ErrTransferAborted = errors.New("file transfer aborted by device")
	// ErrNotSubscribed is returned by Receive for topics that are not
	// subscribed.
	ErrNotSubscribed = errors.New("not subscribed")
)

// TimeoutError carries the command and topic an exchange was waiting on.
type TimeoutError struct {
	Command string
	Topic   string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no reply on %q within %s", e.Command, e.Topic, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
