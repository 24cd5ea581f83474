package upgrade

import (
	"time"
)

const (
	DefaultWatchdog      = 10 * time.Second
	DefaultBootTimeout   = 90 * time.Second
	DefaultMaxAttempts   = 3
	DefaultUploadRetries = 5
	DefaultUploadTimeout = 2 * time.Minute
	DefaultEraseBlock    = 0x10000
)

type options struct {
	watchdog      time.Duration
	bootTimeout   time.Duration
	maxAttempts   int
	uploadRetries int
	uploadTimeout time.Duration
	eraseBlock    uint32
}

func defaultOptions() options {
	return options{
		watchdog:      DefaultWatchdog,
		bootTimeout:   DefaultBootTimeout,
		maxAttempts:   DefaultMaxAttempts,
		uploadRetries: DefaultUploadRetries,
		uploadTimeout: DefaultUploadTimeout,
		eraseBlock:    DefaultEraseBlock,
	}
}

type Option func(*options)

// WithWatchdog sets how long the camera may stay silent while installing
// before the upgrade fails.
func WithWatchdog(d time.Duration) Option {
	return func(o *options) {
		o.watchdog = d
	}
}

// WithBootTimeout sets how long to wait for the camera to reappear after a
// reboot.
func WithBootTimeout(d time.Duration) Option {
	return func(o *options) {
		o.bootTimeout = d
	}
}

// WithMaxAttempts caps how often the whole upgrade is attempted when
// verification fails.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		o.maxAttempts = max(n, 1)
	}
}

// WithUploadRetries caps how often a failed package upload is retried.
func WithUploadRetries(n int) Option {
	return func(o *options) {
		o.uploadRetries = max(n, 1)
	}
}

// WithUploadTimeout bounds one bulk upload.
func WithUploadTimeout(d time.Duration) Option {
	return func(o *options) {
		o.uploadTimeout = d
	}
}

// WithEraseBlock sets the flash erase granularity used by the flash
// upgrader.
func WithEraseBlock(size uint32) Option {
	return func(o *options) {
		o.eraseBlock = size
	}
}
