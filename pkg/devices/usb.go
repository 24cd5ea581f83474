package devices

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// Usb describes the bulk pipe used to talk to a camera's message bus.
type Usb interface {
	// Read reads one bulk transfer from the IN endpoint.
	Read(ctx context.Context, buf []byte) (int, error)
	// Write writes to the OUT endpoint.
	Write(ctx context.Context, buf []byte) (int, error)

	SerialNumber() (string, error)

	// Close disposes of this device. No other functions may be called on the
	// interface afterwards.
	Close() error
}

var ErrUsbTimeout = errors.New("USB timeout error")

// NewContext initializes libusb, turning its initialization panic into an
// error.
func NewContext() (*gousb.Context, error) {
	resC := make(chan *gousb.Context)
	errC := make(chan error)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errC <- fmt.Errorf("%v", r)
			}
		}()

		resC <- gousb.NewContext()
	}()

	select {
	case err := <-errC:
		return nil, err
	case res := <-resC:
		return res, nil
	}
}
