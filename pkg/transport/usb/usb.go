// Package usb carries the camera message bus over a vendor-specific USB bulk
// interface.
package usb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/Huddly/sdk-sub000/pkg/devices"
	"github.com/Huddly/sdk-sub000/pkg/msgbus"
)

const (
	topicSubscribe   = "hlink-mb-subscribe"
	topicUnsubscribe = "hlink-mb-unsubscribe"
)

var ErrClosed = errors.New("transport closed")

// Transport implements msgbus.Transport on a camera's bulk pipe.
type Transport struct {
	msgbus.Dispatcher

	dev   devices.Usb
	reqID atomic.Uint32

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}
	err    error
}

// New starts reading messages from dev.
func New(dev devices.Usb) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		dev:    dev,
		ctx:    ctx,
		cancel: cancel,
		exited: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

type ctxReader struct {
	ctx context.Context
	dev devices.Usb
}

func (r ctxReader) Read(p []byte) (int, error) {
	return r.dev.Read(r.ctx, p)
}

func (t *Transport) readLoop() {
	defer close(t.exited)
	r := bufio.NewReaderSize(ctxReader{t.ctx, t.dev}, 64<<10)
	for {
		topic, payload, err := readFrame(r)
		if err != nil {
			if t.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				glog.Errorf("USB read failed: %v", err)
			}
			t.err = err
			return
		}
		if !t.Deliver(msgbus.Message{Topic: topic, Payload: payload}) {
			glog.V(2).Infof("Dropped unexpected message on %s (%d bytes)", topic, len(payload))
		}
	}
}

// Done is closed once the transport stops receiving, usually because the
// camera went away.
func (t *Transport) Done() <-chan struct{} {
	return t.exited
}

// Err returns why receiving stopped. It is only valid once Done is closed.
func (t *Transport) Err() error {
	<-t.exited
	return t.err
}

func (t *Transport) Send(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-t.exited:
		return ErrClosed
	default:
	}
	frame, err := encodeFrame(t.reqID.Add(1), topic, payload)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for len(frame) > 0 {
		n, err := t.dev.Write(ctx, frame)
		if err != nil {
			return fmt.Errorf("writing %s: %w", topic, err)
		}
		frame = frame[n:]
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, topic string) error {
	t.Track(topic)
	if err := t.Send(ctx, topicSubscribe, []byte(topic)); err != nil {
		t.Untrack(topic)
		return err
	}
	return nil
}

func (t *Transport) Unsubscribe(ctx context.Context, topic string) error {
	t.Untrack(topic)
	return t.Send(ctx, topicUnsubscribe, []byte(topic))
}

func (t *Transport) Close() error {
	t.cancel()
	err := t.dev.Close()
	<-t.exited
	return err
}
