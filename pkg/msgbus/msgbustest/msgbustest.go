// Package msgbustest provides an in-memory camera speaking the message bus
// protocol, for testing code built on msgbus.Engine.
package msgbustest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Huddly/sdk-sub000/pkg/msgbus"
)

var ErrClosed = errors.New("device closed")

// ChunkSize is the size of chunks the device pulls and pushes during file
// transfers.
const ChunkSize = 4096

// HandlerFunc reacts to a message the host sent to the device.
type HandlerFunc func(d *Device, m msgbus.Message)

// Device implements msgbus.Transport with a scriptable device on the other
// end. Handlers run on their own goroutine, one message at a time in the
// order the host sent them.
type Device struct {
	msgbus.Dispatcher

	mu     sync.Mutex
	sent   []msgbus.Message
	active map[string]bool
	closed bool
	queue  chan msgbus.Message

	// hmu guards handlers and transfer, which are used from the handler
	// goroutine.
	hmu      sync.Mutex
	handlers map[string]HandlerFunc
	transfer *transfer
}

type transfer struct {
	upload   bool
	request  msgbus.Message
	data     []byte
	offset   int
	complete func(req msgbus.Message, data []byte)
}

func New() *Device {
	d := &Device{
		handlers: make(map[string]HandlerFunc),
		active:   make(map[string]bool),
		queue:    make(chan msgbus.Message, 256),
	}
	d.handlers[msgbus.TopicFileReceiveReply] = (*Device).onReceiveReply
	d.handlers[msgbus.TopicFileDataReply] = (*Device).onDataReply
	go d.run()
	return d
}

func (d *Device) run() {
	for m := range d.queue {
		d.hmu.Lock()
		h := d.handlers[m.Topic]
		d.hmu.Unlock()
		if h != nil {
			h(d, m)
		}
	}
}

// Handle registers the device's reaction to messages on topic.
func (d *Device) Handle(topic string, h HandlerFunc) {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	d.handlers[topic] = h
}

// Reply registers a handler answering every message on topic with v on
// topic+"_reply".
func (d *Device) Reply(topic string, v any) {
	d.Handle(topic, func(d *Device, m msgbus.Message) {
		d.Emit(topic+"_reply", v)
	})
}

// Emit sends a message from the device to the host.
func (d *Device) Emit(topic string, v any) {
	b, err := msgbus.Encode(v)
	if err != nil {
		panic(fmt.Sprintf("msgbustest: encoding %T: %v", v, err))
	}
	d.Deliver(msgbus.Message{Topic: topic, Payload: b})
}

// ServeUpload makes the device pull a file from the host whenever a message
// arrives on topic. complete is called with the received data before the
// transfer is reported done.
func (d *Device) ServeUpload(topic string, complete func(req msgbus.Message, data []byte)) {
	d.Handle(topic, func(d *Device, m msgbus.Message) {
		d.StartUpload(m, complete)
	})
}

// StartUpload starts pulling a file from the host in response to req.
func (d *Device) StartUpload(req msgbus.Message, complete func(req msgbus.Message, data []byte)) {
	d.hmu.Lock()
	d.transfer = &transfer{upload: true, request: req, complete: complete}
	d.hmu.Unlock()
	d.pull()
}

// ServeDownload makes the device push the bytes returned by data whenever a
// message arrives on topic.
func (d *Device) ServeDownload(topic string, data func(req msgbus.Message) []byte) {
	d.Handle(topic, func(d *Device, m msgbus.Message) {
		t := &transfer{request: m, data: data(m)}
		d.hmu.Lock()
		d.transfer = t
		d.hmu.Unlock()
		d.push(t)
	})
}

func (d *Device) pull() {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, ChunkSize)
	d.Deliver(msgbus.Message{Topic: msgbus.TopicFileReceive, Payload: b})
}

func (d *Device) onReceiveReply(m msgbus.Message) {
	d.hmu.Lock()
	t := d.transfer
	d.hmu.Unlock()
	if t == nil || !t.upload {
		return
	}
	t.data = append(t.data, m.Payload...)
	if len(m.Payload) == ChunkSize {
		d.pull()
		return
	}
	if t.complete != nil {
		t.complete(t.request, t.data)
	}
	d.Deliver(msgbus.Message{Topic: msgbus.TopicFileDone})
}

func (d *Device) push(t *transfer) {
	if t.offset >= len(t.data) {
		d.Deliver(msgbus.Message{Topic: msgbus.TopicFileDone})
		return
	}
	end := min(t.offset+ChunkSize, len(t.data))
	chunk := t.data[t.offset:end]
	t.offset = end
	d.Deliver(msgbus.Message{Topic: msgbus.TopicFileData, Payload: chunk})
}

func (d *Device) onDataReply(msgbus.Message) {
	d.hmu.Lock()
	t := d.transfer
	d.hmu.Unlock()
	if t == nil || t.upload {
		return
	}
	d.push(t)
}

// Sent returns the messages the host sent on topic.
func (d *Device) Sent(topic string) []msgbus.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []msgbus.Message
	for _, m := range d.sent {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Subscribed returns the topics the host is currently subscribed to.
func (d *Device) Subscribed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for t := range d.active {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (d *Device) Send(ctx context.Context, topic string, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	m := msgbus.Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	d.sent = append(d.sent, m)
	select {
	case d.queue <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) Subscribe(ctx context.Context, topic string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.active[topic] = true
	d.Track(topic)
	return nil
}

func (d *Device) Unsubscribe(ctx context.Context, topic string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, topic)
	d.Untrack(topic)
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	return nil
}
