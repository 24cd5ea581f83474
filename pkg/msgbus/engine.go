// Package msgbus implements the command/reply protocol spoken with cameras
// over a message bus.
//
// An Engine owns one Transport. Every exchange subscribes to the topics it
// expects replies on before sending, and always unsubscribes afterwards, even
// on error or timeout. Exchanges on one Engine never interleave: they are run
// through a single-flight queue.
package msgbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"

	"github.com/Huddly/sdk-sub000/pkg/queue"
)

const (
	// DefaultTimeout applies to control commands.
	DefaultTimeout = 500 * time.Millisecond
	// cleanupTimeout bounds unsubscription after an exchange, which has to
	// run even if the exchange's own context is already done.
	cleanupTimeout = 2 * time.Second
)

// Command is one request to a device.
type Command struct {
	// Name is the topic the request is published on.
	Name string
	// ReplyTopic is the topic the answer is expected on.
	ReplyTopic string
	Payload    []byte
	// Timeout overrides the engine default when non-zero.
	Timeout time.Duration
}

// Reply is the correlated answer to a Command.
type Reply struct {
	Topic   string
	Payload []byte
}

func (r Reply) Decode(k Kind) (any, error) {
	return Decode(r.Payload, k)
}

func (r Reply) Map() (map[string]any, error) {
	return DecodeMap(r.Payload)
}

type Option func(*Engine)

// WithTimeout sets the default exchange timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// Engine runs exchanges against one device.
type Engine struct {
	t       Transport
	serial  *queue.Serializer
	timeout time.Duration

	mu sync.Mutex
	// msgpackInfo is cleared once the device failed the packed-map product
	// info command.
	msgpackInfo bool
}

func New(t Transport, opts ...Option) *Engine {
	e := &Engine{
		t:           t,
		serial:      queue.New(0),
		timeout:     DefaultTimeout,
		msgpackInfo: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Transport() Transport {
	return e.t
}

// Close stops the engine and closes its transport.
func (e *Engine) Close() error {
	e.serial.Close()
	return e.t.Close()
}

// Serialize runs fn exclusively with respect to all other operations on this
// engine. fn must not call exported Engine methods, which would deadlock.
func (e *Engine) Serialize(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.serial.Run(ctx, fn)
}

// Exchange sends cmd and waits for its reply.
func (e *Engine) Exchange(ctx context.Context, cmd Command) (Reply, error) {
	return queue.Do(ctx, e.serial, func(ctx context.Context) (Reply, error) {
		return e.exchange(ctx, cmd)
	})
}

// SendAndReceive encodes payload, sends it on topic send and returns the
// reply received on topic receive.
func (e *Engine) SendAndReceive(ctx context.Context, payload any, send, receive string, timeout time.Duration) (Reply, error) {
	b, err := Encode(payload)
	if err != nil {
		return Reply{}, err
	}
	return e.Exchange(ctx, Command{Name: send, ReplyTopic: receive, Payload: b, Timeout: timeout})
}

// Publish sends a message without waiting for any reply.
func (e *Engine) Publish(ctx context.Context, topic string, payload any) error {
	b, err := Encode(payload)
	if err != nil {
		return err
	}
	return e.serial.Run(ctx, func(ctx context.Context) error {
		return e.t.Send(ctx, topic, b)
	})
}

// Listen subscribes to topic and calls h for every message on it until the
// returned stop function is called. stop waits for the running exchange, if
// any, before it unsubscribes.
func (e *Engine) Listen(ctx context.Context, topic string, h Handler) (stop func() error, err error) {
	err = e.serial.Run(ctx, func(ctx context.Context) error {
		cleanup, err := e.subscribeAll(ctx, topic)
		if err != nil {
			return err
		}
		e.t.On(topic, h)
		stop = func() error {
			err := e.serial.Run(context.WithoutCancel(ctx), func(context.Context) error {
				return cleanup()
			})
			if errors.Is(err, queue.ErrClosed) {
				// The transport is gone with the engine.
				e.t.RemoveAllListeners(topic)
				return nil
			}
			return err
		}
		return nil
	})
	return stop, err
}

func (e *Engine) timeoutFor(cmd Command) time.Duration {
	if cmd.Timeout > 0 {
		return cmd.Timeout
	}
	return e.timeout
}

// subscribeAll subscribes to topics one after the other; some devices
// misbehave on concurrent subscriptions. The returned function unsubscribes
// from all of them and removes their listeners.
func (e *Engine) subscribeAll(ctx context.Context, topics ...string) (func() error, error) {
	var done []string
	cleanup := func() error {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		var errs error
		for _, topic := range done {
			if err := e.t.Unsubscribe(cctx, topic); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("unsubscribe %q: %w", topic, err))
			}
			e.t.RemoveAllListeners(topic)
		}
		return errs
	}
	for _, topic := range topics {
		if err := e.t.Subscribe(ctx, topic); err != nil {
			err = fmt.Errorf("subscribe %q: %w", topic, err)
			if cerr := cleanup(); cerr != nil {
				err = multierror.Append(err, cerr)
			}
			return nil, err
		}
		done = append(done, topic)
	}
	return cleanup, nil
}

// finish merges the result of an exchange with the result of its cleanup. A
// failed cleanup fails an otherwise successful exchange, as the transport is
// left with a stale subscription.
func finish(err, cleanupErr error) error {
	if cleanupErr == nil {
		return err
	}
	if err == nil {
		return fmt.Errorf("cleanup: %w", cleanupErr)
	}
	glog.Warningf("Cleanup after failed exchange also failed: %v", cleanupErr)
	return multierror.Append(err, cleanupErr)
}

// timeoutOr turns a context error into a TimeoutError if it was the
// exchange's own deadline that expired rather than the caller's context.
func timeoutOr(parent context.Context, err error, cmd Command, topic string, after time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return &TimeoutError{Command: cmd.Name, Topic: topic, After: after}
	}
	return err
}

func (e *Engine) exchange(parent context.Context, cmd Command) (reply Reply, err error) {
	timeout := e.timeoutFor(cmd)
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	e.t.ClearBuffers()
	cleanup, err := e.subscribeAll(ctx, cmd.ReplyTopic)
	if err != nil {
		return Reply{}, timeoutOr(parent, err, cmd, cmd.ReplyTopic, timeout)
	}
	defer func() {
		err = finish(err, cleanup())
	}()

	type received struct {
		m   Message
		err error
	}
	recvC := make(chan received, 1)
	go func() {
		m, err := e.t.Receive(ctx, cmd.ReplyTopic)
		recvC <- received{m, err}
	}()
	sendC := make(chan error, 1)
	go func() {
		sendC <- e.t.Send(ctx, cmd.Name, cmd.Payload)
	}()

	glog.V(2).Infof("-> %s (%d bytes), waiting on %s", cmd.Name, len(cmd.Payload), cmd.ReplyTopic)
	for {
		select {
		case serr := <-sendC:
			if serr != nil {
				return Reply{}, fmt.Errorf("send %s: %w", cmd.Name, timeoutOr(parent, serr, cmd, cmd.ReplyTopic, timeout))
			}
			sendC = nil
		case r := <-recvC:
			if r.err != nil {
				return Reply{}, timeoutOr(parent, r.err, cmd, cmd.ReplyTopic, timeout)
			}
			glog.V(2).Infof("<- %s (%d bytes)", r.m.Topic, len(r.m.Payload))
			return Reply{Topic: r.m.Topic, Payload: r.m.Payload}, nil
		}
	}
}
