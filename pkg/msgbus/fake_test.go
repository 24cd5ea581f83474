package msgbus

import (
	"context"
	"errors"
	"sync"
)

// fakeTransport is an in-memory Transport. respond is called for every Send
// and may deliver replies through deliver.
type fakeTransport struct {
	Dispatcher

	mu      sync.Mutex
	sent    []Message
	subs    []string
	unsubs  []string
	active  map[string]bool
	maxSubs int
	respond func(f *fakeTransport, m Message)
	sendErr error
	subErr  map[string]error
	closed  bool
}

func newFake(respond func(f *fakeTransport, m Message)) *fakeTransport {
	return &fakeTransport{
		active:  make(map[string]bool),
		subErr:  make(map[string]error),
		respond: respond,
	}
}

func (f *fakeTransport) deliver(topic string, payload []byte) {
	f.Deliver(Message{Topic: topic, Payload: payload})
}

func (f *fakeTransport) Send(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	m := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	f.sent = append(f.sent, m)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		go respond(f, m)
	}
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.subErr[topic]; err != nil {
		return err
	}
	f.subs = append(f.subs, topic)
	f.active[topic] = true
	if n := len(f.active); n > f.maxSubs {
		f.maxSubs = n
	}
	f.Track(topic)
	return nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, topic)
	delete(f.active, topic)
	f.Untrack(topic)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("already closed")
	}
	f.closed = true
	return nil
}

func (f *fakeTransport) activeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

func (f *fakeTransport) sentTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		out = append(out, m.Topic)
	}
	return out
}
