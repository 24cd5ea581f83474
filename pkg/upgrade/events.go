package upgrade

import (
	"sort"
	"sync"

	"github.com/Huddly/sdk-sub000/pkg/hotplug"
)

type EventType string

const (
	EventStart    EventType = "UPGRADE_START"
	EventProgress EventType = "UPGRADE_PROGRESS"
	EventComplete EventType = "UPGRADE_COMPLETE"
	EventFailed   EventType = "UPGRADE_FAILED"
	EventTimeout  EventType = "TIMEOUT"
)

// Event is emitted to upgrade observers. Which fields are set depends on
// Type.
type Event struct {
	Type EventType
	// Report is set for EventProgress.
	Report Report
	// Device is the rebooted camera, set for EventComplete.
	Device hotplug.Device
	// Err is set for EventFailed.
	Err error
	// RunAgain is set for EventFailed when another attempt follows.
	RunAgain bool
	// Message is set for EventTimeout.
	Message string
}

// Notifier delivers events to observers synchronously, in subscription
// order. Observers must not block.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]func(Event)
	next int
}

// Subscribe registers fn and returns a function removing it again.
func (n *Notifier) Subscribe(fn func(Event)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(Event))
	}
	id := n.next
	n.next++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *Notifier) emit(ev Event) {
	n.mu.Lock()
	ids := make([]int, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), len(ids))
	for i, id := range ids {
		fns[i] = n.subs[id]
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
