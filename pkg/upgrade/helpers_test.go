package upgrade

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/Huddly/sdk-sub000/pkg/devices"
	"github.com/Huddly/sdk-sub000/pkg/fwpkg"
	"github.com/Huddly/sdk-sub000/pkg/hotplug"
)

const testSerial = "B40K00123"

func signedPackage(t *testing.T, version string) *fwpkg.Package {
	t.Helper()
	b, err := fwpkg.Build([]fwpkg.File{
		{Name: "image.bin", Data: bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 5000)},
		{Name: fwpkg.FileVersion, Data: []byte(version + "\n")},
	}, "", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	p, err := fwpkg.Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return p
}

func testTarget(kind devices.Kind) Target {
	return Target{Serial: testSerial, Kind: kind, Hotplug: hotplug.NewBroker()}
}

// recorder collects upgrade events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(u Upgrader) *recorder {
	r := &recorder{}
	u.Subscribe(func(ev Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})
	return r
}

func (r *recorder) of(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// checkProgress verifies that progress never goes back within an attempt;
// attempts are delimited by failure events.
func (r *recorder) checkProgress(t *testing.T) {
	t.Helper()
	last := 0
	for _, ev := range r.all() {
		switch ev.Type {
		case EventFailed:
			last = 0
		case EventProgress:
			if ev.Report.Progress < last {
				t.Errorf("progress went from %d to %d", last, ev.Report.Progress)
			}
			last = ev.Report.Progress
		}
	}
}

func wantCode(t *testing.T, err error, code Code) *Error {
	t.Helper()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("err = %v (%T), want *Error", err, err)
	}
	if e.Code != code {
		t.Fatalf("code = %s, want %s (%v)", e.Code, code, err)
	}
	return e
}
