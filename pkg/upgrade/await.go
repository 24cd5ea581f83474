package upgrade

import (
	"context"
	"fmt"
	"time"

	"github.com/Huddly/sdk-sub000/pkg/msgbus"
)

// mailbox collects status messages from a transport handler without ever
// blocking it. When full, the oldest message is dropped.
type mailbox chan msgbus.Message

func (c mailbox) put(m msgbus.Message) {
	for {
		select {
		case c <- m:
			return
		default:
		}
		select {
		case <-c:
		default:
		}
	}
}

// await follows the camera's status messages until it reports being done,
// and returns whether it asked for a reboot. The watchdog restarts with
// every message.
func (b *base) await(ctx context.Context, step string, c mailbox) (bool, error) {
	t := time.NewTimer(b.o.watchdog)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-t.C:
			b.timeout(fmt.Sprintf("no status message from camera %s within %s", b.target.Serial, b.o.watchdog))
			return false, fmt.Errorf("%w within %s", ErrNoStatus, b.o.watchdog)
		case m := <-c:
			t.Reset(b.o.watchdog)
			st, err := parseStatus(m.Payload)
			if err != nil {
				return false, err
			}
			if st.ErrorCount > 0 {
				return false, &DeviceStateError{What: "error count during " + st.Operation, Expected: "0", Actual: fmt.Sprint(st.ErrorCount)}
			}
			b.set(step, st.percent(), st.Operation)
			if st.Operation == operationDone {
				return st.Reboot, nil
			}
		}
	}
}
