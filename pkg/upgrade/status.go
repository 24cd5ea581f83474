package upgrade

import (
	"fmt"

	"github.com/Huddly/sdk-sub000/pkg/msgbus"
)

// status is a progress message the camera sends while installing a
// package.
type status struct {
	Operation  string
	Elapsed    float64
	Total      float64
	ErrorCount int
	Reboot     bool
}

const operationDone = "done"

func parseStatus(payload []byte) (status, error) {
	m, err := msgbus.DecodeMap(payload)
	if err != nil {
		return status{}, fmt.Errorf("%w: status: %v", ErrProtocol, err)
	}
	var s status
	var ok bool
	if s.Operation, ok = msgbus.String(m["operation"]); !ok {
		return status{}, fmt.Errorf("%w: status without operation", ErrProtocol)
	}
	s.Elapsed, _ = msgbus.Number[float64](m["elapsed_points"])
	s.Total, _ = msgbus.Number[float64](m["total_points"])
	s.ErrorCount, _ = msgbus.Number[int](m["error_count"])
	s.Reboot, _ = m["reboot"].(bool)
	return s, nil
}

// percent is how far along the camera says it is.
func (s status) percent() int {
	if s.Operation == operationDone {
		return 100
	}
	if s.Total <= 0 {
		return 0
	}
	return int(100 * s.Elapsed / s.Total)
}

// replyStatus checks the status field of a command reply.
func replyStatus(what string, r msgbus.Reply) error {
	m, err := r.Map()
	if err != nil {
		return fmt.Errorf("%w: %s reply: %v", ErrProtocol, what, err)
	}
	code, ok := msgbus.Number[int](m["status"])
	if !ok {
		return fmt.Errorf("%w: %s reply has no status", ErrProtocol, what)
	}
	if code != 0 {
		msg, _ := msgbus.String(m["string"])
		if msg == "" {
			msg = fmt.Sprint(code)
		} else {
			msg = fmt.Sprintf("%d (%s)", code, msg)
		}
		return &DeviceStateError{What: what + " status", Expected: "0", Actual: msg}
	}
	return nil
}
