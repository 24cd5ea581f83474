package upgrade

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"
	"github.com/looplab/fsm"
)

// State is the stage an upgrade is in.
type State string

const (
	StateNotStarted         State = "NOT_STARTED"
	StateUploading          State = "UPLOADING"
	StateExecuting          State = "EXECUTING"
	StateAwaitingCompletion State = "AWAITING_COMPLETION"
	StateRebooting          State = "REBOOTING"
	StateVerifying          State = "VERIFYING"
	StateComplete           State = "COMPLETE"
	StateFailed             State = "FAILED"
)

// Transitions between states.
const (
	evStart    = "start"
	evUpload   = "upload"
	evExecute  = "execute"
	evAwait    = "await"
	evReboot   = "reboot"
	evVerify   = "verify"
	evComplete = "complete"
	evFail     = "fail"
	evReset    = "reset"
)

func states(ss ...State) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// machine guards the state transitions of one upgrader.
type machine struct {
	f *fsm.FSM
}

func newMachine(name string) *machine {
	return &machine{
		f: fsm.NewFSM(
			string(StateNotStarted),
			fsm.Events{
				{Name: evStart, Src: states(StateNotStarted), Dst: string(StateUploading)},
				{Name: evUpload, Src: states(StateExecuting), Dst: string(StateUploading)},
				{Name: evExecute, Src: states(StateUploading), Dst: string(StateExecuting)},
				{Name: evAwait, Src: states(StateExecuting), Dst: string(StateAwaitingCompletion)},
				{Name: evReboot, Src: states(StateExecuting, StateAwaitingCompletion), Dst: string(StateRebooting)},
				{Name: evVerify, Src: states(StateRebooting), Dst: string(StateVerifying)},
				{Name: evComplete, Src: states(StateAwaitingCompletion, StateVerifying), Dst: string(StateComplete)},
				{Name: evFail, Src: states(StateNotStarted, StateUploading, StateExecuting, StateAwaitingCompletion, StateRebooting, StateVerifying), Dst: string(StateFailed)},
				{Name: evReset, Src: states(StateFailed, StateComplete), Dst: string(StateNotStarted)},
			},
			fsm.Callbacks{
				"enter_state": func(_ context.Context, e *fsm.Event) {
					glog.V(1).Infof("%s upgrade: %s -> %s", name, e.Src, e.Dst)
				},
			},
		),
	}
}

func (m *machine) state() State {
	return State(m.f.Current())
}

// fire runs a transition. An event that is not allowed in the current state
// is a bug in the upgrader.
func (m *machine) fire(ctx context.Context, event string) error {
	err := m.f.Event(context.WithoutCancel(ctx), event)
	var nt fsm.NoTransitionError
	if err != nil && !errors.As(err, &nt) {
		return fmt.Errorf("upgrade state machine: %w", err)
	}
	return nil
}
