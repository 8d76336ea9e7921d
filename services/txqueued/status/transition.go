package status

import (
	"fmt"

	"txqueue/services/txqueued/txerr"
)

// Event names a transition operation.
type Event string

// Transition events.
const (
	EventRegister   Event = "register"
	EventWaitForGas Event = "waitforgas"
	EventReadySend  Event = "readysend"
	EventSent       Event = "sent"
	EventSendFail   Event = "sendfail"
	EventRetry      Event = "retry"
	EventSuccess    Event = "success"
	EventMineFail   Event = "minefail"
	EventReject     Event = "reject"
	EventObsolete   Event = "obsolete"
	EventOverride   Event = "override"
	EventFubar      Event = "fubar"
)

type rule struct {
	from []State
	// anyAlive admits every non-terminal source state.
	anyAlive bool
	to       State
}

var table = map[Event]rule{
	EventWaitForGas: {from: []State{Pending, ReadySend, Retry}, to: WaitForGas},
	EventReadySend:  {from: []State{Pending, WaitForGas, Retry}, to: ReadySend},
	EventSent:       {from: []State{ReadySend, Sent}, to: Sent},
	EventSendFail:   {from: []State{ReadySend, Sent}, to: SendFail},
	EventRetry:      {from: []State{SendFail}, to: Retry},
	EventSuccess:    {from: []State{Sent}, to: Success},
	EventMineFail:   {from: []State{Sent}, to: Reverted},
	EventReject:     {from: []State{ReadySend}, to: Rejected},
	EventObsolete:   {anyAlive: true, to: Obsoleted},
	EventOverride:   {anyAlive: true, to: Overridden},
	EventFubar:      {anyAlive: true, to: Fubar},
}

// Events lists every event that can be applied to an existing record.
func Events() []Event {
	return []Event{
		EventWaitForGas, EventReadySend, EventSent, EventSendFail, EventRetry,
		EventSuccess, EventMineFail, EventReject, EventObsolete, EventOverride, EventFubar,
	}
}

// Next returns the state reached by applying ev to from. Terminal states
// reject every event.
func Next(from State, ev Event) (State, error) {
	if ev == EventRegister {
		return Pending, fmt.Errorf("%w: register applies to new records only", txerr.ErrStateChange)
	}
	r, ok := table[ev]
	if !ok {
		return from, fmt.Errorf("%w: unknown event %q", txerr.ErrStateChange, ev)
	}
	if from.IsTerminal() {
		return from, fmt.Errorf("%w: %s is final, cannot %s", txerr.ErrStateChange, from, ev)
	}
	if r.anyAlive {
		return r.to, nil
	}
	for _, s := range r.from {
		if s == from {
			return r.to, nil
		}
	}
	return from, fmt.Errorf("%w: cannot %s from %s", txerr.ErrStateChange, ev, from)
}

// Can reports whether ev is legal from the given state.
func Can(from State, ev Event) bool {
	_, err := Next(from, ev)
	return err == nil
}
