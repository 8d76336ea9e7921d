// Package status models the lifecycle of an outgoing transaction.
//
// State is a closed set of named states. The bit flags historically stored in
// the otx.status column are derived from the state through Flags and never
// combined by hand, so illegal combinations cannot be represented. Wire and
// FromWire translate to and from the persisted integer.
package status

import (
	"errors"
	"fmt"
)

// Flags is the derived bit set describing a state.
type Flags uint32

// Individual lifecycle bits. The values match the persisted wire format.
const (
	Queued       Flags = 0x01
	InNetwork    Flags = 0x08
	Deferred     Flags = 0x10
	GasIssues    Flags = 0x20
	LocalError   Flags = 0x100
	NodeError    Flags = 0x200
	NetworkError Flags = 0x400
	UnknownError Flags = 0x800
	Final        Flags = 0x1000
	Obsolete     Flags = 0x2000
	Manual       Flags = 0x8000
)

// Has reports whether every bit in mask is set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Any reports whether at least one bit in mask is set.
func (f Flags) Any(mask Flags) bool { return f&mask != 0 }

// State is a canonical transaction status.
type State int

// Canonical states. The zero value is Pending.
const (
	Pending State = iota
	WaitForGas
	ReadySend
	Sent
	SendFail
	Retry
	Success
	Reverted
	Rejected
	Obsoleted
	Overridden
	Fubar
)

var stateNames = [...]string{
	Pending:    "PENDING",
	WaitForGas: "WAITFORGAS",
	ReadySend:  "READYSEND",
	Sent:       "SENT",
	SendFail:   "SENDFAIL",
	Retry:      "RETRY",
	Success:    "SUCCESS",
	Reverted:   "REVERTED",
	Rejected:   "REJECTED",
	Obsoleted:  "OBSOLETED",
	Overridden: "OVERRIDDEN",
	Fubar:      "FUBAR",
}

var stateFlags = [...]Flags{
	Pending:    0,
	WaitForGas: GasIssues,
	ReadySend:  Queued,
	Sent:       InNetwork,
	SendFail:   Deferred | LocalError,
	Retry:      Queued | Deferred,
	Success:    InNetwork | Final,
	Reverted:   InNetwork | Final | NetworkError,
	Rejected:   NodeError | Final,
	Obsoleted:  Obsolete | Final,
	Overridden: Final | Obsolete | Manual,
	Fubar:      Final | UnknownError,
}

// ErrUnknownState is returned when decoding an unrecognised value.
var ErrUnknownState = errors.New("status: unknown state")

// All returns every canonical state in declaration order.
func All() []State {
	out := make([]State, 0, len(stateNames))
	for s := range stateNames {
		out = append(out, State(s))
	}
	return out
}

// Valid reports whether s is one of the canonical states.
func (s State) Valid() bool { return s >= Pending && int(s) < len(stateNames) }

func (s State) String() string {
	if !s.Valid() {
		return fmt.Sprintf("STATE(%d)", int(s))
	}
	return stateNames[s]
}

// Flags returns the derived bit set for s.
func (s State) Flags() Flags {
	if !s.Valid() {
		return 0
	}
	return stateFlags[s]
}

// Wire returns the persisted integer for s.
func (s State) Wire() int { return int(s.Flags()) }

// FromWire decodes a persisted integer into its canonical state.
func FromWire(v int) (State, error) {
	for i, f := range stateFlags {
		if int(f) == v {
			return State(i), nil
		}
	}
	return Pending, fmt.Errorf("%w: 0x%x", ErrUnknownState, v)
}

// Parse resolves a state name such as "SENT".
func Parse(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return Pending, fmt.Errorf("%w: %q", ErrUnknownState, name)
}

// IsAlive reports whether the transaction has not reached a final state.
func (s State) IsAlive() bool { return !s.Flags().Has(Final) }

// IsTerminal is the negation of IsAlive.
func (s State) IsTerminal() bool { return !s.IsAlive() }

// IsError reports whether the state carries a local or node error.
func (s State) IsError() bool { return s.Flags().Any(LocalError | NodeError) }

// Phase reports the coarse lifecycle phase: -1 while the transaction is
// inactive and unfinalised, 0 while it is in the network, +1 once finalised.
func (s State) Phase() int {
	switch {
	case s.IsTerminal():
		return 1
	case s == Sent:
		return 0
	default:
		return -1
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownState, int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
