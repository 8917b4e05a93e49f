// Package chanfsm implements the ChannelFSM of spec.md §4.5: per-channel
// states, attach/detach protocol, mode flags, and reattach-on-resume.
package chanfsm

import "github.com/relaywire/realtime-go/internal/protocol"

// State is a channel state, per spec.md §3/§4.5.
type State int

const (
	Initialized State = iota
	Attaching
	Attached
	Detaching
	Detached
	Suspended
	Failed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	case Detaching:
		return "detaching"
	case Detached:
		return "detached"
	case Suspended:
		return "suspended"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind is an input to the channel FSM, per spec.md §4.5's table.
type EventKind int

const (
	EventAttach EventKind = iota
	EventAttached
	EventError
	EventTimeout
	EventDetach
	EventDetached
	EventSuspend           // from the connection entering Suspended
	EventConnectionConnected
	EventPublish
)

// Event is one input submitted to the channel FSM.
type Event struct {
	Kind  EventKind
	Err   error
	Flags protocol.Flag // set on EventAttached
	reply chan struct{}
}

var transitions = map[State]map[EventKind]State{
	Initialized: {
		EventAttach:  Attaching,
		EventPublish: Attaching, // auto-attach on publish, spec.md §4.5
	},
	Attaching: {
		EventAttached: Attached,
		EventError:    Failed,
		EventTimeout:  Failed,
	},
	Attached: {
		EventDetach:  Detaching,
		EventSuspend: Suspended,
		EventError:   Failed,
		EventPublish: Attached, // queued outbound, no state change
	},
	Detaching: {
		EventDetached: Detached,
	},
	Detached: {
		EventAttach:  Attaching,
		EventPublish: Attaching,
	},
	Suspended: {
		EventConnectionConnected: Attaching, // automatic reattach
	},
	Failed: {
		EventAttach:  Attaching, // caller recovery
		EventPublish: Attaching,
	},
}

func next(from State, kind EventKind) (State, bool) {
	row, ok := transitions[from]
	if !ok {
		return from, false
	}
	to, ok := row[kind]
	if !ok {
		return from, false
	}
	return to, true
}
