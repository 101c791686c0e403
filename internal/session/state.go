package session

import "fmt"

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Streaming
	Backoff
	Terminated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Streaming:
		return "streaming"
	case Backoff:
		return "backoff"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Event int

const (
	EventScan Event = iota
	EventConnected
	EventConnectFailed
	EventSubscribed
	EventSubscribeFailed
	EventLinkLost
	EventMalformedLimit
	EventBackoffElapsed
	EventShutdown
)

func (e Event) String() string {
	switch e {
	case EventScan:
		return "scan"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect_failed"
	case EventSubscribed:
		return "subscribed"
	case EventSubscribeFailed:
		return "subscribe_failed"
	case EventLinkLost:
		return "link_lost"
	case EventMalformedLimit:
		return "malformed_limit"
	case EventBackoffElapsed:
		return "backoff_elapsed"
	case EventShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// ErrInvalidTransition is returned for an event the current state does not accept.
type ErrInvalidTransition struct {
	From  State
	Event Event
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("session: %s does not accept %s", e.From, e.Event)
}

var transitions = map[State]map[Event]State{
	Disconnected: {
		EventScan:     Connecting,
		EventShutdown: Terminated,
	},
	Connecting: {
		EventConnected:     Connected,
		EventConnectFailed: Backoff,
		EventShutdown:      Terminated,
	},
	Connected: {
		EventSubscribed:      Streaming,
		EventSubscribeFailed: Backoff,
		EventLinkLost:        Backoff,
		EventShutdown:        Terminated,
	},
	Streaming: {
		EventLinkLost:       Backoff,
		EventMalformedLimit: Backoff,
		EventShutdown:       Terminated,
	},
	Backoff: {
		EventBackoffElapsed: Connecting,
		EventShutdown:       Terminated,
	},
}

// Transition is the whole lifecycle table. Terminated accepts nothing.
func Transition(from State, ev Event) (State, error) {
	if next, ok := transitions[from][ev]; ok {
		return next, nil
	}
	return from, &ErrInvalidTransition{From: from, Event: ev}
}
