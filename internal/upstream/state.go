package upstream

// State is the lifecycle state of the broker link.
type State int32

// Link states. Disconnected is both the initial state and the terminal state
// reached by Close.
const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

// String returns the lowercase state name used in logs and status output.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateHook observes a state transition. Hooks run on the transport's
// callback goroutines, outside the message path, and a panicking hook is
// recovered and logged.
type StateHook func(from, to State)
