package session

// State is the connection state of the current room.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

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

// Status is the coarse connection status shown to users.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Status folds Reconnecting into connecting.
func (s State) Status() Status {
	switch s {
	case Connected:
		return StatusConnected
	case Connecting, Reconnecting:
		return StatusConnecting
	default:
		return StatusDisconnected
	}
}
