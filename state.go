package playback

// State is the session lifecycle state.
type State int

const (
	StateNotInit  State = 0
	StateStarting State = 1
	StateStarted  State = 2
	StateStopping State = 3
	StateStopped  State = 4
	StateSeeking  State = 5
	// StateExited is terminal for the session: the backend's read loop
	// exited and Resume is refused until the next StartPlay.
	StateExited State = 7
)

func (s State) String() string {
	switch s {
	case StateNotInit:
		return "NOT_INIT"
	case StateStarting:
		return "STARTING"
	case StateStarted:
		return "STARTED"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateSeeking:
		return "SEEKING"
	case StateExited:
		return "EXITED"
	default:
		return "UNKNOWN"
	}
}
