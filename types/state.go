package types

// State represents the engine lifecycle state.
//
// States follow a fixed progression:
//
//	StateCreated → StateRunning → StateStopping → StateStopped
//
// StateStopped is terminal; a stopped engine cannot be restarted.
type State int32

const (
	// StateCreated is the state after construction and before Start.
	StateCreated State = iota

	// StateRunning indicates background workers are active and requests are accepted.
	StateRunning

	// StateStopping indicates termination was signaled and workers are draining.
	StateStopping

	// StateStopped indicates all workers have exited or their join deadline passed.
	StateStopped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// SweeperState represents the expiration sweeper loop state.
//
//	SweeperIdle → SweeperScanning → SweeperIdle ... → SweeperStopped
//
// SweeperStopped is terminal.
type SweeperState int32

const (
	// SweeperIdle indicates the sweeper is waiting for its next tick.
	SweeperIdle SweeperState = iota

	// SweeperScanning indicates a sweep iteration is in progress.
	SweeperScanning

	// SweeperStopped indicates the loop has exited.
	SweeperStopped
)

// String returns the string representation of the sweeper state.
func (s SweeperState) String() string {
	switch s {
	case SweeperIdle:
		return "Idle"
	case SweeperScanning:
		return "Scanning"
	case SweeperStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}
