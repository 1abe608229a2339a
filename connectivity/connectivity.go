// Package connectivity defines the connectivity states reported by
// subchannels and channels.
package connectivity

import "fmt"

// State indicates the connectivity state of a channel or subchannel.
type State int

const (
	// Idle means no connection exists and none is being established.
	Idle State = iota
	// Connecting means a connection attempt is in progress.
	Connecting
	// Ready means a connection is established and usable.
	Ready
	// TransientFailure means the most recent connection attempt failed.
	// A subchannel does not retry on its own; it leaves this state only
	// when Connect is called again.
	TransientFailure
	// Shutdown means the component has been closed. Terminal.
	Shutdown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case TransientFailure:
		return "TRANSIENT_FAILURE"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}
