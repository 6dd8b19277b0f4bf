package gateway

import "fmt"

// Phase names a connection state.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
	PhaseFailed       Phase = "failed"
)

// ConnectionState is the transport lifecycle state. Attempt is set while
// reconnecting and Reason once failed.
//
// Connected is entered as soon as the socket opens, before pairing has been
// verified; observers that need an authenticated link should also check the
// pairing state.
type ConnectionState struct {
	Phase   Phase
	Attempt int
	Reason  string
}

func Disconnected() ConnectionState { return ConnectionState{Phase: PhaseDisconnected} }
func Connecting() ConnectionState   { return ConnectionState{Phase: PhaseConnecting} }
func Connected() ConnectionState    { return ConnectionState{Phase: PhaseConnected} }

func Reconnecting(attempt int) ConnectionState {
	return ConnectionState{Phase: PhaseReconnecting, Attempt: attempt}
}

func Failed(reason string) ConnectionState {
	return ConnectionState{Phase: PhaseFailed, Reason: reason}
}

// IsConnected reports whether the socket is open.
func (s ConnectionState) IsConnected() bool { return s.Phase == PhaseConnected }

func (s ConnectionState) String() string {
	switch s.Phase {
	case PhaseReconnecting:
		return fmt.Sprintf("reconnecting(attempt=%d)", s.Attempt)
	case PhaseFailed:
		return fmt.Sprintf("failed(%s)", s.Reason)
	case "":
		return string(PhaseDisconnected)
	default:
		return string(s.Phase)
	}
}
