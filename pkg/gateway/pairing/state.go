// Package pairing drives the device authorisation handshake with the gateway.
package pairing

import "fmt"

// Phase names a pairing state.
type Phase string

const (
	PhaseUnpaired        Phase = "unpaired"
	PhasePendingApproval Phase = "pending_approval"
	PhasePaired          Phase = "paired"
	PhaseFailed          Phase = "failed"
)

// Failure reasons surfaced to the user.
const (
	ReasonRejected        = "Pairing rejected"
	ReasonExpired         = "Pairing request expired"
	ReasonTimedOut        = "Pairing timed out"
	ReasonInvalidResponse = "Invalid pairing response"
)

// State is the current pairing state. Code and RequestID are set while
// pending approval, Token once paired, Reason once failed.
type State struct {
	Phase     Phase
	Code      string
	RequestID string
	Token     string
	Reason    string
}

// Unpaired is the state of a device without a token.
func Unpaired() State { return State{Phase: PhaseUnpaired} }

// PendingApproval is the state while an operator has yet to approve code.
func PendingApproval(code, requestID string) State {
	return State{Phase: PhasePendingApproval, Code: code, RequestID: requestID}
}

// Paired is the state of a device holding token.
func Paired(token string) State { return State{Phase: PhasePaired, Token: token} }

// Failed is a terminal pairing failure awaiting user retry.
func Failed(reason string) State { return State{Phase: PhaseFailed, Reason: reason} }

// IsPaired reports whether non-pairing RPCs are meaningful.
func (s State) IsPaired() bool { return s.Phase == PhasePaired }

func (s State) String() string {
	switch s.Phase {
	case PhasePendingApproval:
		return fmt.Sprintf("pending_approval(code=%s)", s.Code)
	case PhaseFailed:
		return fmt.Sprintf("failed(%s)", s.Reason)
	case "":
		return string(PhaseUnpaired)
	default:
		return string(s.Phase)
	}
}
