package client

import "fmt"

// State is the client-side negotiation state.
type State int

const (
	StateOff State = iota
	StateWaitResponse
	StateWait
	StateInformed
	StateNegoing
	StateEnd
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "OFF"
	case StateWaitResponse:
		return "WAIT_RESPONSE"
	case StateWait:
		return "WAIT"
	case StateInformed:
		return "INFORMED"
	case StateNegoing:
		return "NEGOING"
	case StateEnd:
		return "END"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome is how a negotiation round finished.
type Outcome int

const (
	OutcomeAccepted Outcome = iota + 1
	OutcomeDeclined
	OutcomeSynchronized
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeDeclined:
		return "declined"
	case OutcomeSynchronized:
		return "synchronized"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result summarises one negotiation or synchronization.
type Result struct {
	Outcome Outcome
	// Value is the committed value; nil when declined.
	Value  []byte
	Rounds int
}
