package populator

// State is the populator lifecycle position
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConsuming
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConsuming:
		return "consuming"
	case StateDraining:
		return "draining"
	}
	return "unknown"
}

// Outcome is what happened to one message
type Outcome int

const (
	// OutcomeApplied means the graph now reflects the message; ack it
	OutcomeApplied Outcome = iota
	// OutcomeDropped means the message can never succeed; ack it
	OutcomeDropped
	// OutcomeFailed means a retryable store error; requeue or dead-letter
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDropped:
		return "dropped"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}
