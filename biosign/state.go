package biosign

// Phase is the position of the orchestrator in the ceremony state machine.
//
//	IDLE -> WAITING_AUTH -> SIGNING -> DONE (signed or sign error)
//	             |  ^
//	             v  | failed attempt below the limit
//	           CLOSED (limit reached, gate error or cancellation)
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWaitingAuth
	PhaseSigning
	PhaseDone
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseWaitingAuth:
		return "WAITING_AUTH"
	case PhaseSigning:
		return "SIGNING"
	case PhaseDone:
		return "DONE"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Snapshot is a point-in-time copy of the ceremony state.
type Snapshot struct {
	Phase Phase
	// Token is the most recently issued ceremony token.
	Token uint64
	// Failures counts failed attempts of the current request.
	Failures int
}
