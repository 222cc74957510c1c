package session

// TurnState tracks one user turn from request to final LOOP
type TurnState int

const (
	// TurnIdle means no request has been sent since the session loaded
	TurnIdle TurnState = iota
	// TurnSent means a request is out and its stream has not started
	TurnSent
	// TurnStreaming means content events are arriving
	TurnStreaming
	// TurnFinished means the turn ended with LOOP{finish:true} or ERROR
	TurnFinished
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnSent:
		return "sent"
	case TurnStreaming:
		return "streaming"
	case TurnFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Busy reports whether input should be disabled
func (s TurnState) Busy() bool {
	return s == TurnSent || s == TurnStreaming
}
