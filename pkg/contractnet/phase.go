package contractnet

// Phase is the state of a round.
type Phase int32

const (
	PhaseInitiating Phase = iota
	PhaseCollecting
	PhaseDeciding
	PhaseAwaitingCompletion
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseInitiating:
		return "initiating"
	case PhaseCollecting:
		return "collecting"
	case PhaseDeciding:
		return "deciding"
	case PhaseAwaitingCompletion:
		return "awaiting_completion"
	case PhaseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// next reports whether the round may move from p to to.
func (p Phase) next(to Phase) bool {
	switch p {
	case PhaseInitiating:
		return to == PhaseCollecting || to == PhaseCompleted
	case PhaseCollecting:
		return to == PhaseDeciding || to == PhaseCompleted
	case PhaseDeciding:
		return to == PhaseAwaitingCompletion || to == PhaseCompleted
	case PhaseAwaitingCompletion:
		return to == PhaseCompleted
	default:
		return false
	}
}
