package coordinator

// Stage is the position of one submission attempt in the escrow-lock handshake.
type Stage int

const (
	StageIdle Stage = iota
	StageCheckingNetwork
	StageAwaitingSignature
	StageLocking
	StageLocked
	StagePersisting
	StageComplete
	StageFailed
)

var stageNames = map[Stage]string{
	StageIdle:              "idle",
	StageCheckingNetwork:   "checking_network",
	StageAwaitingSignature: "awaiting_signature",
	StageLocking:           "locking",
	StageLocked:            "locked",
	StagePersisting:        "persisting",
	StageComplete:          "complete",
	StageFailed:            "failed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transition can happen.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// HasTransaction reports whether a confirmed lock hash belongs to this stage.
func (s Stage) HasTransaction() bool {
	return s == StageLocked || s == StagePersisting || s == StageComplete
}

// allowedTransitions lists every legal edge. Failure is reachable from every
// non-terminal stage except locked, which always moves on to persisting.
var allowedTransitions = map[Stage][]Stage{
	StageIdle:              {StageCheckingNetwork, StageFailed},
	StageCheckingNetwork:   {StageAwaitingSignature, StageFailed},
	StageAwaitingSignature: {StageLocking, StageFailed},
	StageLocking:           {StageLocked, StageFailed},
	StageLocked:            {StagePersisting},
	StagePersisting:        {StageComplete, StageFailed},
	StageComplete:          {},
	StageFailed:            {},
}

// CanTransition checks whether from -> to is a legal edge.
func CanTransition(from, to Stage) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
