package crown

// OutcomeKind tags the result of one coordinator entry. Every stage of the
// pipeline returns one of these instead of signalling through nested
// conditionals, so retry and refresh can re-enter at a well-defined point.
type OutcomeKind int

const (
	// OutcomeDeferred means nothing was decided and nothing was mutated:
	// siblings are still running, another worker holds the lock, or the
	// control plane was unreachable. Expected to be re-triggered later.
	OutcomeDeferred OutcomeKind = iota
	// OutcomeExisting means an evaluation already existed and its winner
	// was returned without recomputation.
	OutcomeExisting
	// OutcomeWinner means this entry selected and finalized a winner.
	OutcomeWinner
	// OutcomeFallback means this entry finalized without a winner.
	OutcomeFallback
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeExisting:
		return "existing"
	case OutcomeWinner:
		return "winner"
	case OutcomeFallback:
		return "fallback"
	default:
		return "deferred"
	}
}

// Outcome is the result of one coordinator entry.
type Outcome struct {
	Kind        OutcomeKind
	WinnerRunID string
	Reason      string
	Note        string
}

func deferred(note string) *Outcome {
	return &Outcome{Kind: OutcomeDeferred, Note: note}
}

func fallback(reason, note string) *Outcome {
	return &Outcome{Kind: OutcomeFallback, Reason: reason, Note: note}
}
