package crown

import "github.com/cmux-dev/cmux-crown/controlplane"

// Mode classifies how winner selection proceeds. It is chosen once at
// pipeline entry so the single-vs-multi decision is never re-derived.
type Mode int

const (
	// ModeMultiRun compares completed candidates through the oracle.
	ModeMultiRun Mode = iota
	// ModeSingleRun short-circuits to the lone eligible run; the oracle is
	// never called.
	ModeSingleRun
)

func (m Mode) String() string {
	if m == ModeSingleRun {
		return "single-run"
	}
	return "multi-run"
}

// Entry classifies what triggered this pipeline entry.
type Entry int

const (
	// EntryInitial is the evaluation triggered by run completion.
	EntryInitial Entry = iota
	// EntryRetry is a user-triggered re-run from the error state.
	EntryRetry
	// EntryRefresh is a user-triggered re-run from the succeeded state,
	// for when the underlying GitHub state changed after evaluation.
	EntryRefresh
)

func (e Entry) String() string {
	switch e {
	case EntryRetry:
		return "retry"
	case EntryRefresh:
		return "refresh"
	default:
		return "initial"
	}
}

// classifyMode picks the evaluation mode from the crown-check snapshot.
func classifyMode(check *controlplane.CrownCheckResponse) Mode {
	if check.SingleRunWinner != "" {
		return ModeSingleRun
	}
	return ModeMultiRun
}
