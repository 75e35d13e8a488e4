package crown

import (
	"context"
	"sync"

	"github.com/cmux-dev/cmux-crown/controlplane"
	"github.com/cmux-dev/cmux-crown/git"
	"github.com/cmux-dev/cmux-crown/logger"
)

// Candidate is one agent attempt's diff and branch, rebuilt from scratch on
// every evaluation attempt and discarded afterwards. It is never persisted.
type Candidate struct {
	RunID     string
	AgentName string
	GitDiff   string
	NewBranch string
}

// HasChanges reports whether the candidate's diff contains actual changes.
func (c *Candidate) HasChanges() bool {
	return c.GitDiff != "" && c.GitDiff != git.NoChangesDetected
}

// DiffSource computes a fresh base→head diff for a candidate.
type DiffSource interface {
	Collect(ctx context.Context, baseBranch, headBranch string) (string, error)
}

// collectCandidates builds candidates for the given runs in parallel. A
// per-candidate collection failure excludes that candidate rather than
// failing the evaluation; the surviving candidates keep the input order.
func collectCandidates(ctx context.Context, diffs DiffSource, baseBranch string, runs []controlplane.TaskRun) []Candidate {
	log := logger.WithComponent("crown")

	results := make([]*Candidate, len(runs))
	var wg sync.WaitGroup
	for i, run := range runs {
		wg.Add(1)
		go func(i int, run controlplane.TaskRun) {
			defer wg.Done()

			diff, err := diffs.Collect(ctx, baseBranch, run.NewBranch)
			if err != nil {
				log.Warn("diff collection failed, excluding candidate",
					"runId", run.ID, "base", baseBranch, "head", run.NewBranch, "error", err)
				return
			}
			results[i] = &Candidate{
				RunID:     run.ID,
				AgentName: run.AgentName,
				GitDiff:   diff,
				NewBranch: run.NewBranch,
			}
		}(i, run)
	}
	wg.Wait()

	candidates := make([]Candidate, 0, len(runs))
	for _, c := range results {
		if c != nil {
			candidates = append(candidates, *c)
		}
	}
	return candidates
}
