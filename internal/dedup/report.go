package dedup

import (
	"context"

	"memvault/internal/catalog"
)

const recentRuns = 10

// Report aggregates the catalog's dedup runs
type Report struct {
	TotalDeduplications  int                 `json:"total_deduplications"`
	TotalDuplicatesFound int                 `json:"total_duplicates_found"`
	TotalMemoriesMerged  int                 `json:"total_memories_merged"`
	TotalTokenSavings    int64               `json:"total_token_savings"`
	ByStatus             map[string]int      `json:"by_status"`
	Recent               []*catalog.DedupRun `json:"recent_deduplications"`
}

// Report summarizes every run. Merged memories and savings count only runs
// that are currently executed; undone runs gave their savings back.
func (e *Engine) Report(ctx context.Context) (*Report, error) {
	runs, err := e.catalog.ListDedupRuns(ctx, 0)
	if err != nil {
		return nil, err
	}

	r := &Report{ByStatus: map[string]int{}, Recent: []*catalog.DedupRun{}}
	for _, run := range runs {
		r.TotalDeduplications++
		r.TotalDuplicatesFound += run.DuplicateCount()
		r.ByStatus[string(run.Status)]++
		if run.Status == catalog.DedupExecuted {
			r.TotalMemoriesMerged += run.MergedCount
			r.TotalTokenSavings += run.TokenSavingsEstimate
		}
	}
	if len(runs) > recentRuns {
		runs = runs[:recentRuns]
	}
	r.Recent = append(r.Recent, runs...)
	return r, nil
}
