// Package batch splits an ordered citation list into provider-sized batches
// and reconciles each batch's answer back into global positions.
package batch

import (
	"fmt"

	"github.com/citation-checker/internal/types"
)

// Batch is a contiguous slice of the submitted list sent in one provider call
type Batch struct {
	ID         int      // position of the batch in split order
	StartIndex int      // global index of Citations[0]
	Citations  []string // local index i+1 is global StartIndex+i
}

// Len returns the number of citations in the batch
func (b Batch) Len() int {
	return len(b.Citations)
}

// End returns the global index one past the last citation
func (b Batch) End() int {
	return b.StartIndex + len(b.Citations)
}

func (b Batch) String() string {
	return fmt.Sprintf("batch %d [%d,%d)", b.ID, b.StartIndex, b.End())
}

// Split cuts citations into batches of at most size elements. Each batch
// starts at the running offset of the batches before it, so the global
// position of every citation is fixed before anything is dispatched.
func Split(citations []string, size int) []Batch {
	if size <= 0 {
		size = 1
	}
	batches := make([]Batch, 0, (len(citations)+size-1)/size)
	for start := 0; start < len(citations); start += size {
		end := start + size
		if end > len(citations) {
			end = len(citations)
		}
		batches = append(batches, Batch{
			ID:         len(batches),
			StartIndex: start,
			Citations:  citations[start:end],
		})
	}
	return batches
}

// Reconcile maps an outcome's local indices onto global ones. It is total over
// the batch: every local index in [1, Len()] yields exactly one result, and
// slots the provider left unanswered become parse failures. Parsed entries
// outside the batch range are ignored.
func Reconcile(b Batch, outcome *types.BatchOutcome) []types.CitationResult {
	results := make([]types.CitationResult, 0, b.Len())
	for local := 1; local <= b.Len(); local++ {
		original := b.Citations[local-1]

		var v types.Verdict
		parsed, ok := lookup(outcome, local)
		if ok {
			v = parsed
			v.OriginalText = original
			if v.Errors == nil {
				v.Errors = []types.CitationError{}
			}
			if v.ParseStatus == "" {
				v.ParseStatus = types.ParseStatusOK
			}
		} else {
			v = types.ParseFailureVerdict(original)
		}

		results = append(results, types.CitationResult{
			GlobalIndex: b.StartIndex + local - 1,
			Verdict:     v,
		})
	}
	return results
}

func lookup(outcome *types.BatchOutcome, local int) (types.Verdict, bool) {
	if outcome == nil || outcome.Parsed == nil {
		return types.Verdict{}, false
	}
	v, ok := outcome.Parsed[local]
	return v, ok
}

// NotAttempted marks every slot of a batch that no provider could serve.
func NotAttempted(b Batch) []types.CitationResult {
	results := make([]types.CitationResult, 0, b.Len())
	for i, c := range b.Citations {
		results = append(results, types.CitationResult{
			GlobalIndex: b.StartIndex + i,
			Verdict:     types.NotAttemptedVerdict(c),
		})
	}
	return results
}
