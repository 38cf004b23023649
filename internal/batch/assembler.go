package batch

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/citation-checker/internal/types"
)

// ErrDuplicateIndex is returned when two results claim the same global slot
var ErrDuplicateIndex = errors.New("duplicate global index")

// ErrIndexOutOfRange is returned for a result outside [0, size)
var ErrIndexOutOfRange = errors.New("global index out of range")

// Assembler collects reconciled results from concurrently completing batches.
// Slots are addressed by global index, so the final order does not depend on
// the order batches finish in.
type Assembler struct {
	mu    sync.Mutex
	size  int
	slots map[int]types.CitationResult
}

// NewAssembler creates an assembler for global indices [0, size)
func NewAssembler(size int) *Assembler {
	return &Assembler{
		size:  size,
		slots: make(map[int]types.CitationResult, size),
	}
}

// Add stores results. Either all of them are stored or none are.
func (a *Assembler) Add(results []types.CitationResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[int]struct{}, len(results))
	for _, r := range results {
		if r.GlobalIndex < 0 || r.GlobalIndex >= a.size {
			return fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, r.GlobalIndex, a.size)
		}
		if _, dup := a.slots[r.GlobalIndex]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateIndex, r.GlobalIndex)
		}
		if _, dup := seen[r.GlobalIndex]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateIndex, r.GlobalIndex)
		}
		seen[r.GlobalIndex] = struct{}{}
	}
	for _, r := range results {
		a.slots[r.GlobalIndex] = r
	}
	return nil
}

// Results returns the filled slots sorted by global index
func (a *Assembler) Results() []types.CitationResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.CitationResult, 0, len(a.slots))
	for _, r := range a.slots {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GlobalIndex < out[j].GlobalIndex })
	return out
}

// Missing enumerates the global indices that hold no result yet
func (a *Assembler) Missing() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var missing []int
	for i := 0; i < a.size; i++ {
		if _, ok := a.slots[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Counts tallies filled slots by parse status
func (a *Assembler) Counts() map[types.ParseStatus]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	counts := make(map[types.ParseStatus]int)
	for _, r := range a.slots {
		counts[r.ParseStatus]++
	}
	return counts
}
