package types

// CitationError describes a single problem found in a citation
type CitationError struct {
	Component  string `json:"component"`            // e.g. "title", "authors", "doi"
	Problem    string `json:"problem"`              // what is wrong
	Correction string `json:"correction,omitempty"` // suggested fix
}

// Verdict is a provider's answer for one citation, before it is placed at a global position
type Verdict struct {
	OriginalText string          `json:"original_text"`
	SourceType   string          `json:"source_type,omitempty"`
	IsValid      bool            `json:"is_valid"`
	Errors       []CitationError `json:"errors"`
	ParseStatus  ParseStatus     `json:"parse_status"`
}

// CitationResult is a verdict anchored to the citation's position in the submitted list
type CitationResult struct {
	GlobalIndex int `json:"global_index"`
	Verdict
}

// BatchOutcome is what a provider adapter returns for one batch.
// Parsed is keyed by 1-based local index and never holds indices outside
// [1, len(batch)]. Indices the provider did not answer are simply absent.
type BatchOutcome struct {
	Parsed          map[int]Verdict `json:"parsed"`
	RawUnparsedTail string          `json:"raw_unparsed_tail,omitempty"`
}

// NewBatchOutcome returns an empty outcome ready to be filled.
func NewBatchOutcome() *BatchOutcome {
	return &BatchOutcome{Parsed: make(map[int]Verdict)}
}

// ParseFailureVerdict builds the verdict recorded for a slot the provider did not answer.
func ParseFailureVerdict(original string) Verdict {
	return Verdict{
		OriginalText: original,
		Errors:       []CitationError{},
		ParseStatus:  ParseStatusFailure,
	}
}

// NotAttemptedVerdict builds the verdict recorded for a slot whose batch never reached a provider.
func NotAttemptedVerdict(original string) Verdict {
	return Verdict{
		OriginalText: original,
		Errors:       []CitationError{},
		ParseStatus:  ParseStatusNotAttempted,
	}
}
