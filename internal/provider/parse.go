package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/citation-checker/internal/types"
)

// rawVerdict is one element of the model's answer before validation.
type rawVerdict struct {
	Index      json.RawMessage `json:"index"`
	SourceType string          `json:"source_type"`
	IsValid    json.RawMessage `json:"is_valid"`
	Errors     []rawError      `json:"errors"`
}

type rawError struct {
	Component  string `json:"component"`
	Problem    string `json:"problem"`
	Correction string `json:"correction"`
}

// ParseResponse turns model output into a BatchOutcome for a batch of
// citations. It never fails: elements it cannot read become parse failures at
// their index when the index is known, and whatever follows the last readable
// element is kept as RawUnparsedTail. Indices outside [1, len(citations)] are
// dropped, and the first answer for an index wins.
func ParseResponse(text string, citations []string) *types.BatchOutcome {
	out := types.NewBatchOutcome()
	n := len(citations)

	body := stripFences(text)
	start := strings.IndexByte(body, '[')
	if start < 0 {
		out.RawUnparsedTail = strings.TrimSpace(body)
		return out
	}

	dec := json.NewDecoder(strings.NewReader(body[start:]))
	if _, err := dec.Token(); err != nil {
		out.RawUnparsedTail = strings.TrimSpace(body[start:])
		return out
	}

	for position := 1; dec.More(); position++ {
		var elem json.RawMessage
		offset := dec.InputOffset()
		if err := dec.Decode(&elem); err != nil {
			out.RawUnparsedTail = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(body[start+int(offset):]), ","))
			break
		}

		var raw rawVerdict
		if err := json.Unmarshal(elem, &raw); err != nil {
			// Not an object; only its position identifies it.
			markFailure(out, position, citations)
			continue
		}

		idx, ok := parseIndex(raw.Index, position)
		if !ok || idx < 1 || idx > n {
			continue
		}
		if _, seen := out.Parsed[idx]; seen {
			continue
		}

		valid, ok := parseBool(raw.IsValid)
		if !ok {
			out.Parsed[idx] = types.ParseFailureVerdict(citations[idx-1])
			continue
		}

		errs := make([]types.CitationError, 0, len(raw.Errors))
		for _, e := range raw.Errors {
			if e.Component == "" && e.Problem == "" {
				continue
			}
			errs = append(errs, types.CitationError{
				Component:  strings.TrimSpace(e.Component),
				Problem:    strings.TrimSpace(e.Problem),
				Correction: strings.TrimSpace(e.Correction),
			})
		}

		out.Parsed[idx] = types.Verdict{
			OriginalText: citations[idx-1],
			SourceType:   normalizeSourceType(raw.SourceType),
			IsValid:      valid,
			Errors:       errs,
			ParseStatus:  types.ParseStatusOK,
		}
	}

	return out
}

func markFailure(out *types.BatchOutcome, idx int, citations []string) {
	if idx < 1 || idx > len(citations) {
		return
	}
	if _, seen := out.Parsed[idx]; !seen {
		out.Parsed[idx] = types.ParseFailureVerdict(citations[idx-1])
	}
}

// stripFences removes a surrounding ```json ... ``` block if present.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// parseIndex accepts 3, "3" and "#3". A missing index falls back to the
// element's position in the array.
func parseIndex(raw json.RawMessage, position int) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return position, true
	}

	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		v, err := strconv.Atoi(num.String())
		return v, err == nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	v, err := strconv.Atoi(s)
	return v, err == nil
}

// parseBool accepts JSON booleans and the usual string spellings.
func parseBool(raw json.RawMessage) (bool, bool) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "valid", "yes", "correct":
		return true, true
	case "false", "invalid", "no", "incorrect":
		return false, true
	default:
		return false, false
	}
}

var sourceTypeSynonyms = map[string]string{
	"journal article": "journal",
	"article":         "journal",
	"book chapter":    "chapter",
	"website":         "webpage",
	"web page":        "webpage",
	"web":             "webpage",
}

func normalizeSourceType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if canonical, ok := sourceTypeSynonyms[s]; ok {
		return canonical
	}
	return s
}

// describeOutcome summarizes an outcome for logs.
func describeOutcome(out *types.BatchOutcome, n int) string {
	failures := 0
	for _, v := range out.Parsed {
		if v.ParseStatus == types.ParseStatusFailure {
			failures++
		}
	}
	return fmt.Sprintf("%d/%d parsed, %d unreadable, tail=%d bytes", len(out.Parsed)-failures, n, failures, len(out.RawUnparsedTail))
}
