package batch

import (
	"strings"

	apperrors "github.com/citation-checker/internal/errors"
)

// ParseCitations splits a submitted text into an ordered citation list.
// When the text contains blank lines, each blank-line separated block is one
// citation and its lines are joined with a space. Otherwise every non-empty
// line is a citation. limit <= 0 disables the size check.
func ParseCitations(text string, limit int) ([]string, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var citations []string
	if hasBlankSeparator(lines) {
		var block []string
		flush := func() {
			if len(block) > 0 {
				citations = append(citations, strings.Join(block, " "))
				block = block[:0]
			}
		}
		for _, line := range lines {
			line = strings.TrimSpace(line)
			if line == "" {
				flush()
				continue
			}
			block = append(block, line)
		}
		flush()
	} else {
		for _, line := range lines {
			if line = strings.TrimSpace(line); line != "" {
				citations = append(citations, line)
			}
		}
	}

	if len(citations) == 0 {
		return nil, apperrors.NewInvalidInputError("citations", "no citations found")
	}
	if limit > 0 && len(citations) > limit {
		return nil, apperrors.NewInvalidInputError("citations", "too many citations in one request")
	}
	return citations, nil
}

// hasBlankSeparator reports whether a blank line sits between two non-empty lines
func hasBlankSeparator(lines []string) bool {
	seenText, pendingBlank := false, false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if seenText {
				pendingBlank = true
			}
			continue
		}
		if pendingBlank {
			return true
		}
		seenText = true
	}
	return false
}
