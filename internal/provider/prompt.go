package provider

import (
	"fmt"
	"strings"
)

const systemPrompt = `You check bibliographic citations against a citation style guide.
Answer with JSON only, no prose and no markdown.`

// BuildPrompt renders one batch as a numbered list. Numbers are 1-based and
// are the local indices the response must refer back to.
func BuildPrompt(citations []string, style string) string {
	if style == "" {
		style = "apa7"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Style: %s\n", style)
	fmt.Fprintf(&b, "Validate each of the %d citations below.\n", len(citations))
	b.WriteString(`Return an object {"results": [...]} with one element per citation:
{"index": <number from the list>, "source_type": "<journal|book|chapter|webpage|report|other>",
 "is_valid": <true|false>, "errors": [{"component": "...", "problem": "...", "correction": "..."}]}
Use an empty errors array for valid citations. Do not skip or merge citations.

`)
	for i, c := range citations {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(c))
	}
	return b.String()
}
