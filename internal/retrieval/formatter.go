package retrieval

import (
	"strings"

	"github.com/reverie-ai/reverie/pkg/memory"
)

// Section headers the downstream prompt template splits on. Changing them
// breaks position-based parsing in the chat-serving layer.
const (
	factsHeader    = "=== Known Facts ==="
	snippetsHeader = "=== Relevant Past Conversations ==="
	snippetDivider = "---"
)

// FormatContext renders retrieval results as the memory block prepended to
// the companion prompt. Facts come first because they are authoritative;
// snippet texts follow verbatim, never blended with fact values. Empty
// sections are omitted; no results yields an empty string.
func FormatContext(facts []memory.Fact, snippets []memory.SnippetResult) string {
	var b strings.Builder

	if len(facts) > 0 {
		b.WriteString(factsHeader)
		b.WriteString("\n")
		for _, f := range facts {
			b.WriteString("- ")
			b.WriteString(f.Key)
			b.WriteString(": ")
			b.WriteString(f.Value)
			b.WriteString("\n")
		}
	}

	if len(snippets) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(snippetsHeader)
		b.WriteString("\n")
		for i, s := range snippets {
			if i > 0 {
				b.WriteString(snippetDivider)
				b.WriteString("\n")
			}
			b.WriteString(s.Snippet.Content)
			b.WriteString("\n")
		}
	}

	return b.String()
}
