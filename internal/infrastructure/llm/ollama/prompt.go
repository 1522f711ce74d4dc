package ollama

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
)

const maxPromptQueryRunes = 1000

func buildDomainClassificationPrompt(query string, domains []domain.Domain) string {
	labels := make([]string, 0, len(domains))
	for _, d := range domains {
		labels = append(labels, d.String())
	}

	return fmt.Sprintf(`You route questions to a knowledge domain.
Allowed domains: %s
Reply with exactly one domain from the list and nothing else.

Question:
%s
`, strings.Join(labels, ", "), truncateRunes(query, maxPromptQueryRunes))
}

func buildExpansionPrompt(query string, n int) string {
	return fmt.Sprintf(`Rewrite the search query below in %d different ways that keep its meaning.
Return one rewrite per line, without numbering or commentary.

Query:
%s
`, n, truncateRunes(query, maxPromptQueryRunes))
}

// parseParaphrases keeps up to n non-empty lines, stripping list markers and
// quotes the model may add.
func parseParaphrases(raw string, n int) []string {
	out := make([]string, 0, n)
	for _, line := range strings.Split(raw, "\n") {
		line = stripListMarker(strings.TrimSpace(line))
		line = strings.TrimSpace(strings.Trim(line, `"'`))
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == n {
			break
		}
	}
	return out
}

// stripListMarker removes "-", "*" or "12." / "12)" prefixes.
func stripListMarker(line string) string {
	for _, bullet := range []string{"-", "*", "•"} {
		if strings.HasPrefix(line, bullet) {
			return strings.TrimSpace(strings.TrimPrefix(line, bullet))
		}
	}
	digits := strings.IndexFunc(line, func(r rune) bool { return !unicode.IsDigit(r) })
	if digits > 0 && (line[digits] == '.' || line[digits] == ')') {
		return strings.TrimSpace(line[digits+1:])
	}
	return line
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
