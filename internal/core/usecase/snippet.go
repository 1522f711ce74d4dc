package usecase

import (
	"strings"
	"unicode"
)

const ellipsis = "…"

type tokenSpan struct {
	start int
	end   int
	text  string
}

// tokenSpans lowercases runes and returns letter/digit runs with their rune
// offsets.
func tokenSpans(runes []rune) []tokenSpan {
	spans := make([]tokenSpan, 0, 16)
	start := -1
	var b strings.Builder
	flush := func(end int) {
		if start >= 0 {
			spans = append(spans, tokenSpan{start: start, end: end, text: b.String()})
			b.Reset()
			start = -1
		}
	}
	for i, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		flush(i)
	}
	flush(len(runes))
	return spans
}

func queryTokenSet(query string) map[string]struct{} {
	spans := tokenSpans([]rune(query))
	out := make(map[string]struct{}, len(spans))
	for _, span := range spans {
		out[span.text] = struct{}{}
	}
	return out
}

// buildSnippet returns at most maxRunes runes of text, choosing the window
// with the most query-term hits and marking cut edges with an ellipsis.
func buildSnippet(text string, queryTokens map[string]struct{}, maxRunes int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if maxRunes <= 0 || len(runes) <= maxRunes {
		return text
	}

	if maxRunes <= 2 {
		return string(runes[:maxRunes])
	}
	window := maxRunes - 2

	spans := tokenSpans(runes)
	bestStart, bestHits := 0, 0
	right, hits := 0, 0
	for left := range spans {
		for right < len(spans) && spans[right].end-spans[left].start <= window {
			if _, ok := queryTokens[spans[right].text]; ok {
				hits++
			}
			right++
		}
		if hits > bestHits {
			bestHits = hits
			bestStart = spans[left].start
		}
		if right > left {
			if _, ok := queryTokens[spans[left].text]; ok {
				hits--
			}
		} else {
			right = left + 1
		}
	}

	end := bestStart + window
	if end > len(runes) {
		end = len(runes)
		bestStart = max(0, end-window)
	}

	snippet := strings.TrimSpace(string(runes[bestStart:end]))
	if bestStart > 0 {
		snippet = ellipsis + snippet
	}
	if end < len(runes) {
		snippet += ellipsis
	}
	return snippet
}
