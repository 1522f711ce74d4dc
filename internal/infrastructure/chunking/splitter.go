package chunking

import (
	"strings"
	"unicode"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
)

// Splitter cuts text into fixed-size rune windows with overlap. Offsets are
// rune positions in the original text so chunk ids stay stable across
// re-ingestion of unchanged content.
type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 900
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{
		ChunkSize: chunkSize,
		Overlap:   overlap,
	}
}

func (s *Splitter) Split(text string) []domain.Segment {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := s.ChunkSize - s.Overlap
	if step <= 0 {
		step = s.ChunkSize
	}

	out := make([]domain.Segment, 0, len(runes)/step+1)
	for start := 0; start < len(runes); start += step {
		end := start + s.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		window := runes[start:end]
		lead := 0
		for lead < len(window) && unicode.IsSpace(window[lead]) {
			lead++
		}
		chunk := strings.TrimRightFunc(string(window[lead:]), unicode.IsSpace)
		if chunk != "" {
			out = append(out, domain.Segment{Offset: start + lead, Text: chunk})
		}
		if end == len(runes) {
			break
		}
	}
	return out
}
