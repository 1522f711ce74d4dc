package usecase

import (
	"strings"
	"testing"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
)

func TestRerankWithFeedbackStableOnTies(t *testing.T) {
	hits := []domain.SearchHit{
		{ChunkID: "b", Score: 0.5},
		{ChunkID: "a", Score: 0.5},
		{ChunkID: "c", Score: 0.5},
	}
	ranked := rerankWithFeedback(hits, nil, 0.1)
	var order []string
	for _, c := range ranked {
		order = append(order, c.hit.ChunkID)
	}
	if strings.Join(order, "") != "bac" {
		t.Fatalf("ties must keep first-seen order, got %v", order)
	}
}

func TestRerankIsMonotonicInFeedbackScore(t *testing.T) {
	hits := []domain.SearchHit{
		{ChunkID: "x", Score: 0.70},
		{ChunkID: "y", Score: 0.74},
		{ChunkID: "z", Score: 0.66},
	}
	rankOf := func(ranked []rankedCandidate, id string) int {
		for i, c := range ranked {
			if c.hit.ChunkID == id {
				return i
			}
		}
		return -1
	}

	prev := len(hits)
	for up := int64(0); up <= 5; up++ {
		aggregates := map[string]domain.FeedbackAggregate{
			"x": domain.NewFeedbackAggregate("x", "it", up, 5-up),
			"y": domain.NewFeedbackAggregate("y", "it", 1, 1),
		}
		rank := rankOf(rerankWithFeedback(hits, aggregates, 0.1), "x")
		if rank > prev {
			t.Fatalf("rank of x worsened from %d to %d at %d upvotes", prev, rank, up)
		}
		prev = rank
	}
	if prev != 0 {
		t.Fatalf("fully upvoted x should lead, got rank %d", prev)
	}
}

func TestMergeVariantHitsKeepsBestChunkAtFirstPosition(t *testing.T) {
	merged := mergeVariantHits([][]domain.SearchHit{
		{{ChunkID: "a1", DocumentID: "a", Score: 0.4}, {ChunkID: "b1", DocumentID: "b", Score: 0.6}},
		nil,
		{{ChunkID: "b2", DocumentID: "b", Score: 0.5}, {ChunkID: "a2", DocumentID: "a", Score: 0.9}},
	})
	if len(merged) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(merged))
	}
	if merged[0].ChunkID != "a2" || merged[1].ChunkID != "b1" {
		t.Fatalf("unexpected merge: %+v", merged)
	}
}

func TestApplyRelevanceFloor(t *testing.T) {
	hits := []domain.SearchHit{{ChunkID: "a", Score: 0.1}, {ChunkID: "b", Score: 0.2}, {ChunkID: "c", Score: 0.3}}
	kept := applyRelevanceFloor(hits, 0.2)
	if len(kept) != 2 || kept[0].ChunkID != "b" {
		t.Fatalf("unexpected floor result: %+v", kept)
	}
	if len(applyRelevanceFloor(hits, 0)) != 3 {
		t.Fatalf("zero floor must keep everything")
	}
}

func TestQueryFingerprintIsStable(t *testing.T) {
	a := queryFingerprint("hr", "Parental Leave", 5, domain.Filters{"region": "eu", "lang": "en"})
	b := queryFingerprint("hr", "parental leave", 5, domain.Filters{"lang": "en", "region": "eu"})
	if a != b {
		t.Fatalf("fingerprint must ignore case and filter order")
	}
	if a == queryFingerprint("it", "parental leave", 5, domain.Filters{"lang": "en", "region": "eu"}) {
		t.Fatalf("fingerprint must depend on domain")
	}
	if a == queryFingerprint("hr", "parental leave", 6, domain.Filters{"lang": "en", "region": "eu"}) {
		t.Fatalf("fingerprint must depend on top_k")
	}
	if normalizeQuery("  Parental \t leave\n") != "Parental leave" {
		t.Fatalf("unexpected normalization")
	}
}

func TestBuildSnippetPicksDensestWindow(t *testing.T) {
	text := strings.Repeat("filler ", 40) + "the vpn certificate expired so vpn login fails " + strings.Repeat("tail ", 40)
	snippet := buildSnippet(text, queryTokenSet("VPN certificate"), 60)

	if n := len([]rune(snippet)); n > 60 {
		t.Fatalf("snippet exceeds limit: %d runes", n)
	}
	if !strings.Contains(snippet, "vpn certificate") {
		t.Fatalf("snippet missed the densest span: %q", snippet)
	}
	if !strings.HasPrefix(snippet, ellipsis) || !strings.HasSuffix(snippet, ellipsis) {
		t.Fatalf("expected ellipsis markers on both sides: %q", snippet)
	}
}

func TestBuildSnippetShortTextUnchanged(t *testing.T) {
	if got := buildSnippet("  short   text ", nil, 240); got != "short text" {
		t.Fatalf("unexpected snippet %q", got)
	}
	if got := buildSnippet("no matches here at all", queryTokenSet("zzz"), 10); !strings.HasPrefix(got, "no") || !strings.HasSuffix(got, ellipsis) {
		t.Fatalf("expected leading window without hits, got %q", got)
	}
}
