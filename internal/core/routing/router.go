// Package routing classifies queries into knowledge domains: a lexical pass
// over a per-domain vocabulary, with an LLM classifier for weak or
// cross-domain matches.
package routing

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
	"github.com/kirillkom/domain-retrieval/internal/core/ports"
)

const (
	defaultConfidenceThreshold  = 0.4
	defaultClassifierConfidence = 0.75
	fallbackConfidence          = 0.1
	hintConfidence              = 1.0
)

var conjunctions = map[string]struct{}{
	"and":    {},
	"or":     {},
	"vs":     {},
	"versus": {},
	"plus":   {},
}

type Config struct {
	ConfidenceThreshold  float64
	ClassifierConfidence float64
}

type Router struct {
	domains    domain.DomainSet
	vocab      Vocabulary
	classifier ports.DomainClassifier
	cfg        Config
}

// New builds a router. classifier may be nil, in which case only the
// lexical stage runs.
func New(domains domain.DomainSet, vocab Vocabulary, classifier ports.DomainClassifier, cfg Config) *Router {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = defaultConfidenceThreshold
	}
	if cfg.ClassifierConfidence <= 0 {
		cfg.ClassifierConfidence = defaultClassifierConfidence
	}
	scoped := make(Vocabulary, len(vocab))
	for d, terms := range vocab {
		if domains.Contains(d) {
			scoped[d] = terms
		}
	}
	return &Router{
		domains:    domains,
		vocab:      scoped,
		classifier: classifier,
		cfg:        cfg,
	}
}

// Resolve honors a caller-supplied hint and routes otherwise. An unknown hint
// is a validation error.
func (r *Router) Resolve(ctx context.Context, query, hint string) (domain.RankedDomains, error) {
	if strings.TrimSpace(hint) == "" {
		return r.Route(ctx, query), nil
	}
	d, err := r.domains.Validate(hint)
	if err != nil {
		return nil, err
	}
	return domain.RankedDomains{{Domain: d, Confidence: hintConfidence}}, nil
}

// Route never fails; ambiguous input yields general at low confidence.
func (r *Router) Route(ctx context.Context, query string) domain.RankedDomains {
	ctx, span := otel.Tracer("retrieval").Start(ctx, "route")
	defer span.End()

	tokens := tokenize(query)
	ranked := r.keywordRanking(tokens)

	if r.classifier != nil && r.needsClassifier(ranked, tokens, query) {
		if label, ok := r.classify(ctx, query); ok {
			ranked = promote(ranked, label, r.cfg.ClassifierConfidence)
			span.SetAttributes(attribute.Bool("route.classifier", true))
		}
	}

	ranked = withGeneral(ranked)
	span.SetAttributes(
		attribute.String("route.domain", ranked.Primary().String()),
		attribute.Float64("route.confidence", ranked[0].Confidence),
	)
	return ranked
}

func (r *Router) keywordRanking(tokens []string) domain.RankedDomains {
	if len(tokens) == 0 {
		return nil
	}
	hits := make(map[domain.Domain]int, len(r.vocab))
	total := 0
	for d, terms := range r.vocab {
		if n := countHits(tokens, terms); n > 0 {
			hits[d] = n
			total += n
		}
	}
	if total == 0 {
		return nil
	}

	ranked := make(domain.RankedDomains, 0, len(hits))
	for _, d := range r.domains.List() {
		n, ok := hits[d]
		if !ok {
			continue
		}
		share := float64(n) / float64(total)
		strength := float64(n) / float64(n+1)
		ranked = append(ranked, domain.DomainScore{Domain: d, Confidence: share * strength})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})
	return ranked
}

func (r *Router) needsClassifier(ranked domain.RankedDomains, tokens []string, query string) bool {
	if len(ranked) == 0 || ranked[0].Confidence < r.cfg.ConfidenceThreshold {
		return true
	}
	return len(ranked) >= 2 && hasConjunction(tokens, query)
}

func (r *Router) classify(ctx context.Context, query string) (domain.Domain, bool) {
	raw, err := r.classifier.Classify(ctx, query, r.domains.List())
	if err != nil {
		slog.Warn("route_classifier_fallback", "reason", "classifier_error", "error", err)
		return "", false
	}
	label := parseLabel(raw)
	if !r.domains.Contains(label) {
		slog.Warn("route_classifier_fallback", "reason", "out_of_set", "label", raw)
		return "", false
	}
	return label, true
}

// promote puts label first with at least the classifier confidence and keeps
// the remaining keyword candidates in order.
func promote(ranked domain.RankedDomains, label domain.Domain, classifierConfidence float64) domain.RankedDomains {
	confidence := classifierConfidence
	if len(ranked) > 0 && ranked[0].Confidence > confidence {
		confidence = ranked[0].Confidence
	}
	out := make(domain.RankedDomains, 0, len(ranked)+1)
	out = append(out, domain.DomainScore{Domain: label, Confidence: confidence})
	for _, score := range ranked {
		if score.Domain != label {
			out = append(out, score)
		}
	}
	return out
}

func withGeneral(ranked domain.RankedDomains) domain.RankedDomains {
	for _, score := range ranked {
		if score.Domain == domain.DomainGeneral {
			return ranked
		}
	}
	confidence := fallbackConfidence
	if n := len(ranked); n > 0 && ranked[n-1].Confidence < confidence {
		confidence = ranked[n-1].Confidence
	}
	return append(ranked, domain.DomainScore{Domain: domain.DomainGeneral, Confidence: confidence})
}

func hasConjunction(tokens []string, query string) bool {
	if strings.Contains(query, "&") {
		return true
	}
	for _, tok := range tokens {
		if _, ok := conjunctions[tok]; ok {
			return true
		}
	}
	return false
}

// parseLabel takes the first token of a model response.
func parseLabel(raw string) domain.Domain {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return ""
	}
	label := strings.TrimFunc(fields[0], func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	})
	return domain.ParseDomain(label)
}
