package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
	"github.com/kirillkom/domain-retrieval/internal/core/routing"
	"github.com/kirillkom/domain-retrieval/internal/infrastructure/cache"
)

type routerFake struct {
	routes map[string]domain.Domain
}

func (f *routerFake) Resolve(_ context.Context, query, hint string) (domain.RankedDomains, error) {
	if hint != "" {
		return domain.RankedDomains{{Domain: domain.ParseDomain(hint), Confidence: 1}}, nil
	}
	d, ok := f.routes[query]
	if !ok {
		d = domain.DomainGeneral
	}
	return domain.RankedDomains{{Domain: d, Confidence: 0.67}}, nil
}

type expanderFake struct {
	paraphrases []string
	err         error
	calls       int
}

func (f *expanderFake) Expand(context.Context, string, int) ([]string, error) {
	f.calls++
	return f.paraphrases, f.err
}

type embedderFake struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *embedderFake) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i)}
	}
	return out, nil
}

func (f *embedderFake) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text))}, nil
}

func (f *embedderFake) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// indexFake answers by query vector, which embedderFake derives from the
// variant text length.
type indexFake struct {
	mu       sync.Mutex
	byLength map[int][]domain.SearchHit
	errs     map[int]error
	fallback []domain.SearchHit
	onSearch func()
	calls    int
	limits   []int
	domains  []domain.Domain
}

func (f *indexFake) Search(_ context.Context, d domain.Domain, vector []float32, limit int, _ domain.Filters) ([]domain.SearchHit, error) {
	f.mu.Lock()
	f.calls++
	f.limits = append(f.limits, limit)
	f.domains = append(f.domains, d)
	onSearch := f.onSearch
	f.mu.Unlock()

	if onSearch != nil {
		onSearch()
	}
	key := int(vector[0])
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if hits, ok := f.byLength[key]; ok {
		return hits, nil
	}
	return f.fallback, nil
}

func (f *indexFake) Upsert(context.Context, []domain.Chunk) error { return nil }
func (f *indexFake) DeleteByDocument(context.Context, string, []string) error {
	return nil
}

func (f *indexFake) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type feedbackStoreFake struct {
	aggregates map[string]domain.FeedbackAggregate
	err        error
	calls      int
}

func (f *feedbackStoreFake) RecordVote(context.Context, domain.FeedbackRecord) error { return nil }
func (f *feedbackStoreFake) Aggregate(_ context.Context, chunkID string, d domain.Domain) (domain.FeedbackAggregate, error) {
	return f.aggregates[chunkID], nil
}
func (f *feedbackStoreFake) Aggregates(context.Context, domain.Domain, []string) (map[string]domain.FeedbackAggregate, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.aggregates, nil
}
func (f *feedbackStoreFake) PurgeSession(context.Context, string) (int64, error) { return 0, nil }

type retrieveFixture struct {
	uc       *RetrieveUseCase
	router   *routerFake
	expander *expanderFake
	embedder *embedderFake
	index    *indexFake
	feedback *feedbackStoreFake
	cache    *cache.Cache
}

func newRetrieveFixture(hits []domain.SearchHit) *retrieveFixture {
	f := &retrieveFixture{
		router:   &routerFake{routes: map[string]domain.Domain{"Sev1 war-room": "ops"}},
		expander: &expanderFake{},
		embedder: &embedderFake{},
		index:    &indexFake{fallback: hits},
		feedback: &feedbackStoreFake{},
		cache:    cache.New(1 << 20),
	}
	f.uc = NewRetrieveUseCase(f.router, f.expander, f.embedder, f.index, f.feedback, f.cache, RetrieveConfig{
		MaxVariants:    3,
		RerankWeight:   0.1,
		RelevanceFloor: 0.2,
	})
	return f
}

func warRoomHits() []domain.SearchHit {
	return []domain.SearchHit{
		{ChunkID: "c1", DocumentID: "doc-1", Domain: "ops", Title: "Sev1 runbook", Text: "Open the war-room bridge for every Sev1.", Score: 0.81},
		{ChunkID: "c2", DocumentID: "doc-2", Domain: "ops", Title: "Escalation", Text: "Escalate to the incident commander.", Score: 0.77},
	}
}

func TestRetrieveWarRoomScenario(t *testing.T) {
	f := newRetrieveFixture(warRoomHits())

	result, err := f.uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "Sev1 war-room", TopK: 2})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if result.CacheHit {
		t.Fatalf("first call must be a cache miss")
	}
	if result.Domain != "ops" || result.Status != domain.StatusOK || result.ErrorReason != "" {
		t.Fatalf("unexpected result header: %+v", result)
	}
	if len(result.Citations) != 2 {
		t.Fatalf("expected 2 citations, got %d", len(result.Citations))
	}
	first, second := result.Citations[0], result.Citations[1]
	if first.ChunkID != "c1" || first.Rank != 1 || first.FinalScore != 0.81 {
		t.Fatalf("unexpected first citation: %+v", first)
	}
	if second.ChunkID != "c2" || second.Rank != 2 || second.FinalScore != 0.77 {
		t.Fatalf("unexpected second citation: %+v", second)
	}
	if first.FeedbackAdjustment != 0 || first.SimilarityScore != 0.81 {
		t.Fatalf("unexpected scores on first citation: %+v", first)
	}
	if len(f.index.limits) != 1 || f.index.limits[0] != 6 {
		t.Fatalf("expected one search with over-fetch limit 6, got %v", f.index.limits)
	}
	if f.index.domains[0] != "ops" {
		t.Fatalf("search must be filtered to routed domain, got %v", f.index.domains)
	}
	if len(result.QueryFingerprint) != 64 {
		t.Fatalf("expected sha-256 hex fingerprint, got %q", result.QueryFingerprint)
	}
}

func TestRetrieveRepeatedQueryIsServedFromCache(t *testing.T) {
	f := newRetrieveFixture(warRoomHits())
	req := domain.RetrievalRequest{Query: "Sev1 war-room", TopK: 2}

	first, err := f.uc.Retrieve(context.Background(), req)
	if err != nil {
		t.Fatalf("first retrieve: %v", err)
	}
	embeds, searches, lookups, expansions := f.embedder.callCount(), f.index.callCount(), f.feedback.calls, f.expander.calls

	second, err := f.uc.Retrieve(context.Background(), req)
	if err != nil {
		t.Fatalf("second retrieve: %v", err)
	}
	if !second.CacheHit {
		t.Fatalf("expected cache hit")
	}
	if f.embedder.callCount() != embeds || f.index.callCount() != searches || f.feedback.calls != lookups || f.expander.calls != expansions {
		t.Fatalf("cache hit must not touch upstreams")
	}
	if len(second.Citations) != len(first.Citations) {
		t.Fatalf("citation count changed: %d vs %d", len(second.Citations), len(first.Citations))
	}
	for i := range first.Citations {
		if first.Citations[i] != second.Citations[i] {
			t.Fatalf("citation %d differs: %+v vs %+v", i, first.Citations[i], second.Citations[i])
		}
	}

	second.Citations[0].ChunkID = "mutated"
	third, _ := f.uc.Retrieve(context.Background(), req)
	if third.Citations[0].ChunkID != "c1" {
		t.Fatalf("cached result must not be shared with callers")
	}
}

type classifierFake struct {
	label string
	calls int
}

func (f *classifierFake) Classify(context.Context, string, []domain.Domain) (string, error) {
	f.calls++
	return f.label, nil
}

func TestRetrieveRepeatedClassifiedQueryReusesRoute(t *testing.T) {
	vocab, err := routing.DefaultVocabulary()
	if err != nil {
		t.Fatalf("default vocabulary: %v", err)
	}
	classifier := &classifierFake{label: "finance"}
	router := routing.New(domain.NewDomainSet("hr", "finance", "ops"), vocab, classifier, routing.Config{})
	index := &indexFake{fallback: warRoomHits()}
	resultCache := cache.New(1 << 20)
	uc := NewRetrieveUseCase(router, nil, &embedderFake{}, index, &feedbackStoreFake{}, resultCache, RetrieveConfig{})

	ctx := context.Background()
	first, err := uc.Retrieve(ctx, domain.RetrievalRequest{Query: "how do I get my money back for the train ticket"})
	if err != nil {
		t.Fatalf("first retrieve: %v", err)
	}
	if first.CacheHit || first.Domain != "finance" || classifier.calls != 1 {
		t.Fatalf("unexpected first result: %+v (classifier calls %d)", first, classifier.calls)
	}

	second, err := uc.Retrieve(ctx, domain.RetrievalRequest{Query: "How do I get my money back  for the train ticket"})
	if err != nil {
		t.Fatalf("second retrieve: %v", err)
	}
	if !second.CacheHit {
		t.Fatalf("expected cache hit")
	}
	if classifier.calls != 1 || index.callCount() != 1 {
		t.Fatalf("cache hit must not call upstreams: classifier=%d index=%d", classifier.calls, index.callCount())
	}

	if _, err := NewCacheAdminUseCase(resultCache, domain.NewDomainSet("hr", "finance", "ops")).InvalidateDomain(ctx, "finance"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	third, err := uc.Retrieve(ctx, domain.RetrievalRequest{Query: "how do I get my money back for the train ticket"})
	if err != nil {
		t.Fatalf("third retrieve: %v", err)
	}
	if third.CacheHit || classifier.calls != 1 || index.callCount() != 2 {
		t.Fatalf("invalidation must keep the route: hit=%v classifier=%d index=%d", third.CacheHit, classifier.calls, index.callCount())
	}
}

func TestRetrieveDomainInvalidationIsScoped(t *testing.T) {
	f := newRetrieveFixture(warRoomHits())
	f.router.routes["brand guidelines"] = "marketing"
	f.router.routes["parental leave"] = "hr"
	admin := NewCacheAdminUseCase(f.cache, domain.NewDomainSet("hr", "marketing", "ops"))

	ctx := context.Background()
	for _, q := range []string{"brand guidelines", "parental leave"} {
		if _, err := f.uc.Retrieve(ctx, domain.RetrievalRequest{Query: q}); err != nil {
			t.Fatalf("warm %q: %v", q, err)
		}
	}

	removed, err := admin.InvalidateDomain(ctx, "marketing")
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 marketing entry removed, got %d", removed)
	}

	marketing, _ := f.uc.Retrieve(ctx, domain.RetrievalRequest{Query: "brand guidelines"})
	hr, _ := f.uc.Retrieve(ctx, domain.RetrievalRequest{Query: "parental leave"})
	if marketing.CacheHit {
		t.Fatalf("marketing query must miss after invalidation")
	}
	if !hr.CacheHit {
		t.Fatalf("hr query must stay cached")
	}
}

func TestRetrieveFeedbackNudgesRanking(t *testing.T) {
	f := newRetrieveFixture([]domain.SearchHit{
		{ChunkID: "c1", DocumentID: "doc-1", Text: "a", Score: 0.80},
		{ChunkID: "c2", DocumentID: "doc-2", Text: "b", Score: 0.78},
	})
	f.feedback.aggregates = map[string]domain.FeedbackAggregate{
		"c2": domain.NewFeedbackAggregate("c2", "general", 3, 0),
	}

	result, err := f.uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "anything"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if result.Citations[0].ChunkID != "c2" {
		t.Fatalf("expected upvoted c2 first, got %+v", result.Citations)
	}
	if result.Citations[0].FeedbackAdjustment != 1 {
		t.Fatalf("expected adjustment 1, got %v", result.Citations[0].FeedbackAdjustment)
	}
	if got := result.Citations[0].FinalScore; got < 0.8799 || got > 0.8801 {
		t.Fatalf("expected final score 0.88, got %v", got)
	}
}

func TestRetrieveMergesVariantsByDocument(t *testing.T) {
	f := newRetrieveFixture(nil)
	// "vpn" has length 3; "vpn access" has length 10.
	f.expander.paraphrases = []string{"vpn access", "VPN", ""}
	f.index.byLength = map[int][]domain.SearchHit{
		3: {
			{ChunkID: "a1", DocumentID: "doc-a", Text: "a1", Score: 0.60},
			{ChunkID: "b1", DocumentID: "doc-b", Text: "b1", Score: 0.70},
		},
		10: {
			{ChunkID: "a2", DocumentID: "doc-a", Text: "a2", Score: 0.90},
			{ChunkID: "c1", DocumentID: "doc-c", Text: "c1", Score: 0.50},
		},
	}

	result, err := f.uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "vpn", TopK: 5})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if f.index.callCount() != 2 {
		t.Fatalf("expected duplicate paraphrase to be dropped, got %d searches", f.index.callCount())
	}
	got := make([]string, 0, len(result.Citations))
	for _, c := range result.Citations {
		got = append(got, c.ChunkID)
	}
	if strings.Join(got, ",") != "a2,b1,c1" {
		t.Fatalf("unexpected merged order: %v", got)
	}
}

func TestRetrieveNoMatchBelowRelevanceFloor(t *testing.T) {
	f := newRetrieveFixture([]domain.SearchHit{{ChunkID: "c1", DocumentID: "doc-1", Score: 0.05}})

	result, err := f.uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "unrelated"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if result.Status != domain.StatusNoMatch || result.ErrorReason != "" || len(result.Citations) != 0 {
		t.Fatalf("expected clean no_match, got %+v", result)
	}
}

func TestRetrieveAllVariantsFailedIsDegradedAndNotCached(t *testing.T) {
	f := newRetrieveFixture(nil)
	f.embedder.err = domain.WrapError(domain.ErrRetryExhausted, "ollama embed", errors.New("503 service unavailable"))
	req := domain.RetrievalRequest{Query: "Sev1 war-room", TopK: 2}

	result, err := f.uc.Retrieve(context.Background(), req)
	if err != nil {
		t.Fatalf("degraded retrieval must not error: %v", err)
	}
	if result.Status != domain.StatusDegraded || result.ErrorReason == "" || len(result.Citations) != 0 {
		t.Fatalf("expected empty degraded result, got %+v", result)
	}

	f.embedder.err = nil
	again, err := f.uc.Retrieve(context.Background(), req)
	if err != nil {
		t.Fatalf("retry retrieve: %v", err)
	}
	if again.CacheHit {
		t.Fatalf("degraded result must not be cached")
	}
}

func TestRetrievePartialVariantFailureKeepsCitations(t *testing.T) {
	f := newRetrieveFixture(warRoomHits())
	f.expander.paraphrases = []string{"incident bridge"}
	f.index.errs = map[int]error{
		len("incident bridge"): domain.WrapError(domain.ErrUpstreamTransient, "qdrant search", errors.New("timeout")),
	}
	req := domain.RetrievalRequest{Query: "Sev1 war-room", TopK: 2}

	result, err := f.uc.Retrieve(context.Background(), req)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if result.Status != domain.StatusDegraded || !strings.Contains(result.ErrorReason, "1 of 2") {
		t.Fatalf("expected partial degraded result, got %+v", result)
	}
	if len(result.Citations) != 2 {
		t.Fatalf("expected partial citations, got %d", len(result.Citations))
	}
	if n := f.cache.Invalidate("ops"); n != 0 {
		t.Fatalf("partial result must not be cached, found %d entries", n)
	}
}

func TestRetrieveFatalUpstreamErrorIsReportedVerbatim(t *testing.T) {
	f := newRetrieveFixture(nil)
	fatal := domain.WrapError(domain.ErrUpstreamFatal, "qdrant search", errors.New("400 bad request: wrong vector size"))
	f.index.errs = map[int]error{len("Sev1 war-room"): fatal}

	result, err := f.uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "Sev1 war-room"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if result.Status != domain.StatusDegraded || len(result.Citations) != 0 {
		t.Fatalf("expected aborted stage, got %+v", result)
	}
	if !strings.Contains(result.ErrorReason, fatal.Error()) {
		t.Fatalf("expected verbatim reason, got %q", result.ErrorReason)
	}
}

func TestRetrieveCancellationSkipsCacheWrite(t *testing.T) {
	f := newRetrieveFixture(warRoomHits())
	ctx, cancel := context.WithCancel(context.Background())
	f.index.onSearch = cancel

	_, err := f.uc.Retrieve(ctx, domain.RetrievalRequest{Query: "Sev1 war-room", TopK: 2})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := f.cache.Invalidate("ops"); n != 0 {
		t.Fatalf("cancelled request wrote %d result entries", n)
	}
}

func TestRetrieveExpansionFailureUsesOriginalQuery(t *testing.T) {
	f := newRetrieveFixture(warRoomHits())
	f.expander.err = errors.New("llm down")

	result, err := f.uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "Sev1 war-room"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if result.Status != domain.StatusOK {
		t.Fatalf("expansion failure must not degrade, got %+v", result)
	}
	if f.index.callCount() != 1 {
		t.Fatalf("expected single search, got %d", f.index.callCount())
	}
}

func TestRetrieveFeedbackLookupFailureUsesZeroAdjustment(t *testing.T) {
	f := newRetrieveFixture(warRoomHits())
	f.feedback.err = errors.New("postgres down")

	result, err := f.uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "Sev1 war-room"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if result.Status != domain.StatusOK || result.Citations[0].FeedbackAdjustment != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRetrieveReusesCachedEmbeddings(t *testing.T) {
	f := newRetrieveFixture(warRoomHits())
	ctx := context.Background()

	if _, err := f.uc.Retrieve(ctx, domain.RetrievalRequest{Query: "Sev1 war-room", TopK: 1}); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if _, err := f.uc.Retrieve(ctx, domain.RetrievalRequest{Query: "Sev1 war-room", TopK: 2}); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if f.embedder.callCount() != 1 {
		t.Fatalf("expected cached embedding reuse, got %d embed calls", f.embedder.callCount())
	}
	if f.index.callCount() != 2 {
		t.Fatalf("different top_k must search again, got %d", f.index.callCount())
	}
}

func TestRetrieveValidation(t *testing.T) {
	f := newRetrieveFixture(warRoomHits())
	cases := map[string]domain.RetrievalRequest{
		"empty query":     {Query: "   "},
		"negative top_k":  {Query: "q", TopK: -1},
		"top_k above max": {Query: "q", TopK: 51},
		"empty filter":    {Query: "q", Filters: domain.Filters{" ": "x"}},
		"reserved filter": {Query: "q", Filters: domain.Filters{"Domain": "hr"}},
	}
	for name, req := range cases {
		if _, err := f.uc.Retrieve(context.Background(), req); !domain.IsKind(err, domain.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	if f.index.callCount() != 0 || f.embedder.callCount() != 0 {
		t.Fatalf("validation failures must not reach upstreams")
	}

	if _, err := f.uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "q"}); err != nil {
		t.Fatalf("default top_k: %v", err)
	}
	if f.index.limits[0] != 15 {
		t.Fatalf("expected default top_k 5 with over-fetch 3, got limit %d", f.index.limits[0])
	}
}
