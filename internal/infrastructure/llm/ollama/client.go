package ollama

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
	"github.com/kirillkom/domain-retrieval/internal/core/ports"
	"github.com/kirillkom/domain-retrieval/internal/infrastructure/resilience"
)

const (
	classifyMaxTokens = 8
	expandMaxTokens   = 160
)

type Client struct {
	baseURL    string
	genModel   string
	embedModel string
	httpClient *http.Client
	executor   *resilience.Executor
}

// New builds an Ollama client. A nil executor calls the API once without
// retries.
func New(baseURL, genModel, embedModel string, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		genModel:   genModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		executor:   executor,
	}
}

type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	request := map[string]any{
		"model": e.client.embedModel,
		"input": texts,
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.client.call(ctx, "/api/embed", request, &response, "embed"); err != nil {
		return nil, err
	}
	return response.Embeddings, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, domain.WrapError(domain.ErrUpstreamFatal, "ollama embed", errors.New("empty embedding result"))
	}
	return vectors[0], nil
}

// Completer runs non-streaming generations bounded by num_predict.
type Completer struct {
	client *Client
}

func NewCompleter(client *Client) *Completer {
	return &Completer{client: client}
}

func (c *Completer) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	request := map[string]any{
		"model":  c.client.genModel,
		"prompt": prompt,
		"stream": false,
	}
	if maxTokens > 0 {
		request["options"] = map[string]any{"num_predict": maxTokens}
	}

	var response struct {
		Response string `json:"response"`
	}
	if err := c.client.call(ctx, "/api/generate", request, &response, "generate"); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}

// DomainClassifier asks the model for a single domain label.
type DomainClassifier struct {
	completer ports.ChatCompleter
}

func NewDomainClassifier(completer ports.ChatCompleter) *DomainClassifier {
	return &DomainClassifier{completer: completer}
}

func (c *DomainClassifier) Classify(ctx context.Context, query string, domains []domain.Domain) (string, error) {
	return c.completer.Complete(ctx, buildDomainClassificationPrompt(query, domains), classifyMaxTokens)
}

// QueryExpander asks the model for paraphrases, one per line.
type QueryExpander struct {
	completer ports.ChatCompleter
}

func NewQueryExpander(completer ports.ChatCompleter) *QueryExpander {
	return &QueryExpander{completer: completer}
}

func (e *QueryExpander) Expand(ctx context.Context, query string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := e.completer.Complete(ctx, buildExpansionPrompt(query, n), expandMaxTokens)
	if err != nil {
		return nil, err
	}
	return parseParaphrases(raw, n), nil
}
