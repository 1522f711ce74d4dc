package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
	"github.com/kirillkom/domain-retrieval/internal/infrastructure/resilience"
)

// Payload keys stored with every point.
const (
	payloadChunkID    = "chunk_id"
	payloadDocumentID = "document_id"
	payloadDomain     = "domain"
	payloadTitle      = "title"
	payloadSourceURI  = "source_uri"
	payloadOffset     = "offset"
	payloadText       = "text"
	payloadTokenCount = "token_count"
)

// Client talks to one Qdrant collection over REST. Domains share the
// collection and are separated by the domain payload filter.
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

func New(baseURL, collection string, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		executor:   executor,
	}
}

type point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// Upsert writes chunks under their deterministic ids, replacing earlier
// versions of the same (document, offset).
func (c *Client) Upsert(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	vectorSize := len(chunks[0].Embedding)
	if vectorSize == 0 {
		return domain.WrapError(domain.ErrValidation, "qdrant upsert", errors.New("chunk has no embedding"))
	}

	points := make([]point, 0, len(chunks))
	for _, chunk := range chunks {
		if len(chunk.Embedding) != vectorSize {
			return domain.WrapError(domain.ErrValidation, "qdrant upsert", fmt.Errorf("chunk %s has vector size %d, want %d", chunk.ID, len(chunk.Embedding), vectorSize))
		}
		points = append(points, point{
			ID:     chunk.ID,
			Vector: chunk.Embedding,
			Payload: map[string]any{
				payloadChunkID:    chunk.ID,
				payloadDocumentID: chunk.DocumentID,
				payloadDomain:     chunk.Domain.String(),
				payloadTitle:      chunk.Title,
				payloadSourceURI:  chunk.SourceURI,
				payloadOffset:     chunk.Offset,
				payloadText:       chunk.Text,
				payloadTokenCount: chunk.TokenCount,
			},
		})
	}

	if err := c.ensureCollection(ctx, vectorSize); err != nil {
		return err
	}
	path := fmt.Sprintf("/collections/%s/points?wait=true", c.collection)
	return c.call(ctx, http.MethodPut, path, map[string]any{"points": points}, nil, "upsert")
}

// Search returns the nearest chunks within one domain. A collection that
// does not exist yet has no hits.
func (c *Client) Search(
	ctx context.Context,
	d domain.Domain,
	vector []float32,
	limit int,
	filters domain.Filters,
) ([]domain.SearchHit, error) {
	reqBody := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"filter":       searchFilter(d, filters),
	}

	var searchResp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", c.collection)
	if err := c.call(ctx, http.MethodPost, path, reqBody, &searchResp, "search"); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]domain.SearchHit, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		chunkID := getStringPayload(r.Payload, payloadChunkID)
		if chunkID == "" && r.ID != nil {
			chunkID = fmt.Sprintf("%v", r.ID)
		}
		out = append(out, domain.SearchHit{
			ChunkID:    chunkID,
			DocumentID: getStringPayload(r.Payload, payloadDocumentID),
			Domain:     domain.Domain(getStringPayload(r.Payload, payloadDomain)),
			Title:      getStringPayload(r.Payload, payloadTitle),
			SourceURI:  getStringPayload(r.Payload, payloadSourceURI),
			Text:       getStringPayload(r.Payload, payloadText),
			Score:      r.Score,
		})
	}
	return out, nil
}

// DeleteByDocument removes the points of a document whose ids are not in
// keepIDs. An empty keepIDs removes every point of the document.
func (c *Client) DeleteByDocument(ctx context.Context, documentID string, keepIDs []string) error {
	filter := map[string]any{
		"must": []map[string]any{matchCondition(payloadDocumentID, documentID)},
	}
	if len(keepIDs) > 0 {
		filter["must_not"] = []map[string]any{{"has_id": keepIDs}}
	}
	reqBody := map[string]any{"filter": filter}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", c.collection)
	if err := c.call(ctx, http.MethodPost, path, reqBody, nil, "delete"); err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

func searchFilter(d domain.Domain, filters domain.Filters) map[string]any {
	must := make([]map[string]any, 0, len(filters)+1)
	must = append(must, matchCondition(payloadDomain, d.String()))
	for _, key := range filters.SortedKeys() {
		must = append(must, matchCondition(key, filters[key]))
	}
	return map[string]any{"must": must}
}

func matchCondition(key, value string) map[string]any {
	return map[string]any{
		"key": key,
		"match": map[string]any{
			"value": value,
		},
	}
}

func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	path := fmt.Sprintf("/collections/%s", c.collection)
	err := c.call(ctx, http.MethodPut, path, reqBody, nil, "ensure_collection")
	// 409 if the collection already exists (depends on version/config).
	if err != nil && !isStatus(err, http.StatusConflict) {
		return err
	}

	for _, field := range []string{payloadDomain, payloadDocumentID} {
		indexBody := map[string]any{"field_name": field, "field_schema": "keyword"}
		indexPath := fmt.Sprintf("/collections/%s/index?wait=true", c.collection)
		if err := c.call(ctx, http.MethodPut, indexPath, indexBody, nil, "ensure_index"); err != nil && !isStatus(err, http.StatusConflict) {
			return err
		}
	}

	c.markCollectionEnsured(vectorSize)
	return nil
}

func (c *Client) markCollectionEnsured(vectorSize int) {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
}

func (c *Client) call(ctx context.Context, method, path string, payload any, out any, operation string) error {
	err := c.executor.Execute(ctx, "qdrant."+operation, func(callCtx context.Context) error {
		return c.doJSON(callCtx, method, path, payload, out, operation)
	}, resilience.ClassifyHTTPError)
	return resilience.WrapUpstreamError("qdrant "+operation, err, resilience.ClassifyHTTPError)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resilience.NewStatusError("qdrant", operation, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func isStatus(err error, code int) bool {
	var statusErr *resilience.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

func isNotFound(err error) bool {
	return isStatus(err, http.StatusNotFound)
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
