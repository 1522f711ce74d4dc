// Package mcpadapter exposes retrieval and feedback as MCP tools.
package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
	"github.com/kirillkom/domain-retrieval/internal/core/ports"
)

const (
	serverName    = "domain-retrieval"
	serverVersion = "1.0.0"

	toolRetrieve       = "retrieve"
	toolSubmitFeedback = "submit_feedback"
)

type Server struct {
	retriever ports.Retriever
	feedback  ports.FeedbackRecorder
	domains   []domain.Domain
}

func New(retriever ports.Retriever, feedback ports.FeedbackRecorder, domains domain.DomainSet) *Server {
	return &Server{
		retriever: retriever,
		feedback:  feedback,
		domains:   domains.List(),
	}
}

// MCPServer builds the protocol server with both tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))
	srv.AddTool(s.retrieveTool(), s.handleRetrieve)
	srv.AddTool(s.submitFeedbackTool(), s.handleSubmitFeedback)
	return srv
}

// ServeStdio blocks serving JSON-RPC over stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.MCPServer())
}

func (s *Server) retrieveTool() mcp.Tool {
	return mcp.NewTool(toolRetrieve,
		mcp.WithDescription("Retrieve cited passages for a question from the domain-scoped knowledge base."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural-language question.")),
		mcp.WithString("domain_hint", mcp.Description("Skip routing and search this domain: "+s.domainList()+".")),
		mcp.WithNumber("top_k", mcp.Description("Number of citations to return; 0 uses the server default.")),
		mcp.WithObject("filters", mcp.Description("Exact-match metadata filters, string values only.")),
	)
}

func (s *Server) submitFeedbackTool() mcp.Tool {
	return mcp.NewTool(toolSubmitFeedback,
		mcp.WithDescription("Vote on a citation returned by retrieve; the vote adjusts future rankings."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Caller session identifier.")),
		mcp.WithString("chunk_id", mcp.Required(), mcp.Description("chunk_id of the cited passage.")),
		mcp.WithString("domain", mcp.Required(), mcp.Description("Domain the citation was retrieved from.")),
		mcp.WithNumber("vote", mcp.Required(), mcp.Description("+1 for helpful, -1 for not helpful.")),
	)
}

func (s *Server) handleRetrieve(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	filters, err := parseFilters(request.GetArguments()["filters"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.retriever.Retrieve(ctx, domain.RetrievalRequest{
		Query:      query,
		DomainHint: request.GetString("domain_hint", ""),
		TopK:       request.GetInt("top_k", 0),
		Filters:    filters,
	})
	if err != nil {
		slog.Warn("mcp_tool_failed", "tool", toolRetrieve, "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(result)
}

func (s *Server) handleSubmitFeedback(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	record := domain.FeedbackRecord{
		SessionID: request.GetString("session_id", ""),
		ChunkID:   request.GetString("chunk_id", ""),
		Domain:    domain.Domain(request.GetString("domain", "")),
		Vote:      domain.Vote(request.GetInt("vote", 0)),
	}
	if err := s.feedback.Submit(ctx, record); err != nil {
		slog.Warn("mcp_tool_failed", "tool", toolSubmitFeedback, "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("accepted"), nil
}

func (s *Server) domainList() string {
	names := make([]string, 0, len(s.domains))
	for _, d := range s.domains {
		names = append(names, d.String())
	}
	return strings.Join(names, ", ")
}

func parseFilters(raw any) (domain.Filters, error) {
	if raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("filters must be an object")
	}
	filters := make(domain.Filters, len(obj))
	for k, v := range obj {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("filter %q must be a string", k)
		}
		filters[k] = str
	}
	return filters, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(payload)), nil
}
