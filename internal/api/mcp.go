package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tellus/internal/interactions"
	"github.com/kalambet/tellus/internal/knowledge"
	"github.com/kalambet/tellus/internal/registry"
	"github.com/kalambet/tellus/internal/service"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service   *service.Service
	Knowledge *knowledge.Store // optional; add_knowledge reports an error if nil
	Version   string
}

// NewMCPServer creates an MCP server with all tellus tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"tellus",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("tellus routes environmental questions to the right models and distills domain specialists while you are idle."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("route_query",
			mcp.WithDescription("Classify a query by environmental domain and complexity and return the routing decision."),
			mcp.WithString("query", mcp.Description("The user query"), mcp.Required()),
			mcp.WithString("context", mcp.Description("Optional JSON object with session context (view, region, layers)")),
		),
		mcpRouteQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("record_interaction",
			mcp.WithDescription("Record a completed query/response exchange for future distillation."),
			mcp.WithString("query", mcp.Description("The user query"), mcp.Required()),
			mcp.WithString("response", mcp.Description("The response shown to the user")),
			mcp.WithString("feedback", mcp.Description("positive, negative or none")),
		),
		mcpRecordInteraction(deps),
	)

	s.AddTool(
		mcp.NewTool("distillation_status",
			mcp.WithDescription("Report whether a distillation is running, its progress and the deployed specialists."),
		),
		mcpStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_models",
			mcp.WithDescription("List deployed specialist models with their validation scores and usage."),
		),
		mcpListModels(deps),
	)

	s.AddTool(
		mcp.NewTool("invoke_model",
			mcp.WithDescription("Run a query on a deployed specialist model."),
			mcp.WithString("model_id", mcp.Description("Specialist model id, e.g. meteorology-specialist"), mcp.Required()),
			mcp.WithString("query", mcp.Description("The query to answer"), mcp.Required()),
		),
		mcpInvokeModel(deps),
	)

	s.AddTool(
		mcp.NewTool("add_knowledge",
			mcp.WithDescription("Store domain reference text used when distilling specialists."),
			mcp.WithString("domain", mcp.Description("Domain the text belongs to, e.g. hydrology"), mcp.Required()),
			mcp.WithString("content", mcp.Description("The reference text"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Optional title")),
		),
		mcpAddKnowledge(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"tellus://interactions/recent",
			"Recent Interactions",
			mcp.WithResourceDescription("Last 10 recorded interactions (anonymized)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpRouteQuery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		var qctx map[string]any
		if raw := req.GetString("context", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &qctx); err != nil {
				return mcpError(fmt.Sprintf("invalid context JSON: %v", err)), nil
			}
		}
		return mcpJSON(deps.Service.Route(ctx, query, qctx))
	}
}

func mcpRecordInteraction(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		fb, err := interactions.ParseFeedback(req.GetString("feedback", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		rec, err := deps.Service.RecordInteraction(ctx, service.InteractionInput{
			Query:    query,
			Response: req.GetString("response", ""),
			Feedback: fb,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to record interaction: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Recorded interaction %s (%s, quality %.2f)", rec.ID, rec.RoutingPattern, rec.QualityScore)), nil
	}
}

func mcpStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Service.Status()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read status: %v", err)), nil
		}
		return mcpJSON(st)
	}
}

func mcpListModels(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Service.Models())
	}
}

func mcpInvokeModel(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("model_id")
		if err != nil {
			return mcpError("model_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		res, err := deps.Service.InvokeModel(ctx, id, query)
		if errors.Is(err, registry.ErrNotFound) {
			return mcpError(fmt.Sprintf("model %q is not deployed", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("model execution failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpAddKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Knowledge == nil {
			return mcpError("knowledge store is not available"), nil
		}
		domain, err := req.RequireString("domain")
		if err != nil {
			return mcpError("domain is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		doc, err := deps.Knowledge.AddText(domain, req.GetString("title", ""), content, "mcp")
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored knowledge doc %s", doc.ID)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		records, err := deps.Service.Interactions(10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent interactions: %w", err)
		}

		type interactionSummary struct {
			ID        string  `json:"id"`
			CreatedAt string  `json:"created_at"`
			Query     string  `json:"query"`
			Pattern   string  `json:"pattern"`
			Quality   float64 `json:"quality"`
		}

		summaries := make([]interactionSummary, len(records))
		for i, r := range records {
			summaries[i] = interactionSummary{
				ID:        r.ID,
				CreatedAt: r.Timestamp.Format(time.RFC3339),
				Query:     interactions.Prefix(r.AnonymizedQuery, 200),
				Pattern:   string(r.RoutingPattern),
				Quality:   r.QualityScore,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal interactions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
