package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/strongbuy/internal/pipeline"
)

// maxToolHits bounds the hits returned by search_products.
const maxToolHits = 50

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Search   Searcher
	Analyzer Analyzer
	Personas PersonaStore
	Catalog  Inventory
}

// NewMCPServer creates an MCP server with all strongbuy tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"strongbuy",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("strongbuy: personalized product search over a local catalog, with shopper personas."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("search_products",
			mcp.WithDescription("Search the product catalog. Categories and brands are inferred from the query when not given; a persona personalizes the ranking."),
			mcp.WithString("query", mcp.Description("Free-text search query"), mcp.Required()),
			mcp.WithString("category", mcp.Description("Restrict to one category")),
			mcp.WithArray("brands", mcp.Description("Restrict to these brands")),
			mcp.WithString("persona_id", mcp.Description("Persona used to personalize the ranking")),
			mcp.WithArray("order_ids", mcp.Description("Persona order ids that shape the user vector")),
			mcp.WithArray("event_ids", mcp.Description("Persona event ids that shape the user vector")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of hits returned (default 10)")),
		),
		mcpSearchProducts(deps),
	)

	s.AddTool(
		mcp.NewTool("analyze_intent",
			mcp.WithDescription("Resolve a query into catalog categories and brands."),
			mcp.WithString("query", mcp.Description("Free-text search query"), mcp.Required()),
			mcp.WithString("category", mcp.Description("Known category; skips category analysis")),
			mcp.WithString("persona_id", mcp.Description("Persona whose preferences ground the analysis")),
		),
		mcpAnalyzeIntent(deps),
	)

	s.AddTool(
		mcp.NewTool("list_personas",
			mcp.WithDescription("List the available shopper personas."),
		),
		mcpListPersonas(deps),
	)

	s.AddTool(
		mcp.NewTool("assign_persona",
			mcp.WithDescription("Assign a persona to a user, replacing the user's history with the persona's."),
			mcp.WithString("user_id", mcp.Description("User id"), mcp.Required()),
			mcp.WithString("persona_id", mcp.Description("Persona id"), mcp.Required()),
		),
		mcpAssignPersona(deps),
	)

	s.AddTool(
		mcp.NewTool("persona_history",
			mcp.WithDescription("List a persona's orders or all events, newest first."),
			mcp.WithString("persona_id", mcp.Description("Persona id"), mcp.Required()),
			mcp.WithString("kind", mcp.Description(`"orders" (default) or "events"`)),
		),
		mcpPersonaHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("trending_keywords",
			mcp.WithDescription("List trending search keywords."),
		),
		mcpTrendingKeywords(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"catalog://inventory",
			"Catalog Inventory",
			mcp.WithResourceDescription("Categories and brands per category as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceInventory(deps),
	)

	return s
}

type toolHit struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Category  string   `json:"category"`
	Brand     string   `json:"brand,omitempty"`
	Price     float64  `json:"price"`
	Score     float64  `json:"score"`
	UserScore *float64 `json:"userScore,omitempty"`
}

type toolSearchResult struct {
	Mode                string    `json:"mode"`
	TotalCount          int64     `json:"totalCount"`
	SuggestedCategories []string  `json:"suggestedCategories"`
	SuggestedBrands     []string  `json:"suggestedBrands"`
	Hits                []toolHit `json:"hits"`
}

func mcpSearchProducts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > maxToolHits {
			limit = maxToolHits
		}

		res := deps.Search.Run(ctx, pipeline.Request{
			Text:      query,
			Category:  req.GetString("category", ""),
			Brands:    req.GetStringSlice("brands", nil),
			PersonaID: req.GetString("persona_id", ""),
			OrderIDs:  req.GetStringSlice("order_ids", nil),
			EventIDs:  req.GetStringSlice("event_ids", nil),
		})
		if !res.Success {
			return mcpError(fmt.Sprintf("search failed: %s", res.Error)), nil
		}

		out := toolSearchResult{
			Mode:                res.Mode.String(),
			SuggestedCategories: res.SuggestedCategories,
			SuggestedBrands:     res.SuggestedBrands,
			Hits:                []toolHit{},
		}
		if res.Search != nil {
			out.TotalCount = res.Search.TotalCount
			for i, h := range res.Search.Hits {
				if i == limit {
					break
				}
				out.Hits = append(out.Hits, toolHit{
					ID:        h.Document.ID,
					Name:      h.Document.Name,
					Category:  h.Document.Category,
					Brand:     h.Document.Brand,
					Price:     h.Document.Price,
					Score:     h.Score,
					UserScore: h.UserScore,
				})
			}
		}
		return mcpJSON(out)
	}
}

func mcpAnalyzeIntent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return mcpError("query is required"), nil
		}
		return mcpJSON(analyzeIntent(ctx, deps.Analyzer, intentRequest{
			Text:      query,
			Category:  req.GetString("category", ""),
			PersonaID: req.GetString("persona_id", ""),
		}))
	}
}

func mcpListPersonas(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Personas.Personas())
	}
}

func mcpAssignPersona(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		personaID, err := req.RequireString("persona_id")
		if err != nil {
			return mcpError("persona_id is required"), nil
		}

		if !deps.Personas.AssignPersona(userID, personaID) {
			return mcpError(fmt.Sprintf("unknown persona %q", personaID)), nil
		}
		prof, _ := deps.Personas.Profile(userID)
		return mcpText(fmt.Sprintf("Assigned persona %s to %s (%d actions replayed)", personaID, userID, len(prof.RecentActions))), nil
	}
}

func mcpPersonaHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		personaID, err := req.RequireString("persona_id")
		if err != nil {
			return mcpError("persona_id is required"), nil
		}
		if _, ok := deps.Personas.Persona(personaID); !ok {
			return mcpError(fmt.Sprintf("unknown persona %q", personaID)), nil
		}

		switch kind := req.GetString("kind", "orders"); kind {
		case "orders":
			return mcpJSON(deps.Personas.Orders(personaID))
		case "events":
			return mcpJSON(deps.Personas.Events(personaID))
		default:
			return mcpError(fmt.Sprintf("kind must be orders or events, got %q", kind)), nil
		}
	}
}

func mcpTrendingKeywords(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Personas.TrendingKeywords())
	}
}

func mcpResourceInventory(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Catalog.Inventory())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inventory: %w", err)
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
	return mcp.NewToolResultError(msg)
}
