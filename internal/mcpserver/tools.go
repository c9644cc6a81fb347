// Package mcpserver registers MCP tools that expose the upstream
// search operations. It adapts the upstream client to the MCP SDK's
// tool handler interface; access policy is enforced before requests
// reach these handlers.
package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"searchrelay/internal/gatekeeper"
	"searchrelay/internal/upstream"
)

// RegisterTools adds all search tools to the given MCP server.
func RegisterTools(server *mcp.Server, client *upstream.Client) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "web_search",
		Description: "Search the web. Returns ranked results with titles, URLs, and content snippets. Supports domain filtering, topic selection, and an optional synthesized answer.",
	}, searchHandler(client))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "web_extract",
		Description: "Extract readable page content from one or more URLs. Use after web_search to read full pages.",
	}, extractHandler(client))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "web_crawl",
		Description: "Crawl a site starting from a root URL, following links up to a depth and page limit. Returns content for each crawled page.",
	}, crawlHandler(client))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "web_research",
		Description: "Run a multi-step research query that searches, reads, and synthesizes sources into a report. Slower and more expensive than web_search.",
	}, researchHandler(client))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// SearchInput holds parameters for web_search.
type SearchInput struct {
	Query             string   `json:"query" jsonschema:"required,search query"`
	SearchDepth       string   `json:"search_depth,omitempty" jsonschema:"basic or advanced, defaults to basic"`
	Topic             string   `json:"topic,omitempty" jsonschema:"general or news, defaults to general"`
	MaxResults        int      `json:"max_results,omitempty" jsonschema:"maximum number of results, defaults to 10"`
	IncludeAnswer     bool     `json:"include_answer,omitempty" jsonschema:"include a synthesized answer"`
	IncludeRawContent bool     `json:"include_raw_content,omitempty" jsonschema:"include full page content per result"`
	IncludeDomains    []string `json:"include_domains,omitempty" jsonschema:"restrict results to these domains"`
	ExcludeDomains    []string `json:"exclude_domains,omitempty" jsonschema:"exclude results from these domains"`
	TimeRange         string   `json:"time_range,omitempty" jsonschema:"day, week, month, or year"`
}

// ExtractInput holds parameters for web_extract.
type ExtractInput struct {
	URLs          []string `json:"urls" jsonschema:"required,URLs to extract content from"`
	ExtractDepth  string   `json:"extract_depth,omitempty" jsonschema:"basic or advanced, defaults to basic"`
	IncludeImages bool     `json:"include_images,omitempty" jsonschema:"include image URLs in the result"`
}

// CrawlInput holds parameters for web_crawl.
type CrawlInput struct {
	URL           string   `json:"url" jsonschema:"required,root URL to crawl from"`
	MaxDepth      int      `json:"max_depth,omitempty" jsonschema:"link depth from the root, defaults to 1"`
	MaxBreadth    int      `json:"max_breadth,omitempty" jsonschema:"links followed per page, defaults to 20"`
	Limit         int      `json:"limit,omitempty" jsonschema:"total page limit, defaults to 50"`
	Instructions  string   `json:"instructions,omitempty" jsonschema:"natural-language guidance for the crawler"`
	SelectPaths   []string `json:"select_paths,omitempty" jsonschema:"regex patterns of URL paths to include"`
	AllowExternal bool     `json:"allow_external,omitempty" jsonschema:"follow links to other domains"`
}

// ResearchInput holds parameters for web_research.
type ResearchInput struct {
	Query      string `json:"query" jsonschema:"required,research question"`
	Depth      string `json:"depth,omitempty" jsonschema:"fast or comprehensive, defaults to fast"`
	MaxSources int    `json:"max_sources,omitempty" jsonschema:"maximum sources to consult"`
}

// --- Handlers ---

func searchHandler(client *upstream.Client) mcp.ToolHandlerFor[SearchInput, json.RawMessage] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, json.RawMessage, error) {
		result, err := client.Search(ctx, upstream.SearchRequest{
			Query:             input.Query,
			SearchDepth:       input.SearchDepth,
			Topic:             input.Topic,
			MaxResults:        input.MaxResults,
			IncludeAnswer:     input.IncludeAnswer,
			IncludeRawContent: input.IncludeRawContent,
			IncludeDomains:    input.IncludeDomains,
			ExcludeDomains:    input.ExcludeDomains,
			TimeRange:         input.TimeRange,
		}, gatekeeper.RequestOverrideKey(ctx))
		if err != nil {
			return nil, nil, err
		}

		return rawResult(result), result, nil
	}
}

func extractHandler(client *upstream.Client) mcp.ToolHandlerFor[ExtractInput, json.RawMessage] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ExtractInput) (*mcp.CallToolResult, json.RawMessage, error) {
		result, err := client.Extract(ctx, upstream.ExtractRequest{
			URLs:          input.URLs,
			ExtractDepth:  input.ExtractDepth,
			IncludeImages: input.IncludeImages,
		}, gatekeeper.RequestOverrideKey(ctx))
		if err != nil {
			return nil, nil, err
		}

		return rawResult(result), result, nil
	}
}

func crawlHandler(client *upstream.Client) mcp.ToolHandlerFor[CrawlInput, json.RawMessage] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input CrawlInput) (*mcp.CallToolResult, json.RawMessage, error) {
		result, err := client.Crawl(ctx, upstream.CrawlRequest{
			URL:           input.URL,
			MaxDepth:      input.MaxDepth,
			MaxBreadth:    input.MaxBreadth,
			Limit:         input.Limit,
			Instructions:  input.Instructions,
			SelectPaths:   input.SelectPaths,
			AllowExternal: input.AllowExternal,
		}, gatekeeper.RequestOverrideKey(ctx))
		if err != nil {
			return nil, nil, err
		}

		return rawResult(result), result, nil
	}
}

func researchHandler(client *upstream.Client) mcp.ToolHandlerFor[ResearchInput, json.RawMessage] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ResearchInput) (*mcp.CallToolResult, json.RawMessage, error) {
		result, err := client.Research(ctx, upstream.ResearchRequest{
			Query:      input.Query,
			Depth:      input.Depth,
			MaxSources: input.MaxSources,
		}, gatekeeper.RequestOverrideKey(ctx))
		if err != nil {
			return nil, nil, err
		}

		return rawResult(result), result, nil
	}
}

// rawResult wraps an upstream JSON response as unstructured text
// content alongside the structured output the SDK populates.
func rawResult(body json.RawMessage) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
	}
}
