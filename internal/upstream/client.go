// Package upstream formats requests for the search API's operations
// and delegates the calls to the failover executor. It is a thin
// layer: all credential selection, retry, and failure classification
// live in the executor.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"

	relayerrors "searchrelay/internal/errors"
	"searchrelay/internal/executor"
)

// Endpoint paths on the upstream API.
const (
	endpointSearch   = "/search"
	endpointExtract  = "/extract"
	endpointCrawl    = "/crawl"
	endpointResearch = "/research"
)

// Client issues the individual search/content operations.
type Client struct {
	exec *executor.Executor
}

// NewClient builds a client over the given executor.
func NewClient(exec *executor.Executor) *Client {
	return &Client{exec: exec}
}

// SearchRequest is the payload for the search operation.
type SearchRequest struct {
	Query             string   `json:"query"`
	SearchDepth       string   `json:"search_depth,omitempty"`
	Topic             string   `json:"topic,omitempty"`
	MaxResults        int      `json:"max_results,omitempty"`
	IncludeAnswer     bool     `json:"include_answer,omitempty"`
	IncludeRawContent bool     `json:"include_raw_content,omitempty"`
	IncludeDomains    []string `json:"include_domains,omitempty"`
	ExcludeDomains    []string `json:"exclude_domains,omitempty"`
	TimeRange         string   `json:"time_range,omitempty"`
}

// ExtractRequest is the payload for the extract operation.
type ExtractRequest struct {
	URLs          []string `json:"urls"`
	ExtractDepth  string   `json:"extract_depth,omitempty"`
	IncludeImages bool     `json:"include_images,omitempty"`
}

// CrawlRequest is the payload for the crawl operation.
type CrawlRequest struct {
	URL           string   `json:"url"`
	MaxDepth      int      `json:"max_depth,omitempty"`
	MaxBreadth    int      `json:"max_breadth,omitempty"`
	Limit         int      `json:"limit,omitempty"`
	Instructions  string   `json:"instructions,omitempty"`
	SelectPaths   []string `json:"select_paths,omitempty"`
	AllowExternal bool     `json:"allow_external,omitempty"`
}

// ResearchRequest is the payload for the research operation.
type ResearchRequest struct {
	Query      string `json:"query"`
	Depth      string `json:"depth,omitempty"`
	MaxSources int    `json:"max_sources,omitempty"`
}

// Search performs a web search. override, when non-empty, is a
// caller-supplied upstream key bypassing the pool.
func (c *Client) Search(ctx context.Context, req SearchRequest, override string) (json.RawMessage, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("%w: query is required", relayerrors.ErrInvalidInput)
	}

	return c.exec.Execute(ctx, endpointSearch, req, override)
}

// Extract fetches page content for a set of URLs.
func (c *Client) Extract(ctx context.Context, req ExtractRequest, override string) (json.RawMessage, error) {
	if len(req.URLs) == 0 {
		return nil, fmt.Errorf("%w: at least one url is required", relayerrors.ErrInvalidInput)
	}

	return c.exec.Execute(ctx, endpointExtract, req, override)
}

// Crawl walks a site starting from a root URL.
func (c *Client) Crawl(ctx context.Context, req CrawlRequest, override string) (json.RawMessage, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("%w: url is required", relayerrors.ErrInvalidInput)
	}

	return c.exec.Execute(ctx, endpointCrawl, req, override)
}

// Research runs a multi-step research query.
func (c *Client) Research(ctx context.Context, req ResearchRequest, override string) (json.RawMessage, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("%w: query is required", relayerrors.ErrInvalidInput)
	}

	return c.exec.Execute(ctx, endpointResearch, req, override)
}
