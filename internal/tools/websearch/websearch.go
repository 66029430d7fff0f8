// Package websearch provides the web_search and web_fetch tools: multi
// backend search (DuckDuckGo, Brave) with response caching, and readable
// content extraction from result pages.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kestrel-ai/kestrel/internal/tools"
)

// Backend identifies a search backend.
type Backend string

const (
	BackendDuckDuckGo Backend = "duckduckgo"
	BackendBrave      Backend = "brave"

	// maxCacheEntries bounds the search response cache.
	maxCacheEntries = 1000

	defaultResultCount = 5
	maxResultCount     = 20
)

// SearchType selects what kind of results a query returns.
type SearchType string

const (
	SearchTypeWeb   SearchType = "web"
	SearchTypeImage SearchType = "image"
	SearchTypeNews  SearchType = "news"
)

// Config holds web_search settings: backend credentials, cache TTL, and
// defaults applied when the model omits parameters.
type Config struct {
	BraveAPIKey        string  `json:"brave_api_key,omitempty" yaml:"brave_api_key"`
	DefaultBackend     Backend `json:"default_backend,omitempty" yaml:"default_backend"`
	ExtractContent     bool    `json:"extract_content,omitempty" yaml:"extract_content"`
	DefaultResultCount int     `json:"default_result_count,omitempty" yaml:"default_result_count"`
	CacheTTLSeconds    int     `json:"cache_ttl_seconds,omitempty" yaml:"cache_ttl_seconds"`
}

// searchParams is the tool's argument shape.
type searchParams struct {
	Query          string     `json:"query"`
	Type           SearchType `json:"type,omitempty"`
	ResultCount    int        `json:"result_count,omitempty"`
	ExtractContent bool       `json:"extract_content,omitempty"`
	Backend        Backend    `json:"backend,omitempty"`
}

// SearchResult is one hit from any backend.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Snippet     string `json:"snippet,omitempty"`
	Content     string `json:"content,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
}

// SearchResponse is the tool's output, serialized as indented JSON.
type SearchResponse struct {
	Query       string         `json:"query"`
	Type        SearchType     `json:"type"`
	Results     []SearchResult `json:"results"`
	ResultCount int            `json:"result_count"`
	Backend     Backend        `json:"backend"`
}

// searchBackend is one query engine behind the web_search tool.
type searchBackend interface {
	Search(ctx context.Context, params *searchParams) (*SearchResponse, error)
}

type cacheEntry struct {
	response  *SearchResponse
	expiresAt time.Time
}

// Tool implements the web_search tool over pluggable backends with a
// TTL cache keyed by the full parameter set.
type Tool struct {
	config    Config
	backends  map[Backend]searchBackend
	extractor *ContentExtractor

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
}

// New creates the web_search tool. The Brave backend is only wired when
// an API key is configured; DuckDuckGo needs no credentials and is the
// fallback for every other backend's failures.
func New(config Config) *Tool {
	if config.DefaultResultCount <= 0 {
		config.DefaultResultCount = defaultResultCount
	}
	if config.CacheTTLSeconds <= 0 {
		config.CacheTTLSeconds = 300
	}
	if config.DefaultBackend == "" {
		if config.BraveAPIKey != "" {
			config.DefaultBackend = BackendBrave
		} else {
			config.DefaultBackend = BackendDuckDuckGo
		}
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	backends := map[Backend]searchBackend{
		BackendDuckDuckGo: &duckDuckGoBackend{httpClient: httpClient},
	}
	if config.BraveAPIKey != "" {
		backends[BackendBrave] = &braveBackend{httpClient: httpClient, apiKey: config.BraveAPIKey}
	}

	return &Tool{
		config:    config,
		backends:  backends,
		extractor: NewContentExtractor(),
		cache:     make(map[string]cacheEntry),
	}
}

func (t *Tool) Name() string { return "web_search" }

func (t *Tool) Description() string {
	return "Search the web for information. Supports web, image, and news searches and can optionally extract full page content from result URLs."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "The search query"},
			"type": {"type": "string", "enum": ["web", "image", "news"], "description": "Type of search to perform (default: web)"},
			"result_count": {"type": "integer", "minimum": 1, "maximum": 20, "description": "Number of results to return (default: 5)"},
			"extract_content": {"type": "boolean", "description": "Extract full content from result URLs (default: false)"},
			"backend": {"type": "string", "enum": ["duckduckgo", "brave"], "description": "Search backend (default: configured default)"}
		},
		"required": ["query"]
	}`)
}

// Execute runs the search, consulting the cache first. If the chosen
// backend fails the query is retried on DuckDuckGo before giving up.
func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var params searchParams
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	t.applyDefaults(&params)

	key := t.cacheKey(&params)
	if cached := t.cachedResponse(key); cached != nil {
		return formatResponse(cached)
	}

	backend, ok := t.backends[params.Backend]
	if !ok {
		return tools.Errorf("search backend %q is not configured", params.Backend), nil
	}

	response, err := backend.Search(ctx, &params)
	if err != nil && params.Backend != BackendDuckDuckGo {
		response, err = t.backends[BackendDuckDuckGo].Search(ctx, &params)
		if response != nil {
			response.Backend = BackendDuckDuckGo
		}
	}
	if err != nil {
		return tools.Errorf("search failed: %v", err), nil
	}

	if params.ExtractContent && params.Type == SearchTypeWeb {
		t.extractContent(ctx, response)
	}

	t.storeResponse(key, response)
	return formatResponse(response)
}

func (t *Tool) applyDefaults(params *searchParams) {
	if params.Type == "" {
		params.Type = SearchTypeWeb
	}
	if params.ResultCount <= 0 {
		params.ResultCount = t.config.DefaultResultCount
	}
	if params.ResultCount > maxResultCount {
		params.ResultCount = maxResultCount
	}
	if params.Backend == "" {
		params.Backend = t.config.DefaultBackend
	}
	if !params.ExtractContent {
		params.ExtractContent = t.config.ExtractContent
	}
}

func formatResponse(response *SearchResponse) (*tools.Result, error) {
	payload, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		return tools.Errorf("failed to format search response: %v", err), nil
	}
	return &tools.Result{Content: string(payload)}, nil
}

func (t *Tool) cacheKey(params *searchParams) string {
	return fmt.Sprintf("%s:%s:%d:%v:%s",
		params.Backend, params.Type, params.ResultCount, params.ExtractContent, params.Query)
}

func (t *Tool) cachedResponse(key string) *SearchResponse {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()

	entry, ok := t.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.response
}

func (t *Tool) storeResponse(key string, response *SearchResponse) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()

	now := time.Now()
	for k, v := range t.cache {
		if now.After(v.expiresAt) {
			delete(t.cache, k)
		}
	}

	// Still full after pruning: evict whatever expires soonest.
	for len(t.cache) >= maxCacheEntries {
		var victim string
		var victimExpiry time.Time
		for k, v := range t.cache {
			if victim == "" || v.expiresAt.Before(victimExpiry) {
				victim = k
				victimExpiry = v.expiresAt
			}
		}
		delete(t.cache, victim)
	}

	t.cache[key] = cacheEntry{
		response:  response,
		expiresAt: now.Add(time.Duration(t.config.CacheTTLSeconds) * time.Second),
	}
}

// extractContent fetches readable text for each result in parallel.
// Extraction failures leave the snippet as the only content.
func (t *Tool) extractContent(ctx context.Context, response *SearchResponse) {
	var wg sync.WaitGroup
	for i := range response.Results {
		wg.Add(1)
		go func(result *SearchResult) {
			defer wg.Done()
			content, err := t.extractor.Extract(ctx, result.URL)
			if err == nil && content != "" {
				result.Content = content
			}
		}(&response.Results[i])
	}
	wg.Wait()
}
