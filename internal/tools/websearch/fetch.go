package websearch

import (
	"context"
	"encoding/json"

	"github.com/kestrel-ai/kestrel/internal/tools"
)

// FetchTool implements web_fetch: fetch one URL and return its readable
// content without browser automation.
type FetchTool struct {
	maxChars  int
	extractor *ContentExtractor
}

// FetchOption customizes FetchTool construction.
type FetchOption func(*FetchTool)

// WithExtractor overrides the default content extractor.
func WithExtractor(extractor *ContentExtractor) FetchOption {
	return func(t *FetchTool) {
		if extractor != nil {
			t.extractor = extractor
		}
	}
}

// NewFetchTool creates the web_fetch tool. maxChars <= 0 means the
// default limit of 10000.
func NewFetchTool(maxChars int, opts ...FetchOption) *FetchTool {
	if maxChars <= 0 {
		maxChars = maxExtractChars
	}
	t := &FetchTool{
		maxChars:  maxChars,
		extractor: NewContentExtractor(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *FetchTool) Name() string { return "web_fetch" }

func (t *FetchTool) Description() string {
	return "Fetch and extract readable content from a URL without full browser automation."
}

func (t *FetchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "URL to fetch (http/https only)"},
			"max_chars": {"type": "integer", "minimum": 0, "description": "Maximum characters to return (default: 10000)"}
		},
		"required": ["url"]
	}`)
}

func (t *FetchTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var params struct {
		URL      string `json:"url"`
		MaxChars int    `json:"max_chars"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if params.URL == "" {
		return tools.Errorf("missing required parameter: url"), nil
	}

	limit := t.maxChars
	if params.MaxChars > 0 && params.MaxChars < limit {
		limit = params.MaxChars
	}

	content, err := t.extractor.Extract(ctx, params.URL)
	if err != nil {
		return tools.Errorf("fetch failed: %v", err), nil
	}

	truncated := false
	if limit > 0 && len(content) > limit {
		content = content[:limit] + "..."
		truncated = true
	}

	out := map[string]any{
		"url":     params.URL,
		"content": content,
	}
	if truncated {
		out["truncated"] = true
	}

	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return tools.Errorf("failed to format response: %v", err), nil
	}
	return &tools.Result{Content: string(payload)}, nil
}
