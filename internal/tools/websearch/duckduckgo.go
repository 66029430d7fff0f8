package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const searchUserAgent = "Mozilla/5.0 (compatible; KestrelBot/1.0)"

// duckDuckGoBackend queries the DuckDuckGo Instant Answer API. It needs
// no credentials, which makes it the default and the fallback backend.
type duckDuckGoBackend struct {
	httpClient *http.Client
	baseURL    string
}

func (b *duckDuckGoBackend) Search(ctx context.Context, params *searchParams) (*SearchResponse, error) {
	base := b.baseURL
	if base == "" {
		base = "https://api.duckduckgo.com"
	}
	endpoint := fmt.Sprintf("%s/?q=%s&format=json&no_html=1", base, url.QueryEscape(params.Query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var ddg struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &ddg); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	results := make([]SearchResult, 0, params.ResultCount)
	if ddg.AbstractText != "" && ddg.AbstractURL != "" {
		results = append(results, SearchResult{
			Title:   ddg.Heading,
			URL:     ddg.AbstractURL,
			Snippet: ddg.AbstractText,
		})
	}
	for _, topic := range ddg.RelatedTopics {
		if len(results) >= params.ResultCount {
			break
		}
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		title := topic.Text
		if len(title) > 100 {
			title = title[:100]
		}
		results = append(results, SearchResult{
			Title:   title,
			URL:     topic.FirstURL,
			Snippet: topic.Text,
		})
	}

	return &SearchResponse{
		Query:       params.Query,
		Type:        params.Type,
		Results:     results,
		ResultCount: len(results),
		Backend:     BackendDuckDuckGo,
	}, nil
}
