package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// braveBackend queries the Brave Search API. Web, image, and news
// searches hit different endpoints with different response shapes.
type braveBackend struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
}

func (b *braveBackend) Search(ctx context.Context, params *searchParams) (*SearchResponse, error) {
	base := b.baseURL
	if base == "" {
		base = "https://api.search.brave.com/res/v1"
	}

	var endpoint string
	switch params.Type {
	case SearchTypeImage:
		endpoint = "/images/search"
	case SearchTypeNews:
		endpoint = "/news/search"
	default:
		endpoint = "/web/search"
	}

	searchURL, err := url.Parse(base + endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid brave URL: %w", err)
	}
	query := url.Values{}
	query.Set("q", params.Query)
	query.Set("count", strconv.Itoa(params.ResultCount))
	searchURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave API returned status %d: %s", resp.StatusCode, string(body))
	}

	results, err := parseBraveResults(params.Type, body)
	if err != nil {
		return nil, err
	}

	return &SearchResponse{
		Query:       params.Query,
		Type:        params.Type,
		Results:     results,
		ResultCount: len(results),
		Backend:     BackendBrave,
	}, nil
}

func parseBraveResults(searchType SearchType, body []byte) ([]SearchResult, error) {
	results := make([]SearchResult, 0)

	switch searchType {
	case SearchTypeImage:
		var parsed struct {
			Results []struct {
				Title     string `json:"title"`
				Thumbnail struct {
					Src string `json:"src"`
				} `json:"thumbnail"`
				Properties struct {
					URL string `json:"url"`
				} `json:"properties"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		for _, r := range parsed.Results {
			results = append(results, SearchResult{
				Title:    r.Title,
				URL:      r.Properties.URL,
				ImageURL: r.Thumbnail.Src,
			})
		}

	case SearchTypeNews:
		var parsed struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
				Age         string `json:"age"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		for _, r := range parsed.Results {
			results = append(results, SearchResult{
				Title:       r.Title,
				URL:         r.URL,
				Snippet:     r.Description,
				PublishedAt: r.Age,
			})
		}

	default:
		var parsed struct {
			Web struct {
				Results []struct {
					Title       string `json:"title"`
					URL         string `json:"url"`
					Description string `json:"description"`
				} `json:"results"`
			} `json:"web"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		for _, r := range parsed.Web.Results {
			results = append(results, SearchResult{
				Title:   r.Title,
				URL:     r.URL,
				Snippet: r.Description,
			})
		}
	}

	return results, nil
}
