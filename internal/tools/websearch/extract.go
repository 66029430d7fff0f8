package websearch

import (
	"context"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	maxFetchBytes   = 10 << 20
	maxExtractChars = 10000
)

var (
	strippedTags = []string{"script", "style", "noscript", "iframe", "nav", "header", "footer", "aside"}

	titleRe         = regexp.MustCompile(`(?i)<title[^>]*>(.*?)</title>`)
	ogTitleRe       = regexp.MustCompile(`(?i)<meta[^>]*property=["']og:title["'][^>]*content=["']([^"']*)["']`)
	h1Re            = regexp.MustCompile(`(?i)<h1[^>]*>(.*?)</h1>`)
	metaDescRe      = regexp.MustCompile(`(?i)<meta[^>]*name=["']description["'][^>]*content=["']([^"']*)["']`)
	ogDescRe        = regexp.MustCompile(`(?i)<meta[^>]*property=["']og:description["'][^>]*content=["']([^"']*)["']`)
	bodyRe          = regexp.MustCompile(`(?is)<body[^>]*>(.*?)</body>`)
	anyTagRe        = regexp.MustCompile(`<[^>]*>`)
	lineSpaceRe     = regexp.MustCompile(`[^\S\n]+`)
	multiNewlineRe  = regexp.MustCompile(`\n{3,}`)
	contentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<main[^>]*>(.*?)</main>`),
		regexp.MustCompile(`(?is)<article[^>]*>(.*?)</article>`),
		regexp.MustCompile(`(?is)<div[^>]*class=["'][^"']*content[^"']*["'][^>]*>(.*?)</div>`),
		regexp.MustCompile(`(?is)<div[^>]*class=["'][^"']*article[^"']*["'][^>]*>(.*?)</div>`),
		regexp.MustCompile(`(?is)<div[^>]*id=["']content["'][^>]*>(.*?)</div>`),
		regexp.MustCompile(`(?is)<div[^>]*id=["']main["'][^>]*>(.*?)</div>`),
		regexp.MustCompile(`(?is)<div[^>]*role=["']main["'][^>]*>(.*?)</div>`),
	}
)

// ContentExtractor fetches a page and reduces it to readable text with
// a simplified readability heuristic. Requests are validated against
// private and reserved address ranges before any connection is made.
type ContentExtractor struct {
	httpClient *http.Client

	// allowPrivateHosts disables the address guard. Tests only.
	allowPrivateHosts bool
}

// NewContentExtractor creates an extractor with the address guard on.
func NewContentExtractor() *ContentExtractor {
	return &ContentExtractor{
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// NewContentExtractorForTesting creates an extractor that accepts
// localhost URLs so tests can point it at httptest servers.
func NewContentExtractorForTesting() *ContentExtractor {
	e := NewContentExtractor()
	e.allowPrivateHosts = true
	return e
}

// Extract fetches targetURL and returns its readable text, truncated to
// a bounded length.
func (e *ContentExtractor) Extract(ctx context.Context, targetURL string) (string, error) {
	if !e.allowPrivateHosts {
		if err := validateFetchURL(targetURL); err != nil {
			return "", fmt.Errorf("URL validation failed: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "text/plain") {
		return "", fmt.Errorf("unsupported content type: %s", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}

	content := extractReadable(string(body))
	if len(content) > maxExtractChars {
		content = content[:maxExtractChars] + "..."
	}
	return content, nil
}

// validateFetchURL rejects schemes other than http(s) and hosts that
// resolve to loopback, link-local, private, or metadata addresses.
func validateFetchURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", parsed.Scheme)
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL must have a hostname")
	}
	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("localhost URLs are not allowed")
	}

	// Unresolvable hosts pass; a proxy may own DNS.
	ips, err := net.LookupIP(hostname)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if isBlockedIP(ip) {
			return fmt.Errorf("URL resolves to private/reserved IP address")
		}
	}
	return nil
}

func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	return ip.Equal(net.ParseIP("169.254.169.254"))
}

// extractReadable strips chrome, pulls the title and description, and
// returns "Title: ...\n\nDescription: ...\n\n<content>".
func extractReadable(page string) string {
	for _, tag := range strippedTags {
		re := regexp.MustCompile(`(?is)<` + tag + `[^>]*>.*?</` + tag + `>`)
		page = re.ReplaceAllString(page, "")
	}

	title := firstMatch(page, titleRe, ogTitleRe, h1Re)
	description := firstMatch(page, metaDescRe, ogDescRe)
	content := mainContent(page)
	if content == "" {
		if matches := bodyRe.FindStringSubmatch(page); len(matches) > 1 {
			content = htmlToText(matches[1])
		}
	}
	content = cleanText(content)

	var out strings.Builder
	if title != "" {
		out.WriteString("Title: ")
		out.WriteString(title)
		out.WriteString("\n\n")
	}
	if description != "" {
		out.WriteString("Description: ")
		out.WriteString(description)
		out.WriteString("\n\n")
	}
	out.WriteString(content)
	return out.String()
}

func firstMatch(page string, patterns ...*regexp.Regexp) string {
	for _, re := range patterns {
		if matches := re.FindStringSubmatch(page); len(matches) > 1 {
			return cleanText(matches[1])
		}
	}
	return ""
}

// mainContent tries common content containers and keeps the first one
// with substantial text.
func mainContent(page string) string {
	for _, re := range contentPatterns {
		matches := re.FindStringSubmatch(page)
		if len(matches) > 1 {
			text := htmlToText(matches[1])
			if len(strings.TrimSpace(text)) > 200 {
				return text
			}
		}
	}
	return ""
}

// htmlToText drops tags while keeping paragraph breaks.
func htmlToText(fragment string) string {
	for _, tag := range []string{"p", "div", "h1", "h2", "h3", "h4", "h5", "h6", "li", "br"} {
		open := regexp.MustCompile(`(?i)<` + tag + `[^>]*>`)
		fragment = open.ReplaceAllString(fragment, "\n")
		closing := regexp.MustCompile(`(?i)</` + tag + `>`)
		fragment = closing.ReplaceAllString(fragment, "\n")
	}
	return anyTagRe.ReplaceAllString(fragment, "")
}

func cleanText(text string) string {
	text = html.UnescapeString(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(lineSpaceRe.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = multiNewlineRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
