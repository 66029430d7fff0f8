package sanitize

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kestrel-ai/kestrel/internal/observability"
	"github.com/kestrel-ai/kestrel/pkg/models"
)

// Some providers leak tool invocations into the text channel as
// pseudo-tags like <search>{"q":"weather"}</search> instead of using
// the structured tool-call field. The regex only locates open tags;
// the body is consumed by a brace scanner because a regex cannot
// balance nested JSON objects.
var openTagPattern = regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9_-]*)>`)

// StrippedTag records one pseudo-tag removed from message text.
type StrippedTag struct {
	Name string
	Body string
}

// Sanitizer cleans model-emitted text of malformed tool-call syntax.
type Sanitizer struct {
	logger *observability.Logger
}

// New creates a sanitizer. A nil logger disables transformation logging.
func New(logger *observability.Logger) *Sanitizer {
	return &Sanitizer{logger: logger}
}

// Message returns a copy of an assistant message with pseudo-tags
// stripped from its text content. Structured tool calls are never
// touched. Sanitizing an already-clean message is a no-op.
func (s *Sanitizer) Message(ctx context.Context, msg models.Message) models.Message {
	cleaned, stripped := Text(msg.Content)
	if len(stripped) == 0 {
		return msg
	}

	if s.logger != nil {
		names := make([]string, len(stripped))
		for i, tag := range stripped {
			names[i] = tag.Name
		}
		s.logger.Warn(ctx, "Stripped pseudo tool tags from model output",
			"tags", names,
			"original_length", len(msg.Content),
			"cleaned_length", len(cleaned),
		)
	}

	msg.Content = cleaned
	return msg
}

// Text strips pseudo-tags from free text and returns the cleaned text
// plus the tags removed. A candidate is only stripped when its open
// and close names match and its body is valid JSON; anything else is
// treated as legitimate prose.
func Text(text string) (string, []StrippedTag) {
	if !strings.Contains(text, "</") {
		return text, nil
	}

	var (
		stripped []StrippedTag
		cleaned  strings.Builder
		pos      int
	)
	for pos < len(text) {
		loc := openTagPattern.FindStringSubmatchIndex(text[pos:])
		if loc == nil {
			cleaned.WriteString(text[pos:])
			break
		}
		tagStart, tagEnd := pos+loc[0], pos+loc[1]
		name := text[pos+loc[2] : pos+loc[3]]

		body, rest, ok := spanPseudoTag(text[tagEnd:], name)
		if !ok {
			cleaned.WriteString(text[pos:tagEnd])
			pos = tagEnd
			continue
		}
		cleaned.WriteString(text[pos:tagStart])
		stripped = append(stripped, StrippedTag{Name: name, Body: body})
		pos = len(text) - len(rest)
	}

	if len(stripped) == 0 {
		return text, nil
	}
	return strings.TrimSpace(cleaned.String()), stripped
}

// spanPseudoTag consumes a JSON object and the matching close tag from
// the front of s. The scan tracks string literals so braces inside
// keys and values do not count toward nesting.
func spanPseudoTag(s, name string) (body, rest string, ok bool) {
	i := skipSpace(s, 0)
	if i >= len(s) || s[i] != '{' {
		return "", "", false
	}

	var (
		depth    int
		inString bool
		escaped  bool
	)
	bodyStart, bodyEnd := i, -1
scan:
	for ; i < len(s); i++ {
		switch c := s[i]; {
		case escaped:
			escaped = false
		case inString:
			if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				bodyEnd = i + 1
				break scan
			}
		}
	}
	if bodyEnd < 0 {
		return "", "", false
	}

	body = s[bodyStart:bodyEnd]
	if !json.Valid([]byte(body)) {
		return "", "", false
	}

	closeStart := skipSpace(s, bodyEnd)
	closing := "</" + name + ">"
	if !strings.HasPrefix(s[closeStart:], closing) {
		return "", "", false
	}
	return body, s[closeStart+len(closing):], true
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}
