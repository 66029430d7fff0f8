package sanitize

import (
	"context"
	"testing"

	"github.com/kestrel-ai/kestrel/pkg/models"
)

func TestText_StripsPseudoTag(t *testing.T) {
	cleaned, stripped := Text(`<search>{"q":"x"}</search> done`)

	if cleaned != "done" {
		t.Errorf("expected %q, got %q", "done", cleaned)
	}
	if len(stripped) != 1 {
		t.Fatalf("expected 1 stripped tag, got %d", len(stripped))
	}
	if stripped[0].Name != "search" || stripped[0].Body != `{"q":"x"}` {
		t.Errorf("unexpected stripped tag %+v", stripped[0])
	}
}

func TestText_CleanInputUnchanged(t *testing.T) {
	inputs := []string{
		"a plain answer",
		"math: 1 < 2 and 3 > 2",
		"code sample: `<div>hello</div>`",
		"",
	}

	for _, in := range inputs {
		cleaned, stripped := Text(in)
		if cleaned != in {
			t.Errorf("clean input %q altered to %q", in, cleaned)
		}
		if stripped != nil {
			t.Errorf("clean input %q reported stripped tags %v", in, stripped)
		}
	}
}

func TestText_Idempotent(t *testing.T) {
	inputs := []string{
		`<search>{"q":"x"}</search> done`,
		`prefix <fetch>{"url":"https://example.com"}</fetch> suffix`,
		"already clean",
	}

	for _, in := range inputs {
		once, _ := Text(in)
		twice, stripped := Text(once)
		if once != twice {
			t.Errorf("not idempotent for %q: first %q, second %q", in, once, twice)
		}
		if stripped != nil {
			t.Errorf("second pass for %q stripped %v", in, stripped)
		}
	}
}

func TestText_PreservesSurroundingProse(t *testing.T) {
	cleaned, _ := Text(`I will look that up. <search>{"q":"go generics"}</search> One moment.`)

	want := "I will look that up.  One moment."
	if cleaned != want {
		t.Errorf("expected %q, got %q", want, cleaned)
	}
}

func TestText_MismatchedTagNamesKept(t *testing.T) {
	in := `<search>{"q":"x"}</fetch> done`
	cleaned, stripped := Text(in)

	if cleaned != in {
		t.Errorf("mismatched tags should be kept, got %q", cleaned)
	}
	if stripped != nil {
		t.Errorf("mismatched tags reported as stripped: %v", stripped)
	}
}

func TestText_NonJSONBodyKept(t *testing.T) {
	in := `<em>{not json}</em> done`
	cleaned, stripped := Text(in)

	if cleaned != in {
		t.Errorf("non-JSON body should be kept, got %q", cleaned)
	}
	if stripped != nil {
		t.Errorf("non-JSON body reported as stripped: %v", stripped)
	}
}

func TestText_MultipleTags(t *testing.T) {
	cleaned, stripped := Text(`<a>{"x":1}</a> middle <b>{"y":2}</b>`)

	if cleaned != "middle" {
		t.Errorf("expected %q, got %q", "middle", cleaned)
	}
	if len(stripped) != 2 {
		t.Fatalf("expected 2 stripped tags, got %d", len(stripped))
	}
	if stripped[0].Name != "a" || stripped[1].Name != "b" {
		t.Errorf("unexpected tag order %+v", stripped)
	}
}

func TestText_NestedJSONBodyStripped(t *testing.T) {
	cleaned, stripped := Text(`<search>{"a":{"b":1}}</search> done`)

	if cleaned != "done" {
		t.Errorf("expected %q, got %q", "done", cleaned)
	}
	if len(stripped) != 1 {
		t.Fatalf("expected 1 stripped tag, got %d", len(stripped))
	}
	if stripped[0].Body != `{"a":{"b":1}}` {
		t.Errorf("unexpected body %q", stripped[0].Body)
	}
}

func TestText_BracesInsideStringsStripped(t *testing.T) {
	cleaned, stripped := Text(`<note>{"text":"a } and { and \" too"}</note> ok`)

	if cleaned != "ok" {
		t.Errorf("expected %q, got %q", "ok", cleaned)
	}
	if len(stripped) != 1 {
		t.Fatalf("expected 1 stripped tag, got %d", len(stripped))
	}
}

func TestText_UnterminatedBodyKept(t *testing.T) {
	in := `<search>{"q":{"x":1}` // nested object never closed
	cleaned, stripped := Text(in + ` </search`)

	if stripped != nil {
		t.Errorf("unterminated body reported as stripped: %v", stripped)
	}
	if cleaned != in+` </search` {
		t.Errorf("unterminated body altered: %q", cleaned)
	}
}

func TestText_MultilineJSONBody(t *testing.T) {
	in := "<search>{\n  \"q\": \"x\"\n}</search> done"
	cleaned, stripped := Text(in)

	if cleaned != "done" {
		t.Errorf("expected %q, got %q", "done", cleaned)
	}
	if len(stripped) != 1 {
		t.Fatalf("expected 1 stripped tag, got %d", len(stripped))
	}
}

func TestMessage_PreservesToolCalls(t *testing.T) {
	s := New(nil)
	msg := models.Message{
		Role:    models.RoleAssistant,
		Content: `<search>{"q":"x"}</search> done`,
		ToolCalls: []models.ToolCall{
			{ID: "call-1", Name: "search", Input: []byte(`{"q":"x"}`)},
		},
	}

	cleaned := s.Message(context.Background(), msg)

	if cleaned.Content != "done" {
		t.Errorf("expected cleaned content %q, got %q", "done", cleaned.Content)
	}
	if len(cleaned.ToolCalls) != 1 || cleaned.ToolCalls[0].ID != "call-1" {
		t.Errorf("structured tool calls must be preserved, got %+v", cleaned.ToolCalls)
	}
}

func TestMessage_CleanMessageUntouched(t *testing.T) {
	s := New(nil)
	msg := models.Message{Role: models.RoleAssistant, Content: "  spaced prose  "}

	cleaned := s.Message(context.Background(), msg)
	if cleaned.Content != msg.Content {
		t.Errorf("clean message content altered: %q", cleaned.Content)
	}
}
