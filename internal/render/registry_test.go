package render

import (
	"errors"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/comments"
)

func TestNewRegistryRejectsUnknownKinds(t *testing.T) {
	if _, err := NewRegistry([]string{"plain", "bbcode"}); !errors.Is(err, comments.ErrUnknownMarkup) {
		t.Fatalf("expected ErrUnknownMarkup, got %v", err)
	}
}

func TestRegistryKindsAndSupport(t *testing.T) {
	registry, err := NewRegistry([]string{"markdown", "plain"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	kinds := registry.Kinds()
	if len(kinds) != 2 || kinds[0] != comments.MarkupMarkdown || kinds[1] != comments.MarkupPlain {
		t.Fatalf("unexpected kinds %v", kinds)
	}
	if registry.Supports(comments.MarkupRichText) {
		t.Fatalf("rich text was not enabled")
	}
	if _, err := registry.Render(comments.MarkupRichText, "{}"); !errors.Is(err, ErrUnsupportedMarkup) {
		t.Fatalf("expected ErrUnsupportedMarkup, got %v", err)
	}

	all, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all.Kinds()) != len(comments.MarkupKinds()) {
		t.Fatalf("an empty list should enable every kind")
	}
}

func TestRenderPlainEscapesHTML(t *testing.T) {
	registry, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	output, err := registry.Render(comments.MarkupPlain, "<b>hi</b>\nthere")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output != "&lt;b&gt;hi&lt;/b&gt;<br>\nthere" {
		t.Fatalf("unexpected output %q", output)
	}
}

func TestRenderMarkdownSanitizes(t *testing.T) {
	registry, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	output, err := registry.Render(comments.MarkupMarkdown, "**bold** <script>alert(1)</script> [site](https://example.com)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "<strong>bold</strong>") {
		t.Fatalf("expected strong markup, got %q", output)
	}
	if strings.Contains(output, "<script") {
		t.Fatalf("script must be stripped, got %q", output)
	}
	if !strings.Contains(output, `target="_blank"`) {
		t.Fatalf("external links should open in a new tab, got %q", output)
	}
}

func TestRenderRichTextBlocks(t *testing.T) {
	registry, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	source := `{"blocks":[
		{"text":"Title","type":"header-two"},
		{"text":"one","type":"unordered-list-item"},
		{"text":"two","type":"unordered-list-item"},
		{"text":"<img src=x onerror=alert(1)>","type":"unstyled"}
	],"entityMap":{}}`
	output, err := registry.Render(comments.MarkupRichText, source)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectedPrefix := "<h2>Title</h2><ul><li>one</li><li>two</li></ul><p>"
	if !strings.HasPrefix(output, expectedPrefix) {
		t.Fatalf("unexpected output %q", output)
	}
	if strings.Contains(output, "<img") {
		t.Fatalf("block text must be escaped, got %q", output)
	}

	if _, err := registry.Render(comments.MarkupRichText, "not json"); err == nil {
		t.Fatalf("expected error for malformed rich text")
	}
}
