package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"
)

func renderPlain(source string) (string, error) {
	escaped := html.EscapeString(strings.ReplaceAll(source, "\r\n", "\n"))
	return strings.ReplaceAll(escaped, "\n", "<br>\n"), nil
}

type markdownRenderer struct {
	markdown goldmark.Markdown
	policy   *bluemonday.Policy
}

func newMarkdownRenderer(policy *bluemonday.Policy) *markdownRenderer {
	return &markdownRenderer{
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(
				goldmarkhtml.WithHardWraps(),
				goldmarkhtml.WithXHTML(),
			),
		),
		policy: policy,
	}
}

func (r *markdownRenderer) Render(source string) (string, error) {
	var buffer bytes.Buffer
	if err := r.markdown.Convert([]byte(source), &buffer); err != nil {
		return "", fmt.Errorf("render: markdown: %w", err)
	}
	return string(r.policy.SanitizeBytes(buffer.Bytes())), nil
}

// richTextDocument is the raw block document emitted by draft.js editors.
type richTextDocument struct {
	Blocks []richTextBlock `json:"blocks"`
}

type richTextBlock struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

var richTextBlockTags = map[string]string{
	"unstyled":            "p",
	"paragraph":           "p",
	"header-one":          "h1",
	"header-two":          "h2",
	"header-three":        "h3",
	"header-four":         "h4",
	"header-five":         "h5",
	"header-six":          "h6",
	"blockquote":          "blockquote",
	"code-block":          "pre",
	"unordered-list-item": "li",
	"ordered-list-item":   "li",
}

var richTextListTags = map[string]string{
	"unordered-list-item": "ul",
	"ordered-list-item":   "ol",
}

type richTextRenderer struct {
	policy *bluemonday.Policy
}

func newRichTextRenderer(policy *bluemonday.Policy) *richTextRenderer {
	return &richTextRenderer{policy: policy}
}

func (r *richTextRenderer) Render(source string) (string, error) {
	var document richTextDocument
	if err := json.Unmarshal([]byte(source), &document); err != nil {
		return "", fmt.Errorf("render: rich text: %w", err)
	}

	var builder strings.Builder
	openList := ""
	for _, block := range document.Blocks {
		listTag := richTextListTags[block.Type]
		if openList != "" && listTag != openList {
			builder.WriteString("</" + openList + ">")
			openList = ""
		}
		if listTag != "" && openList == "" {
			builder.WriteString("<" + listTag + ">")
			openList = listTag
		}
		tag, ok := richTextBlockTags[block.Type]
		if !ok {
			tag = "p"
		}
		builder.WriteString("<" + tag + ">")
		builder.WriteString(html.EscapeString(block.Text))
		builder.WriteString("</" + tag + ">")
	}
	if openList != "" {
		builder.WriteString("</" + openList + ">")
	}
	return r.policy.Sanitize(builder.String()), nil
}
