// Package render turns stored comment bodies into sanitized HTML, keyed by
// the markup kind recorded with each comment.
package render

import (
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/comments"
	"github.com/microcosm-cc/bluemonday"
)

// ErrUnsupportedMarkup indicates a markup kind the registry was not configured with.
var ErrUnsupportedMarkup = errors.New("render: unsupported markup kind")

// Renderer converts a raw body to HTML.
type Renderer interface {
	Render(source string) (string, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(source string) (string, error)

// Render implements Renderer.
func (f RendererFunc) Render(source string) (string, error) {
	return f(source)
}

// Registry maps markup kinds to renderers. It is immutable after construction.
type Registry struct {
	renderers map[comments.MarkupKind]Renderer
}

// NewRegistry enables the named markup kinds with the built-in renderers.
// Unknown names fail here rather than when a comment is rendered. An empty
// list enables every kind.
func NewRegistry(kinds []string) (*Registry, error) {
	policy := newPolicy()
	builtins := map[comments.MarkupKind]Renderer{
		comments.MarkupPlain:    RendererFunc(renderPlain),
		comments.MarkupMarkdown: newMarkdownRenderer(policy),
		comments.MarkupRichText: newRichTextRenderer(policy),
	}

	if len(kinds) == 0 {
		return &Registry{renderers: builtins}, nil
	}
	renderers := make(map[comments.MarkupKind]Renderer, len(kinds))
	for _, raw := range kinds {
		kind, err := comments.ParseMarkupKind(raw)
		if err != nil {
			return nil, err
		}
		renderers[kind] = builtins[kind]
	}
	return &Registry{renderers: renderers}, nil
}

// Kinds lists the enabled markup kinds, sorted.
func (r *Registry) Kinds() []comments.MarkupKind {
	kinds := make([]comments.MarkupKind, 0, len(r.renderers))
	for kind := range r.renderers {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Supports reports whether kind is enabled.
func (r *Registry) Supports(kind comments.MarkupKind) bool {
	_, ok := r.renderers[kind]
	return ok
}

// Render converts body with the renderer registered for kind.
func (r *Registry) Render(kind comments.MarkupKind, body string) (string, error) {
	renderer, ok := r.renderers[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMarkup, kind)
	}
	return renderer.Render(body)
}

func newPolicy() *bluemonday.Policy {
	policy := bluemonday.UGCPolicy()
	policy.AddTargetBlankToFullyQualifiedLinks(true)
	policy.RequireNoReferrerOnLinks(true)
	return policy
}
