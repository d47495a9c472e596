package submission

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/comments"
)

const objectIDPlaceholder = "{id}"

// TargetTemplate describes how objects of one content type are presented.
// URL may contain {id}, replaced with the object identifier.
type TargetTemplate struct {
	Title string
	URL   string
}

// RegistryResolver accepts targets whose content type is registered.
type RegistryResolver struct {
	templates map[string]TargetTemplate
}

// NewRegistryResolver builds a resolver from per-content-type templates.
func NewRegistryResolver(templates map[string]TargetTemplate) *RegistryResolver {
	normalized := make(map[string]TargetTemplate, len(templates))
	for contentType, template := range templates {
		key := strings.ToLower(strings.TrimSpace(contentType))
		if key == "" {
			continue
		}
		normalized[key] = template
	}
	return &RegistryResolver{templates: normalized}
}

// Resolve implements TargetResolver.
func (r *RegistryResolver) Resolve(_ context.Context, target comments.Target) (TargetInfo, error) {
	if err := target.Validate(); err != nil {
		return TargetInfo{}, fmt.Errorf("%w: %v", ErrUnknownTarget, err)
	}
	template, ok := r.templates[strings.ToLower(strings.TrimSpace(target.ContentType))]
	if !ok {
		return TargetInfo{}, fmt.Errorf("%w: %s", ErrUnknownTarget, target.String())
	}
	objectID := strings.TrimSpace(target.ObjectID)
	title := template.Title
	if title == "" {
		title = target.ContentType + " " + objectID
	}
	return TargetInfo{
		Title: strings.ReplaceAll(title, objectIDPlaceholder, objectID),
		URL:   strings.ReplaceAll(template.URL, objectIDPlaceholder, objectID),
	}, nil
}
