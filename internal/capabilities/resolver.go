package capabilities

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/comments"
)

// DefaultKey names the fallback record in configuration.
const DefaultKey = "default"

var (
	// ErrInvalidContentType indicates an empty content type key.
	ErrInvalidContentType = errors.New("capabilities: invalid content type")
	// ErrInvalidThreadDepth indicates a negative maximum thread depth.
	ErrInvalidThreadDepth = errors.New("capabilities: invalid max thread depth")
)

// Feature names a capability that can be switched per content type.
type Feature string

const (
	// FeatureFlagging gates removal suggestions.
	FeatureFlagging Feature = "flagging"
	// FeatureFeedback gates like and dislike flags.
	FeatureFeedback Feature = "feedback"
)

// Options describes the commenting features enabled for one content type.
type Options struct {
	AllowFlagging  bool
	AllowFeedback  bool
	ShowFeedback   bool
	MaxThreadDepth int
	FlattenAtMax   bool
}

// Enabled reports whether the feature is switched on.
func (o Options) Enabled(feature Feature) bool {
	switch feature {
	case FeatureFlagging:
		return o.AllowFlagging
	case FeatureFeedback:
		return o.AllowFeedback
	default:
		return false
	}
}

// ThreadPolicy converts the depth settings into the tree store policy.
func (o Options) ThreadPolicy() comments.ThreadPolicy {
	return comments.ThreadPolicy{MaxDepth: o.MaxThreadDepth, FlattenAtMax: o.FlattenAtMax}
}

// Resolver answers per-content-type capability lookups from configuration
// captured at construction. It is safe for concurrent use.
type Resolver struct {
	defaults      Options
	byContentType map[string]Options
}

// NewResolver validates and copies the provided configuration.
func NewResolver(defaults Options, overrides map[string]Options) (*Resolver, error) {
	if defaults.MaxThreadDepth < 0 {
		return nil, fmt.Errorf("%w: %s: %d", ErrInvalidThreadDepth, DefaultKey, defaults.MaxThreadDepth)
	}
	byContentType := make(map[string]Options, len(overrides))
	for rawKey, options := range overrides {
		key := normalizeContentType(rawKey)
		if key == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidContentType, rawKey)
		}
		if options.MaxThreadDepth < 0 {
			return nil, fmt.Errorf("%w: %s: %d", ErrInvalidThreadDepth, key, options.MaxThreadDepth)
		}
		byContentType[key] = options
	}
	return &Resolver{defaults: defaults, byContentType: byContentType}, nil
}

// OptionsFor returns the explicit entry for contentType or the default record.
func (r *Resolver) OptionsFor(contentType string) Options {
	if r == nil {
		return Options{}
	}
	if options, ok := r.byContentType[normalizeContentType(contentType)]; ok {
		return options
	}
	return r.defaults
}

// Defaults returns the fallback record.
func (r *Resolver) Defaults() Options {
	return r.defaults
}

// ContentTypes lists the content types with explicit entries, sorted.
func (r *Resolver) ContentTypes() []string {
	keys := make([]string, 0, len(r.byContentType))
	for key := range r.byContentType {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizeContentType(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
