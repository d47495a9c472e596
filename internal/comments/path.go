package comments

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultSegmentWidth is the number of base-36 characters per path segment.
	// Five characters give 36^5 = 60,466,176 siblings per parent, and the same
	// number of root sentinels (commentable targets) per deployment.
	DefaultSegmentWidth = 5
	// MaxPathLength bounds the stored path column.
	MaxPathLength = 512

	pathRadix       = 36
	maxSegmentWidth = 12
)

var (
	// ErrCapacityExceeded indicates that no unused segment remains under a parent,
	// or that a path would exceed MaxPathLength.
	ErrCapacityExceeded = errors.New("comments: path segment space exhausted")
	// ErrInvalidPath indicates that a stored path does not decode with the configured width.
	ErrInvalidPath = errors.New("comments: invalid path")
	// ErrInvalidSegmentWidth indicates an unsupported segment width.
	ErrInvalidSegmentWidth = errors.New("comments: invalid segment width")
)

// PathCodec encodes tree positions as fixed-width, upper-case base-36 segments.
// Lexical order of encoded paths equals pre-order traversal order.
type PathCodec struct {
	width    int
	capacity int64
}

// NewPathCodec returns a codec using the provided segment width.
func NewPathCodec(width int) (PathCodec, error) {
	if width < 1 || width > maxSegmentWidth {
		return PathCodec{}, fmt.Errorf("%w: %d (allowed 1..%d)", ErrInvalidSegmentWidth, width, maxSegmentWidth)
	}
	capacity := int64(1)
	for i := 0; i < width; i++ {
		capacity *= pathRadix
	}
	return PathCodec{width: width, capacity: capacity}, nil
}

// Width returns the segment width.
func (c PathCodec) Width() int {
	return c.width
}

// Capacity returns the number of distinct siblings a parent can hold.
func (c PathCodec) Capacity() int64 {
	return c.capacity
}

// Segment encodes a zero-based sibling index.
func (c PathCodec) Segment(index int64) (string, error) {
	if index < 0 || index >= c.capacity {
		return "", fmt.Errorf("%w: sibling index %d outside 0..%d", ErrCapacityExceeded, index, c.capacity-1)
	}
	encoded := strings.ToUpper(strconv.FormatInt(index, pathRadix))
	return strings.Repeat("0", c.width-len(encoded)) + encoded, nil
}

// Index decodes a single segment.
func (c PathCodec) Index(segment string) (int64, error) {
	if len(segment) != c.width {
		return 0, fmt.Errorf("%w: segment %q has width %d, want %d", ErrInvalidPath, segment, len(segment), c.width)
	}
	for _, character := range segment {
		if (character < '0' || character > '9') && (character < 'A' || character > 'Z') {
			return 0, fmt.Errorf("%w: segment %q", ErrInvalidPath, segment)
		}
	}
	value, err := strconv.ParseInt(segment, pathRadix, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: segment %q", ErrInvalidPath, segment)
	}
	return value, nil
}

// NextChild returns the path of the next sibling under parentPath, given the
// greatest existing child path (empty when the parent has no children).
func (c PathCodec) NextChild(parentPath, lastChildPath string) (string, error) {
	next := int64(0)
	if lastChildPath != "" {
		if !strings.HasPrefix(lastChildPath, parentPath) || len(lastChildPath) != len(parentPath)+c.width {
			return "", fmt.Errorf("%w: %q is not a child of %q", ErrInvalidPath, lastChildPath, parentPath)
		}
		last, err := c.Index(lastChildPath[len(parentPath):])
		if err != nil {
			return "", err
		}
		next = last + 1
	}
	segment, err := c.Segment(next)
	if err != nil {
		return "", err
	}
	path := parentPath + segment
	if len(path) > MaxPathLength {
		return "", fmt.Errorf("%w: path length %d exceeds %d", ErrCapacityExceeded, len(path), MaxPathLength)
	}
	return path, nil
}

// Depth returns the depth encoded by a path.
func (c PathCodec) Depth(path string) int {
	return len(path) / c.width
}

// Parent returns the parent path, or empty for a root path.
func (c PathCodec) Parent(path string) string {
	if len(path) <= c.width {
		return ""
	}
	return path[:len(path)-c.width]
}

// Prefix returns the ancestor path at the given depth.
func (c PathCodec) Prefix(path string, depth int) string {
	end := depth * c.width
	if end >= len(path) {
		return path
	}
	if end <= 0 {
		return ""
	}
	return path[:end]
}

// Ancestors returns every proper ancestor path, outermost first.
func (c PathCodec) Ancestors(path string) []string {
	depth := c.Depth(path)
	if depth <= 1 {
		return nil
	}
	ancestors := make([]string, 0, depth-1)
	for level := 1; level < depth; level++ {
		ancestors = append(ancestors, path[:level*c.width])
	}
	return ancestors
}

// Validate checks that the path consists of whole, decodable segments.
func (c PathCodec) Validate(path string) error {
	if path == "" || len(path)%c.width != 0 {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	for offset := 0; offset < len(path); offset += c.width {
		if _, err := c.Index(path[offset : offset+c.width]); err != nil {
			return err
		}
	}
	return nil
}
