package flags

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/capabilities"
)

// Kind enumerates the reactions a user can leave on a comment.
type Kind string

const (
	// KindLike marks approval.
	KindLike Kind = "like"
	// KindDislike marks disapproval. It is mutually exclusive with KindLike.
	KindDislike Kind = "dislike"
	// KindRemoval suggests that moderators remove the comment.
	KindRemoval Kind = "removal"
)

var (
	// ErrUnknownKind indicates an unsupported flag kind.
	ErrUnknownKind = errors.New("flags: unknown flag kind")
	// ErrCapabilityDisabled indicates that the comment's content type does not permit the flag kind.
	ErrCapabilityDisabled = errors.New("flags: capability disabled")
	// ErrInvalidUser indicates a missing user reference.
	ErrInvalidUser = errors.New("flags: invalid user")
	// ErrInvalidComment indicates a missing comment reference or a root sentinel.
	ErrInvalidComment = errors.New("flags: invalid comment")
)

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(KindLike):
		return KindLike, nil
	case string(KindDislike):
		return KindDislike, nil
	case string(KindRemoval), "report", "removal_suggestion", "removal-suggestion":
		return KindRemoval, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, rawInput)
	}
}

// Feature returns the capability that gates the kind.
func (k Kind) Feature() capabilities.Feature {
	if k == KindRemoval {
		return capabilities.FeatureFlagging
	}
	return capabilities.FeatureFeedback
}

// opposite returns the kind that cannot coexist with k for one user.
func (k Kind) opposite() (Kind, bool) {
	switch k {
	case KindLike:
		return KindDislike, true
	case KindDislike:
		return KindLike, true
	default:
		return "", false
	}
}

// CapabilityError reports a flag kind refused by capability configuration.
type CapabilityError struct {
	Kind        Kind
	ContentType string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("flags: capability disabled for %s flags on %s", e.Kind, e.ContentType)
}

// Is matches ErrCapabilityDisabled.
func (e *CapabilityError) Is(target error) bool {
	return target == ErrCapabilityDisabled
}

// Flag is one user's reaction to one comment.
type Flag struct {
	CommentID        string `gorm:"column:comment_id;primaryKey;size:64;not null;index:idx_comment_flags_comment"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Kind             Kind   `gorm:"column:kind;primaryKey;size:16;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Flag) TableName() string {
	return "comment_flags"
}

// Counts aggregates flags on one comment.
type Counts struct {
	Like    int64 `json:"like"`
	Dislike int64 `json:"dislike"`
	Removal int64 `json:"removal_suggestion"`
}

func (c *Counts) add(kind Kind, count int64) {
	switch kind {
	case KindLike:
		c.Like += count
	case KindDislike:
		c.Dislike += count
	case KindRemoval:
		c.Removal += count
	}
}
