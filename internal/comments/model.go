package comments

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MarkupKind enumerates the body formats a comment may be stored in.
type MarkupKind string

const (
	// MarkupPlain stores the body as plain text.
	MarkupPlain MarkupKind = "plain"
	// MarkupMarkdown stores the body as Markdown source.
	MarkupMarkdown MarkupKind = "markdown"
	// MarkupRichText stores the body as a serialized rich-text document.
	MarkupRichText MarkupKind = "richtext"
)

const (
	maxContentTypeLength = 100
	maxIdentifierLength  = 190
)

var (
	// ErrInvalidTarget indicates that a target reference is incomplete or exceeds storage bounds.
	ErrInvalidTarget = errors.New("comments: invalid target")
	// ErrUnknownMarkup indicates that a markup kind is not one of the supported values.
	ErrUnknownMarkup = errors.New("comments: unknown markup kind")
)

// MarkupKinds lists every supported markup kind.
func MarkupKinds() []MarkupKind {
	return []MarkupKind{MarkupPlain, MarkupMarkdown, MarkupRichText}
}

// ParseMarkupKind validates raw input and returns a MarkupKind. Empty input maps to plain.
func ParseMarkupKind(rawInput string) (MarkupKind, error) {
	switch MarkupKind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case "", MarkupPlain:
		return MarkupPlain, nil
	case MarkupMarkdown:
		return MarkupMarkdown, nil
	case MarkupRichText, "rich-text", "draftjs":
		return MarkupRichText, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMarkup, rawInput)
	}
}

// Target identifies the external object a comment tree is attached to.
type Target struct {
	ContentType string `json:"content_type"`
	ObjectID    string `json:"object_id"`
	SiteID      int64  `json:"site_id"`
}

// Validate reports whether the target can be stored.
func (t Target) Validate() error {
	contentType := strings.TrimSpace(t.ContentType)
	if contentType == "" {
		return fmt.Errorf("%w: empty content type", ErrInvalidTarget)
	}
	if len(contentType) > maxContentTypeLength {
		return fmt.Errorf("%w: content type exceeds %d characters", ErrInvalidTarget, maxContentTypeLength)
	}
	objectID := strings.TrimSpace(t.ObjectID)
	if objectID == "" {
		return fmt.Errorf("%w: empty object id", ErrInvalidTarget)
	}
	if len(objectID) > maxIdentifierLength {
		return fmt.Errorf("%w: object id exceeds %d characters", ErrInvalidTarget, maxIdentifierLength)
	}
	if t.SiteID <= 0 {
		return fmt.Errorf("%w: site id must be positive", ErrInvalidTarget)
	}
	return nil
}

// String renders the target as content_type/object_id@site.
func (t Target) String() string {
	return fmt.Sprintf("%s/%s@%d", t.ContentType, t.ObjectID, t.SiteID)
}

// Author identifies who wrote a comment. A registered author carries a UserID;
// anonymous authors carry name, email and an optional URL instead.
type Author struct {
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Authenticated reports whether the author is a registered user.
func (a Author) Authenticated() bool {
	return strings.TrimSpace(a.UserID) != ""
}

// CommentFields carries the content of a comment about to be materialized.
type CommentFields struct {
	Author      Author
	Body        string
	Markup      MarkupKind
	SubmittedAt time.Time
	IPAddress   string
	IsPublic    bool
	Followup    bool
}

// Comment is a persisted node of a comment tree. Depth 1 rows are root
// sentinels anchoring one tree per target; they carry no content.
type Comment struct {
	ID                 string     `gorm:"column:id;primaryKey;size:64;not null"`
	Path               string     `gorm:"column:path;size:512;not null;uniqueIndex:idx_comments_path"`
	ParentPath         string     `gorm:"column:parent_path;size:512;not null;index:idx_comments_parent_path"`
	Depth              int        `gorm:"column:depth;not null"`
	SiteID             int64      `gorm:"column:site_id;not null"`
	UserID             *string    `gorm:"column:user_id;size:190;index:idx_comments_user"`
	UserName           string     `gorm:"column:user_name;size:100;not null;default:''"`
	UserEmail          string     `gorm:"column:user_email;size:254;not null;default:''"`
	UserURL            string     `gorm:"column:user_url;size:200;not null;default:''"`
	Body               string     `gorm:"column:body;type:text;not null"`
	Markup             MarkupKind `gorm:"column:markup;size:16;not null"`
	SubmittedAtSeconds int64      `gorm:"column:submitted_at_s;not null"`
	UpdatedAtSeconds   int64      `gorm:"column:updated_at_s;not null"`
	IPAddress          string     `gorm:"column:ip_address;size:64;not null;default:''"`
	IsPublic           bool       `gorm:"column:is_public;not null"`
	IsRemoved          bool       `gorm:"column:is_removed;not null;default:false"`
	Followup           bool       `gorm:"column:followup;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

// IsRoot reports whether the comment is the synthetic root of its tree.
func (c Comment) IsRoot() bool {
	return c.Depth == 1
}

// Level returns the thread level: 1 for a top-level comment, 0 for the root sentinel.
func (c Comment) Level() int {
	return c.Depth - 1
}

// Author returns the author reference stored on the comment.
func (c Comment) Author() Author {
	author := Author{Name: c.UserName, Email: c.UserEmail, URL: c.UserURL}
	if c.UserID != nil {
		author.UserID = *c.UserID
	}
	return author
}

// SubmittedAt returns the submission time in UTC.
func (c Comment) SubmittedAt() time.Time {
	return time.Unix(c.SubmittedAtSeconds, 0).UTC()
}

// UpdatedAt returns the last update time in UTC.
func (c Comment) UpdatedAt() time.Time {
	return time.Unix(c.UpdatedAtSeconds, 0).UTC()
}

// Association binds a tree root to exactly one target.
type Association struct {
	ContentType      string `gorm:"column:content_type;primaryKey;size:100;not null"`
	ObjectID         string `gorm:"column:object_id;primaryKey;size:190;not null"`
	SiteID           int64  `gorm:"column:site_id;primaryKey;autoIncrement:false;not null"`
	RootID           string `gorm:"column:root_id;size:64;not null;uniqueIndex:idx_comment_associations_root"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Association) TableName() string {
	return "comment_associations"
}

// Target returns the target the association points at.
func (a Association) Target() Target {
	return Target{ContentType: a.ContentType, ObjectID: a.ObjectID, SiteID: a.SiteID}
}
