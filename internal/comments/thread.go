package comments

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const opResolveReplyParent = "comments.resolve_reply_parent"

// ThreadPolicy bounds how deep replies may nest below a root sentinel.
//
// Levels count real comments: a top-level comment is level 1. MaxDepth 0
// disables the limit. Without FlattenAtMax a reply that would land below
// MaxDepth is refused with ErrThreadTooDeep. With FlattenAtMax one extra level
// (MaxDepth+1) is allowed, and replies to comments on that extra level attach
// to their level-MaxDepth ancestor, so the conversation continues flat.
type ThreadPolicy struct {
	MaxDepth     int
	FlattenAtMax bool
}

// AllowsReplyTo reports whether a reply to c is accepted by the policy,
// either in place or flattened.
func (p ThreadPolicy) AllowsReplyTo(c Comment) bool {
	if p.MaxDepth <= 0 || c.Level() < p.MaxDepth {
		return true
	}
	return p.FlattenAtMax
}

// ResolveReplyParent returns the comment a reply to parent must attach to.
func (s *Store) ResolveReplyParent(ctx context.Context, parent Comment, policy ThreadPolicy) (Comment, error) {
	if policy.MaxDepth <= 0 || parent.Level() < policy.MaxDepth {
		return parent, nil
	}
	if !policy.FlattenAtMax {
		return Comment{}, NewServiceError(opResolveReplyParent, "thread_too_deep",
			fmt.Errorf("%w: parent level %d, max %d", ErrThreadTooDeep, parent.Level(), policy.MaxDepth))
	}
	if parent.Level() == policy.MaxDepth {
		return parent, nil
	}

	anchorPath := s.paths.Prefix(parent.Path, policy.MaxDepth+1)
	var anchor Comment
	err := s.db.WithContext(ctx).Where(queryByPath, anchorPath).Take(&anchor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Comment{}, NewServiceError(opResolveReplyParent, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opResolveReplyParent, reasonQueryFailed, err, zap.String("comment_id", parent.ID))
		return Comment{}, NewServiceError(opResolveReplyParent, reasonQueryFailed, StorageError(err))
	}
	return anchor, nil
}
