package comments

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opGet              = "comments.get"
	opLookupRoot       = "comments.lookup_root"
	opListDescendants  = "comments.list_descendants"
	opCountDescendants = "comments.count_descendants"
	opAncestorsOf      = "comments.ancestors_of"
	opTargetOf         = "comments.target_of"
	opMarkRemoved      = "comments.mark_removed"
	opSetPublic        = "comments.set_public"
	opUpdateBody       = "comments.update_body"

	defaultPageSize = 200

	reasonNotFound    = "not_found"
	reasonRootChanged = "root_sentinel"
	reasonQueryFailed = "query_failed"
	reasonUpdateFail  = "update_failed"
	reasonRemoved     = "removed"
	reasonEditClosed  = "edit_window_closed"
)

// Order selects how descendants are listed.
type Order int

const (
	// OrderOldestFirst lists descendants by ascending path: chronological pre-order.
	OrderOldestFirst Order = iota
	// OrderNewestFirst lists top-level threads newest first; each thread is
	// still listed in pre-order so replies follow their parent.
	OrderNewestFirst
)

func (o Order) String() string {
	if o == OrderNewestFirst {
		return "desc"
	}
	return "asc"
}

// ParseOrder maps "asc"/"desc" style input to an Order, defaulting to oldest first.
func ParseOrder(rawInput string) Order {
	if strings.EqualFold(strings.TrimSpace(rawInput), "desc") {
		return OrderNewestFirst
	}
	return OrderOldestFirst
}

// ListOptions configures ListDescendants.
type ListOptions struct {
	Order      Order
	PublicOnly bool
	// PageSize bounds each underlying query; zero selects the default.
	PageSize int
}

// Get loads a comment by identifier.
func (s *Store) Get(ctx context.Context, id string) (Comment, error) {
	var comment Comment
	err := s.db.WithContext(ctx).Where(queryByID, strings.TrimSpace(id)).Take(&comment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Comment{}, NewServiceError(opGet, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err, zap.String("comment_id", id))
		return Comment{}, NewServiceError(opGet, reasonQueryFailed, StorageError(err))
	}
	return comment, nil
}

// LookupRoot returns the root sentinel for target without creating one.
func (s *Store) LookupRoot(ctx context.Context, target Target) (Comment, bool, error) {
	var association Association
	err := s.db.WithContext(ctx).
		Where(queryAssociationKey, strings.TrimSpace(target.ContentType), strings.TrimSpace(target.ObjectID), target.SiteID).
		Take(&association).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Comment{}, false, nil
	}
	if err != nil {
		s.logError(opLookupRoot, reasonQueryFailed, err, zap.String("target", target.String()))
		return Comment{}, false, NewServiceError(opLookupRoot, reasonQueryFailed, StorageError(err))
	}
	root, err := s.Get(ctx, association.RootID)
	if err != nil {
		return Comment{}, false, err
	}
	return root, true, nil
}

// ListDescendants yields every comment below root in the requested order.
// The sequence is recomputed on every range and pages through the table with
// keyset queries, so no connection stays checked out while the caller works.
func (s *Store) ListDescendants(ctx context.Context, root Comment, opts ListOptions) iter.Seq2[Comment, error] {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	threadWidth := len(root.Path) + s.paths.Width()

	return func(yield func(Comment, error) bool) {
		var last *Comment
		for {
			query := s.db.WithContext(ctx).Where(querySubtree, root.Path+"%", root.Depth)
			if opts.PublicOnly {
				query = query.Where("is_public = ?", true)
			}
			switch opts.Order {
			case OrderNewestFirst:
				if last != nil {
					thread := last.Path[:threadWidth]
					query = query.Where("((substr(path, 1, ?) < ?) OR (substr(path, 1, ?) = ? AND path > ?))",
						threadWidth, thread, threadWidth, thread, last.Path)
				}
				query = query.Order(clause.OrderBy{Expression: clause.Expr{
					SQL:                "substr(path, 1, ?) DESC, path ASC",
					Vars:               []interface{}{threadWidth},
					WithoutParentheses: true,
				}})
			default:
				if last != nil {
					query = query.Where("path > ?", last.Path)
				}
				query = query.Order(orderPathAsc)
			}

			var page []Comment
			if err := query.Limit(pageSize).Find(&page).Error; err != nil {
				s.logError(opListDescendants, reasonQueryFailed, err, zap.String("root_id", root.ID))
				yield(Comment{}, NewServiceError(opListDescendants, reasonQueryFailed, StorageError(err)))
				return
			}
			for _, comment := range page {
				if !yield(comment, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			last = &page[len(page)-1]
		}
	}
}

// CollectDescendants drains ListDescendants into a slice.
func (s *Store) CollectDescendants(ctx context.Context, root Comment, opts ListOptions) ([]Comment, error) {
	var collected []Comment
	for comment, err := range s.ListDescendants(ctx, root, opts) {
		if err != nil {
			return nil, err
		}
		collected = append(collected, comment)
	}
	return collected, nil
}

// CountDescendants returns the number of comments below root.
func (s *Store) CountDescendants(ctx context.Context, root Comment, publicOnly bool) (int64, error) {
	query := s.db.WithContext(ctx).Model(&Comment{}).Where(querySubtree, root.Path+"%", root.Depth)
	if publicOnly {
		query = query.Where("is_public = ?", true)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		s.logError(opCountDescendants, reasonQueryFailed, err, zap.String("root_id", root.ID))
		return 0, NewServiceError(opCountDescendants, reasonQueryFailed, StorageError(err))
	}
	return count, nil
}

// AncestorsOf returns the ancestors of node ordered from the root sentinel to
// the direct parent. It derives the ancestor paths from node.Path alone.
func (s *Store) AncestorsOf(ctx context.Context, node Comment) ([]Comment, error) {
	paths := s.paths.Ancestors(node.Path)
	if len(paths) == 0 {
		return nil, nil
	}
	var ancestors []Comment
	if err := s.db.WithContext(ctx).Where("path IN ?", paths).Order(orderDepthAsc).Find(&ancestors).Error; err != nil {
		s.logError(opAncestorsOf, reasonQueryFailed, err, zap.String("comment_id", node.ID))
		return nil, NewServiceError(opAncestorsOf, reasonQueryFailed, StorageError(err))
	}
	return ancestors, nil
}

// RootOf returns the root sentinel of the tree containing node.
func (s *Store) RootOf(ctx context.Context, node Comment) (Comment, error) {
	if node.IsRoot() {
		return node, nil
	}
	var root Comment
	err := s.db.WithContext(ctx).Where(queryByPath, s.paths.Prefix(node.Path, 1)).Take(&root).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Comment{}, NewServiceError(opTargetOf, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opTargetOf, reasonQueryFailed, err, zap.String("comment_id", node.ID))
		return Comment{}, NewServiceError(opTargetOf, reasonQueryFailed, StorageError(err))
	}
	return root, nil
}

// TargetOf resolves the target a comment belongs to through its root sentinel.
func (s *Store) TargetOf(ctx context.Context, node Comment) (Target, error) {
	root, err := s.RootOf(ctx, node)
	if err != nil {
		return Target{}, err
	}
	var association Association
	err = s.db.WithContext(ctx).Where(queryByRootID, root.ID).Take(&association).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Target{}, NewServiceError(opTargetOf, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opTargetOf, reasonQueryFailed, err, zap.String("root_id", root.ID))
		return Target{}, NewServiceError(opTargetOf, reasonQueryFailed, StorageError(err))
	}
	return association.Target(), nil
}

// MarkRemoved soft-deletes a comment. The flag is never cleared again.
func (s *Store) MarkRemoved(ctx context.Context, id string) (Comment, error) {
	return s.updateFlag(ctx, opMarkRemoved, id, map[string]interface{}{"is_removed": true})
}

// SetPublic changes the visibility of a comment, as a moderator would.
func (s *Store) SetPublic(ctx context.Context, id string, public bool) (Comment, error) {
	return s.updateFlag(ctx, opSetPublic, id, map[string]interface{}{"is_public": public})
}

// UpdateBody replaces the body of a live comment. An empty markup keeps the
// stored one. A positive cooldown closes editing once that long has passed
// since submission.
func (s *Store) UpdateBody(ctx context.Context, id, body string, markup MarkupKind, cooldown time.Duration) (Comment, error) {
	comment, err := s.Get(ctx, id)
	if err != nil {
		return Comment{}, err
	}
	switch {
	case comment.IsRoot():
		return Comment{}, NewServiceError(opUpdateBody, reasonRootChanged, ErrRootSentinel)
	case comment.IsRemoved:
		return Comment{}, NewServiceError(opUpdateBody, reasonRemoved, ErrRemoved)
	}
	now := s.clock().UTC()
	if cooldown > 0 && now.Sub(comment.SubmittedAt()) > cooldown {
		return Comment{}, NewServiceError(opUpdateBody, reasonEditClosed, ErrEditWindowClosed)
	}

	updates := map[string]interface{}{"body": body, "updated_at_s": now.Unix()}
	if markup != "" {
		updates["markup"] = markup
	}
	result := s.db.WithContext(ctx).Model(&Comment{}).
		Where("id = ? AND is_removed = ?", comment.ID, false).
		Updates(updates)
	if result.Error != nil {
		s.logError(opUpdateBody, reasonUpdateFail, result.Error, zap.String("comment_id", comment.ID))
		return Comment{}, NewServiceError(opUpdateBody, reasonUpdateFail, StorageError(result.Error))
	}
	if result.RowsAffected == 0 {
		return Comment{}, NewServiceError(opUpdateBody, reasonRemoved, ErrRemoved)
	}
	return s.Get(ctx, comment.ID)
}

func (s *Store) updateFlag(ctx context.Context, operation, id string, updates map[string]interface{}) (Comment, error) {
	comment, err := s.Get(ctx, id)
	if err != nil {
		return Comment{}, err
	}
	if comment.IsRoot() {
		return Comment{}, NewServiceError(operation, reasonRootChanged, ErrRootSentinel)
	}
	updates["updated_at_s"] = s.clock().UTC().Unix()
	result := s.db.WithContext(ctx).Model(&Comment{}).Where(queryByID, comment.ID).Updates(updates)
	if result.Error != nil {
		s.logError(operation, reasonUpdateFail, result.Error, zap.String("comment_id", comment.ID))
		return Comment{}, NewServiceError(operation, reasonUpdateFail, StorageError(result.Error))
	}
	return s.Get(ctx, comment.ID)
}
