package comments

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew        = "comments.store.new"
	opGetOrCreateRoot = "comments.get_or_create_root"
	opAddChild        = "comments.add_child"

	defaultMaxRetries = 5

	columnPath          = "path"
	orderPathAsc        = "path ASC"
	orderPathDesc       = "path DESC"
	orderDepthAsc       = "depth ASC"
	queryByID           = "id = ?"
	queryByPath         = "path = ?"
	queryByParentPath   = "parent_path = ?"
	queryByRootID       = "root_id = ?"
	queryAssociationKey = "content_type = ? AND object_id = ? AND site_id = ?"
	querySubtree        = "path LIKE ? AND depth > ?"

	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonInvalidWidth      = "invalid_segment_width"
	reasonInvalidTarget     = "invalid_target"
	reasonInvalidParent     = "invalid_parent"
	reasonParentNotFound    = "parent_not_found"
	reasonCapacityExceeded  = "capacity_exceeded"
	reasonConflict          = "conflict"
	reasonStorage           = "storage_failed"
	reasonCancelled         = "cancelled"
)

var noOpLogger = zap.NewNop()

// StoreConfig describes the dependencies of the tree store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	// SegmentWidth fixes the path segment width. It must not change once rows exist.
	SegmentWidth int
	// MaxRetries bounds retries after a duplicate-key race during allocation.
	MaxRetries int
	Logger     *zap.Logger
}

// Store owns comment rows, path allocation and target associations.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	paths      PathCodec
	maxRetries int
	logger     *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, NewServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, NewServiceError(opStoreNew, reasonMissingIDProvider, errMissingIDProvider)
	}

	width := cfg.SegmentWidth
	if width == 0 {
		width = DefaultSegmentWidth
	}
	paths, err := NewPathCodec(width)
	if err != nil {
		return nil, NewServiceError(opStoreNew, reasonInvalidWidth, err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		paths:      paths,
		maxRetries: maxRetries,
		logger:     logger,
	}, nil
}

// Paths exposes the codec used for path allocation.
func (s *Store) Paths() PathCodec {
	return s.paths
}

// GetOrCreateRoot returns the root sentinel for target, creating the sentinel
// and its association in one transaction when the target has no tree yet.
func (s *Store) GetOrCreateRoot(ctx context.Context, target Target) (Comment, error) {
	if err := target.Validate(); err != nil {
		return Comment{}, NewServiceError(opGetOrCreateRoot, reasonInvalidTarget, err)
	}
	target.ContentType = strings.TrimSpace(target.ContentType)
	target.ObjectID = strings.TrimSpace(target.ObjectID)

	for attempt := 0; ; attempt++ {
		var root Comment
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var association Association
			err := tx.Where(queryAssociationKey, target.ContentType, target.ObjectID, target.SiteID).
				Take(&association).Error
			if err == nil {
				return tx.Where(queryByID, association.RootID).Take(&root).Error
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			created, err := s.insertChild(tx, "", 0, target.SiteID, CommentFields{Markup: MarkupPlain})
			if err != nil {
				return err
			}
			association = Association{
				ContentType:      target.ContentType,
				ObjectID:         target.ObjectID,
				SiteID:           target.SiteID,
				RootID:           created.ID,
				CreatedAtSeconds: created.SubmittedAtSeconds,
			}
			if err := tx.Create(&association).Error; err != nil {
				return err
			}
			root = created
			return nil
		})
		if txErr == nil {
			return root, nil
		}
		if retry, err := s.classifyAllocationError(ctx, opGetOrCreateRoot, attempt, txErr, zap.String("target", target.String())); !retry {
			return Comment{}, err
		}
	}
}

// AddChild materializes a new comment under parent.
func (s *Store) AddChild(ctx context.Context, parent Comment, fields CommentFields) (Comment, error) {
	created, _, err := s.addChild(ctx, parent, fields, nil)
	return created, err
}

// AddChildOnce behaves like AddChild unless an equivalent comment already
// exists in the same tree: same author identity, same body and a submission
// time within window. In that case the existing comment is returned with
// created=false.
func (s *Store) AddChildOnce(ctx context.Context, parent Comment, fields CommentFields, window time.Duration) (Comment, bool, error) {
	if window < 0 {
		window = 0
	}
	return s.addChild(ctx, parent, fields, &window)
}

func (s *Store) addChild(ctx context.Context, parent Comment, fields CommentFields, duplicateWindow *time.Duration) (Comment, bool, error) {
	if strings.TrimSpace(parent.ID) == "" {
		return Comment{}, false, NewServiceError(opAddChild, reasonInvalidParent, ErrNotFound)
	}
	if fields.SubmittedAt.IsZero() {
		fields.SubmittedAt = s.clock()
	}

	for attempt := 0; ; attempt++ {
		var result Comment
		created := false
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var locked Comment
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where(queryByID, parent.ID).
				Take(&locked).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			if duplicateWindow != nil {
				existing, found, err := s.findEquivalent(tx, locked, fields, *duplicateWindow)
				if err != nil {
					return err
				}
				if found {
					result = existing
					return nil
				}
			}

			child, err := s.insertChild(tx, locked.Path, locked.Depth, locked.SiteID, fields)
			if err != nil {
				return err
			}
			result = child
			created = true
			return nil
		})
		if txErr == nil {
			return result, created, nil
		}
		if errors.Is(txErr, ErrNotFound) {
			return Comment{}, false, NewServiceError(opAddChild, reasonParentNotFound, ErrNotFound)
		}
		if retry, err := s.classifyAllocationError(ctx, opAddChild, attempt, txErr, zap.String("parent_id", parent.ID)); !retry {
			return Comment{}, false, err
		}
	}
}

// classifyAllocationError decides whether a failed allocation transaction is
// retried. Only duplicate-key races are retried; storage failures surface at once.
func (s *Store) classifyAllocationError(ctx context.Context, operation string, attempt int, txErr error, fields ...zap.Field) (bool, error) {
	switch {
	case errors.Is(txErr, ErrCapacityExceeded):
		s.logError(operation, reasonCapacityExceeded, txErr, fields...)
		return false, NewServiceError(operation, reasonCapacityExceeded, txErr)
	case IsUniqueViolation(txErr):
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, NewServiceError(operation, reasonCancelled, ctxErr)
		}
		if attempt < s.maxRetries {
			s.logger.Debug("comments allocation race, retrying",
				append([]zap.Field{zap.String("operation", operation), zap.Int("attempt", attempt+1)}, fields...)...)
			return true, nil
		}
		s.logError(operation, reasonConflict, txErr, fields...)
		return false, NewServiceError(operation, reasonConflict, StorageError(errors.Join(ErrConflict, txErr)))
	default:
		s.logError(operation, reasonStorage, txErr, fields...)
		return false, NewServiceError(operation, reasonStorage, StorageError(txErr))
	}
}

// insertChild reads the greatest sibling path under parentPath and writes the
// next one. Callers run it inside a transaction holding the parent lock.
func (s *Store) insertChild(tx *gorm.DB, parentPath string, parentDepth int, siteID int64, fields CommentFields) (Comment, error) {
	var last Comment
	lastPath := ""
	err := tx.Select(columnPath).
		Where(queryByParentPath, parentPath).
		Order(orderPathDesc).
		Take(&last).Error
	switch {
	case err == nil:
		lastPath = last.Path
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return Comment{}, err
	}

	path, err := s.paths.NextChild(parentPath, lastPath)
	if err != nil {
		return Comment{}, err
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return Comment{}, err
	}

	submittedAt := fields.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = s.clock()
	}
	markup := fields.Markup
	if markup == "" {
		markup = MarkupPlain
	}
	var userID *string
	if fields.Author.Authenticated() {
		value := strings.TrimSpace(fields.Author.UserID)
		userID = &value
	}

	comment := Comment{
		ID:                 id,
		Path:               path,
		ParentPath:         parentPath,
		Depth:              parentDepth + 1,
		SiteID:             siteID,
		UserID:             userID,
		UserName:           strings.TrimSpace(fields.Author.Name),
		UserEmail:          strings.TrimSpace(fields.Author.Email),
		UserURL:            strings.TrimSpace(fields.Author.URL),
		Body:               fields.Body,
		Markup:             markup,
		SubmittedAtSeconds: submittedAt.UTC().Unix(),
		UpdatedAtSeconds:   s.clock().UTC().Unix(),
		IPAddress:          fields.IPAddress,
		IsPublic:           fields.IsPublic,
		Followup:           fields.Followup,
	}
	if err := tx.Create(&comment).Error; err != nil {
		return Comment{}, err
	}
	return comment, nil
}

func (s *Store) findEquivalent(tx *gorm.DB, parent Comment, fields CommentFields, window time.Duration) (Comment, bool, error) {
	rootPath := s.paths.Prefix(parent.Path, 1)
	submitted := fields.SubmittedAt.UTC()
	query := tx.Where(querySubtree, rootPath+"%", 1).
		Where("body = ?", fields.Body).
		Where("submitted_at_s BETWEEN ? AND ?", submitted.Add(-window).Unix(), submitted.Add(window).Unix())
	if fields.Author.Authenticated() {
		query = query.Where("user_id = ?", strings.TrimSpace(fields.Author.UserID))
	} else {
		query = query.Where("user_id IS NULL AND user_name = ? AND user_email = ?",
			strings.TrimSpace(fields.Author.Name), strings.TrimSpace(fields.Author.Email))
	}

	var existing Comment
	err := query.Order(orderPathAsc).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Comment{}, false, nil
	}
	if err != nil {
		return Comment{}, false, err
	}
	return existing, true, nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("comments store error", attrs...)
}
