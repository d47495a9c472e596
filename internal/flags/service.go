package flags

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/capabilities"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/comments"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "flags.service.new"
	opSetFlag    = "flags.set_flag"
	opClearFlag  = "flags.clear_flag"
	opCountsFor  = "flags.counts_for"
	opUsersFlag  = "flags.users_flagging"
	opActiveFor  = "flags.active_for"
	queryFlagKey = "user_id = ? AND comment_id = ? AND kind = ?"
)

var (
	errMissingDatabase     = errors.New("database handle is required")
	errMissingComments     = errors.New("comment source is required")
	errMissingCapabilities = errors.New("capability lookup is required")
	noOpLogger             = zap.NewNop()
)

// CommentSource resolves comments and the target they belong to.
type CommentSource interface {
	Get(ctx context.Context, id string) (comments.Comment, error)
	TargetOf(ctx context.Context, node comments.Comment) (comments.Target, error)
}

// CapabilityLookup returns the options of a content type.
type CapabilityLookup interface {
	OptionsFor(contentType string) capabilities.Options
}

// ReportThresholdObserver is told when removal suggestions on a comment reach
// the configured threshold. The aggregator only counts; observers act.
type ReportThresholdObserver interface {
	RemovalThresholdReached(ctx context.Context, comment comments.Comment, count int64) error
}

// ServiceConfig describes the dependencies of the flag aggregator.
type ServiceConfig struct {
	Database     *gorm.DB
	Comments     CommentSource
	Capabilities CapabilityLookup
	Clock        func() time.Time
	Logger       *zap.Logger
	// ReportThreshold is the removal-suggestion count that triggers observers; zero disables it.
	ReportThreshold int64
	Observers       []ReportThresholdObserver
}

// Service records and counts per-user flags on comments.
type Service struct {
	db           *gorm.DB
	comments     CommentSource
	capabilities CapabilityLookup
	clock        func() time.Time
	logger       *zap.Logger
	threshold    int64
	observers    []ReportThresholdObserver
}

// NewService constructs the flag aggregator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, comments.NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Comments == nil {
		return nil, comments.NewServiceError(opServiceNew, "missing_comments", errMissingComments)
	}
	if cfg.Capabilities == nil {
		return nil, comments.NewServiceError(opServiceNew, "missing_capabilities", errMissingCapabilities)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:           cfg.Database,
		comments:     cfg.Comments,
		capabilities: cfg.Capabilities,
		clock:        clock,
		logger:       logger,
		threshold:    cfg.ReportThreshold,
		observers:    append([]ReportThresholdObserver(nil), cfg.Observers...),
	}, nil
}

// SetFlag records kind for (userID, commentID). An opposite like/dislike flag
// is removed first. It returns created=false when the flag already existed.
func (s *Service) SetFlag(ctx context.Context, userID, commentID string, kind Kind) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, comments.NewServiceError(opSetFlag, "missing_user", ErrInvalidUser)
	}
	if _, err := ParseKind(string(kind)); err != nil {
		return false, comments.NewServiceError(opSetFlag, "unknown_kind", err)
	}

	comment, err := s.flaggableComment(ctx, opSetFlag, commentID)
	if err != nil {
		return false, err
	}
	target, err := s.comments.TargetOf(ctx, comment)
	if err != nil {
		return false, err
	}
	if !s.capabilities.OptionsFor(target.ContentType).Enabled(kind.Feature()) {
		return false, comments.NewServiceError(opSetFlag, "capability_disabled",
			&CapabilityError{Kind: kind, ContentType: target.ContentType})
	}

	created := false
	var removals int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The comment row lock serializes mutations and threshold counts on it.
		var locked comments.Comment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").
			Where("id = ?", comment.ID).
			Take(&locked).Error; err != nil {
			return err
		}
		if opposite, ok := kind.opposite(); ok {
			if err := tx.Where(queryFlagKey, userID, comment.ID, opposite).Delete(&Flag{}).Error; err != nil {
				return err
			}
		}
		flag := Flag{
			CommentID:        comment.ID,
			UserID:           userID,
			Kind:             kind,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&flag)
		if result.Error != nil {
			return result.Error
		}
		created = result.RowsAffected == 1
		if created && kind == KindRemoval && s.watchesThreshold() {
			return tx.Model(&Flag{}).
				Where("comment_id = ? AND kind = ?", comment.ID, KindRemoval).
				Count(&removals).Error
		}
		return nil
	})
	if txErr != nil {
		s.logError(opSetFlag, "flag_write_failed", txErr,
			zap.String("user_id", userID), zap.String("comment_id", comment.ID), zap.String("kind", string(kind)))
		return false, comments.NewServiceError(opSetFlag, "flag_write_failed", comments.StorageError(txErr))
	}

	if s.watchesThreshold() && removals == s.threshold {
		s.notifyThresholdReached(ctx, comment, removals)
	}
	return created, nil
}

// ClearFlag removes kind for (userID, commentID) if present.
func (s *Service) ClearFlag(ctx context.Context, userID, commentID string, kind Kind) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return comments.NewServiceError(opClearFlag, "missing_user", ErrInvalidUser)
	}
	if _, err := ParseKind(string(kind)); err != nil {
		return comments.NewServiceError(opClearFlag, "unknown_kind", err)
	}
	err := s.db.WithContext(ctx).Where(queryFlagKey, userID, strings.TrimSpace(commentID), kind).Delete(&Flag{}).Error
	if err != nil {
		s.logError(opClearFlag, "flag_delete_failed", err, zap.String("user_id", userID), zap.String("comment_id", commentID))
		return comments.NewServiceError(opClearFlag, "flag_delete_failed", comments.StorageError(err))
	}
	return nil
}

type kindCount struct {
	CommentID string
	Kind      Kind
	Total     int64
}

// CountsFor aggregates the flags on one comment.
func (s *Service) CountsFor(ctx context.Context, commentID string) (Counts, error) {
	counts, err := s.CountsForMany(ctx, []string{commentID})
	if err != nil {
		return Counts{}, err
	}
	return counts[strings.TrimSpace(commentID)], nil
}

// CountsForMany aggregates flags for several comments with one query.
func (s *Service) CountsForMany(ctx context.Context, commentIDs []string) (map[string]Counts, error) {
	result := make(map[string]Counts, len(commentIDs))
	if len(commentIDs) == 0 {
		return result, nil
	}
	ids := make([]string, 0, len(commentIDs))
	for _, id := range commentIDs {
		ids = append(ids, strings.TrimSpace(id))
	}

	var rows []kindCount
	err := s.db.WithContext(ctx).Model(&Flag{}).
		Select("comment_id, kind, COUNT(*) AS total").
		Where("comment_id IN ?", ids).
		Group("comment_id, kind").
		Scan(&rows).Error
	if err != nil {
		s.logError(opCountsFor, "query_failed", err, zap.Int("comments", len(ids)))
		return nil, comments.NewServiceError(opCountsFor, "query_failed", comments.StorageError(err))
	}
	for _, row := range rows {
		counts := result[row.CommentID]
		counts.add(row.Kind, row.Total)
		result[row.CommentID] = counts
	}
	return result, nil
}

// UsersFlagging lists the users holding kind on a comment, oldest first.
func (s *Service) UsersFlagging(ctx context.Context, commentID string, kind Kind) ([]string, error) {
	var users []string
	err := s.db.WithContext(ctx).Model(&Flag{}).
		Where("comment_id = ? AND kind = ?", strings.TrimSpace(commentID), kind).
		Order("created_at_s ASC, user_id ASC").
		Pluck("user_id", &users).Error
	if err != nil {
		s.logError(opUsersFlag, "query_failed", err, zap.String("comment_id", commentID))
		return nil, comments.NewServiceError(opUsersFlag, "query_failed", comments.StorageError(err))
	}
	return users, nil
}

// UsersFlaggingMany lists, per comment and kind, the users holding flags on
// the comments with one query. Users are ordered oldest flag first.
func (s *Service) UsersFlaggingMany(ctx context.Context, commentIDs []string) (map[string]map[Kind][]string, error) {
	result := make(map[string]map[Kind][]string, len(commentIDs))
	if len(commentIDs) == 0 {
		return result, nil
	}
	var held []Flag
	err := s.db.WithContext(ctx).
		Where("comment_id IN ?", commentIDs).
		Order("created_at_s ASC, user_id ASC").
		Find(&held).Error
	if err != nil {
		s.logError(opUsersFlag, "query_failed", err, zap.Int("comments", len(commentIDs)))
		return nil, comments.NewServiceError(opUsersFlag, "query_failed", comments.StorageError(err))
	}
	for _, flag := range held {
		if result[flag.CommentID] == nil {
			result[flag.CommentID] = make(map[Kind][]string)
		}
		result[flag.CommentID][flag.Kind] = append(result[flag.CommentID][flag.Kind], flag.UserID)
	}
	return result, nil
}

// ActiveFor returns the kinds userID currently holds on each of the comments.
func (s *Service) ActiveFor(ctx context.Context, userID string, commentIDs []string) (map[string]map[Kind]bool, error) {
	result := make(map[string]map[Kind]bool)
	userID = strings.TrimSpace(userID)
	if userID == "" || len(commentIDs) == 0 {
		return result, nil
	}
	var held []Flag
	err := s.db.WithContext(ctx).Where("user_id = ? AND comment_id IN ?", userID, commentIDs).Find(&held).Error
	if err != nil {
		s.logError(opActiveFor, "query_failed", err, zap.String("user_id", userID))
		return nil, comments.NewServiceError(opActiveFor, "query_failed", comments.StorageError(err))
	}
	for _, flag := range held {
		if result[flag.CommentID] == nil {
			result[flag.CommentID] = make(map[Kind]bool)
		}
		result[flag.CommentID][flag.Kind] = true
	}
	return result, nil
}

func (s *Service) flaggableComment(ctx context.Context, operation, commentID string) (comments.Comment, error) {
	if strings.TrimSpace(commentID) == "" {
		return comments.Comment{}, comments.NewServiceError(operation, "missing_comment", ErrInvalidComment)
	}
	comment, err := s.comments.Get(ctx, commentID)
	if err != nil {
		return comments.Comment{}, err
	}
	if comment.IsRoot() {
		return comments.Comment{}, comments.NewServiceError(operation, "root_sentinel", ErrInvalidComment)
	}
	return comment, nil
}

func (s *Service) watchesThreshold() bool {
	return s.threshold > 0 && len(s.observers) > 0
}

func (s *Service) notifyThresholdReached(ctx context.Context, comment comments.Comment, count int64) {
	for _, observer := range s.observers {
		if err := observer.RemovalThresholdReached(ctx, comment, count); err != nil {
			s.logger.Warn("report threshold observer failed",
				zap.String("comment_id", comment.ID), zap.Error(err))
		}
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("flags service error", attrs...)
}
