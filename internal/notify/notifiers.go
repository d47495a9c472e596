// Package notify delivers confirmation, follow-up and moderation mail.
package notify

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/submission"
	"go.uber.org/zap"
)

const confirmPathPrefix = "/api/comments/confirm/"

var errMissingMailer = errors.New("notify: mailer is required")

// ConfirmationMailer sends confirmation links for deferred submissions.
type ConfirmationMailer struct {
	mailer  Mailer
	baseURL string
}

// NewConfirmationMailer builds links under baseURL, e.g. https://comments.example.com.
func NewConfirmationMailer(mailer Mailer, baseURL string) (*ConfirmationMailer, error) {
	if mailer == nil {
		return nil, errMissingMailer
	}
	return &ConfirmationMailer{mailer: mailer, baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/")}, nil
}

// SendConfirmation implements submission.ConfirmationSender.
func (m *ConfirmationMailer) SendConfirmation(ctx context.Context, confirmation submission.Confirmation) error {
	body, err := execute(confirmationTemplate, map[string]string{
		"Name":        confirmation.Name,
		"TargetTitle": confirmation.TargetInfo.Title,
		"TargetURL":   confirmation.TargetInfo.URL,
		"ConfirmURL":  m.ConfirmURL(confirmation.Token),
	})
	if err != nil {
		return err
	}
	return m.mailer.Send(ctx, Message{
		To:       []string{confirmation.Email},
		Subject:  "Comment confirmation request",
		HTMLBody: body,
	})
}

// ConfirmURL returns the link that redeems token.
func (m *ConfirmationMailer) ConfirmURL(token string) string {
	return m.baseURL + confirmPathPrefix + url.PathEscape(token)
}

// ThreadReader reads the tree a comment belongs to.
type ThreadReader interface {
	RootOf(ctx context.Context, node comments.Comment) (comments.Comment, error)
	ListDescendants(ctx context.Context, root comments.Comment, opts comments.ListOptions) iter.Seq2[comments.Comment, error]
}

// FollowerNotifier mails authors who asked to follow a discussion when a new
// public comment lands in it.
type FollowerNotifier struct {
	mailer Mailer
	store  ThreadReader
	logger *zap.Logger
}

// NewFollowerNotifier constructs a FollowerNotifier.
func NewFollowerNotifier(mailer Mailer, store ThreadReader, logger *zap.Logger) (*FollowerNotifier, error) {
	if mailer == nil {
		return nil, errMissingMailer
	}
	if store == nil {
		return nil, errors.New("notify: thread reader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FollowerNotifier{mailer: mailer, store: store, logger: logger}, nil
}

// Name implements submission.PostPublishObserver.
func (n *FollowerNotifier) Name() string {
	return "follower-notifier"
}

// CommentPosted implements submission.PostPublishObserver.
func (n *FollowerNotifier) CommentPosted(ctx context.Context, event submission.Event) error {
	if event.Outcome != submission.OutcomePublished {
		return nil
	}
	followers, err := n.followers(ctx, event.Comment)
	if err != nil {
		return err
	}

	var failures []error
	for _, follower := range followers {
		body, err := execute(followupTemplate, map[string]string{
			"Name":        follower.Name,
			"Author":      event.Comment.UserName,
			"TargetTitle": event.TargetInfo.Title,
			"TargetURL":   event.TargetInfo.URL,
			"Body":        event.Comment.Body,
		})
		if err != nil {
			return err
		}
		err = n.mailer.Send(ctx, Message{
			To:       []string{follower.Email},
			Subject:  "New comment on " + event.TargetInfo.Title,
			HTMLBody: body,
		})
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", follower.Email, err))
		}
	}
	n.logger.Debug("follower notifications sent",
		zap.String("comment_id", event.Comment.ID),
		zap.Int("followers", len(followers)),
		zap.Int("failures", len(failures)))
	return errors.Join(failures...)
}

// followers returns one author per address among followup comments of the
// thread, excluding the new comment's own author.
func (n *FollowerNotifier) followers(ctx context.Context, posted comments.Comment) ([]comments.Author, error) {
	root, err := n.store.RootOf(ctx, posted)
	if err != nil {
		return nil, err
	}
	exclude := strings.ToLower(strings.TrimSpace(posted.UserEmail))
	seen := map[string]bool{exclude: true}
	var followers []comments.Author
	for node, err := range n.store.ListDescendants(ctx, root, comments.ListOptions{PublicOnly: true}) {
		if err != nil {
			return nil, err
		}
		if !node.Followup || node.IsRemoved || node.ID == posted.ID {
			continue
		}
		address := strings.ToLower(strings.TrimSpace(node.UserEmail))
		if address == "" || seen[address] {
			continue
		}
		seen[address] = true
		followers = append(followers, node.Author())
	}
	return followers, nil
}

// ModeratorNotifier mails moderators when a comment collects enough removal
// suggestions.
type ModeratorNotifier struct {
	mailer     Mailer
	moderators []string
}

// NewModeratorNotifier constructs a ModeratorNotifier.
func NewModeratorNotifier(mailer Mailer, moderators []string) (*ModeratorNotifier, error) {
	if mailer == nil {
		return nil, errMissingMailer
	}
	addresses := make([]string, 0, len(moderators))
	for _, address := range moderators {
		if trimmed := strings.TrimSpace(address); trimmed != "" {
			addresses = append(addresses, trimmed)
		}
	}
	return &ModeratorNotifier{mailer: mailer, moderators: addresses}, nil
}

// RemovalThresholdReached implements flags.ReportThresholdObserver.
func (n *ModeratorNotifier) RemovalThresholdReached(ctx context.Context, comment comments.Comment, count int64) error {
	if len(n.moderators) == 0 {
		return nil
	}
	body, err := execute(moderationTemplate, map[string]string{
		"Author":    comment.UserName,
		"Count":     strconv.FormatInt(count, 10),
		"Body":      comment.Body,
		"CommentID": comment.ID,
	})
	if err != nil {
		return err
	}
	return n.mailer.Send(ctx, Message{
		To:       n.moderators,
		Subject:  "Comment flagged for removal",
		HTMLBody: body,
	})
}
