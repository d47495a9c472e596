package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/tokens"
)

// Outcome is the terminal state of one submission attempt. The numeric value
// is the HTTP status the outcome is reported with.
type Outcome int

const (
	// OutcomePublished means the comment was materialized and is visible.
	OutcomePublished Outcome = 201
	// OutcomeQueued means the comment was materialized but awaits moderation.
	OutcomeQueued Outcome = 202
	// OutcomeDeferred means a confirmation token was issued instead of a comment.
	OutcomeDeferred Outcome = 204
	// OutcomeRejected means the comment was discarded.
	OutcomeRejected Outcome = 403
)

// Code returns the status code the outcome maps to.
func (o Outcome) Code() int {
	return int(o)
}

func (o Outcome) String() string {
	switch o {
	case OutcomePublished:
		return "published"
	case OutcomeQueued:
		return "queued"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeRejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Rejection reasons. Each failed check is reported on its own.
const (
	ReasonMissingName         = "missing_name"
	ReasonNameTooLong         = "name_too_long"
	ReasonMissingEmail        = "missing_email"
	ReasonInvalidEmail        = "invalid_email"
	ReasonInvalidURL          = "invalid_url"
	ReasonMissingBody         = "missing_body"
	ReasonBodyTooLong         = "body_too_long"
	ReasonUnknownMarkup       = "unknown_markup"
	ReasonHoneypotFilled      = "honeypot_filled"
	ReasonSecurityCheckFailed = "security_check_failed"
	ReasonTimestampExpired    = "timestamp_expired"
	ReasonUnknownTarget       = "unknown_target"
	ReasonUnknownParent       = "unknown_parent"
	ReasonThreadTooDeep       = "thread_too_deep"
	ReasonVetoed              = "vetoed"
	ReasonHookFailed          = "hook_failed"
	ReasonInvalidSignature    = "invalid_signature"
	ReasonTokenExpired        = "token_expired"
	ReasonMalformedToken      = "malformed_token"
)

var (
	// ErrValidationFailed matches every *ValidationError.
	ErrValidationFailed = errors.New("submission: validation failed")
	// ErrUnknownTarget is returned by target resolvers for unknown objects.
	ErrUnknownTarget = errors.New("submission: unknown target")
	// ErrDeliveryFailed indicates that the confirmation could not be handed to the delivery collaborator.
	ErrDeliveryFailed = errors.New("submission: confirmation delivery failed")
)

// FieldFailure is one failed check.
type FieldFailure struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every check a submission failed.
type ValidationError struct {
	Failures []FieldFailure
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		parts = append(parts, failure.Field+": "+failure.Reason)
	}
	return "submission: validation failed: " + strings.Join(parts, ", ")
}

// Is matches ErrValidationFailed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// HasReason reports whether any failure carries reason.
func (e *ValidationError) HasReason(reason string) bool {
	for _, failure := range e.Failures {
		if failure.Reason == reason {
			return true
		}
	}
	return false
}

func (e *ValidationError) add(field, reason string) {
	e.Failures = append(e.Failures, FieldFailure{Field: field, Reason: reason})
}

func (e *ValidationError) empty() bool {
	return len(e.Failures) == 0
}

// EditRequest replaces the body of an existing comment. An empty markup keeps
// the stored one.
type EditRequest struct {
	CommentID string
	Body      string
	Markup    string
}

// Identity is an authenticated submitter as established by the session layer.
type Identity struct {
	UserID string
	Name   string
	Email  string
	// Trusted identities skip confirmation by email.
	Trusted bool
}

// Request is one incoming comment submission.
type Request struct {
	Target       comments.Target
	ReplyTo      string
	Name         string
	Email        string
	URL          string
	Body         string
	Markup       string
	Followup     bool
	Honeypot     string
	Timestamp    int64
	SecurityHash string
	IPAddress    string
	Identity     *Identity
}

// Result reports the outcome of Submit or Redeem.
type Result struct {
	Outcome Outcome
	// Comment is set for published and queued outcomes.
	Comment comments.Comment
	// Duplicate is true when an equivalent comment already existed.
	Duplicate bool
	// Token and Pending are set for deferred outcomes.
	Token   string
	Pending tokens.PendingComment
	// Rejection explains a rejected outcome.
	Rejection *ValidationError
}

func rejected(field, reason string) Result {
	rejection := &ValidationError{}
	rejection.add(field, reason)
	return Result{Outcome: OutcomeRejected, Rejection: rejection}
}

// TargetInfo describes a resolved target for notifications.
type TargetInfo struct {
	Title string
	URL   string
}

// TargetResolver resolves target references against the object registry.
// Unknown objects are reported with ErrUnknownTarget.
type TargetResolver interface {
	Resolve(ctx context.Context, target comments.Target) (TargetInfo, error)
}

// Verdict is a pre-publish decision.
type Verdict int

const (
	// VerdictAllow lets the comment through.
	VerdictAllow Verdict = iota
	// VerdictModerate lets the comment through but keeps it out of public view.
	VerdictModerate
	// VerdictReject discards the comment.
	VerdictReject
)

// PrePublishVetoer reviews a fully populated pending comment before it is
// materialized or deferred. It must not mutate comment storage.
type PrePublishVetoer interface {
	Name() string
	Review(ctx context.Context, pending tokens.PendingComment) (Verdict, error)
}

// Event describes a freshly materialized comment.
type Event struct {
	Comment    comments.Comment
	Target     comments.Target
	TargetInfo TargetInfo
	Outcome    Outcome
}

// PostPublishObserver is notified after materialization. Failures are logged
// and never undo the comment.
type PostPublishObserver interface {
	Name() string
	CommentPosted(ctx context.Context, event Event) error
}

// Confirmation is handed to the delivery collaborator for deferred submissions.
type Confirmation struct {
	Token      string
	Target     comments.Target
	TargetInfo TargetInfo
	Name       string
	Email      string
}

// ConfirmationSender delivers confirmation tokens to submitters.
type ConfirmationSender interface {
	SendConfirmation(ctx context.Context, confirmation Confirmation) error
}
