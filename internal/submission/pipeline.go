package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/capabilities"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/tokens"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	opPipelineNew = "submission.pipeline.new"
	opSubmit      = "submission.submit"
	opRedeem      = "submission.redeem"

	// DefaultMaxBodyLength bounds comment bodies in characters.
	DefaultMaxBodyLength = 3000
	// DefaultFormMaxAge bounds the age of a form's security timestamp.
	DefaultFormMaxAge = 2 * time.Hour
	// DefaultDuplicateWindow is the submission-time window used to detect re-submissions.
	DefaultDuplicateWindow = time.Minute
	// DefaultHookTimeout bounds each pre-publish review and each confirmation delivery.
	DefaultHookTimeout = 5 * time.Second
	// DefaultObserverTimeout bounds each post-publish observer.
	DefaultObserverTimeout = 30 * time.Second
	// DefaultSiteID is used for targets submitted without a site.
	DefaultSiteID = 1

	maxNameLength  = 50
	maxEmailLength = 254
	maxURLLength   = 200

	fieldName      = "name"
	fieldEmail     = "email"
	fieldURL       = "url"
	fieldBody      = "comment"
	fieldMarkup    = "markup"
	fieldHoneypot  = "honeypot"
	fieldSecurity  = "security_hash"
	fieldTimestamp = "timestamp"
	fieldTarget    = "target"
	fieldReplyTo   = "reply_to"
	fieldToken     = "token"
	fieldHook      = "hook"
)

var (
	errMissingStore        = errors.New("tree store is required")
	errMissingCapabilities = errors.New("capability lookup is required")
	errMissingTargets      = errors.New("target resolver is required")
	errMissingCodec        = errors.New("token codec is required")
	errMissingSender       = errors.New("confirmation sender is required when confirmation by email is enabled")
	errMissingSecret       = errors.New("secret key is required")
	noOpLogger             = zap.NewNop()
)

// TreeStore is the subset of the comment store the pipeline drives.
type TreeStore interface {
	Get(ctx context.Context, id string) (comments.Comment, error)
	GetOrCreateRoot(ctx context.Context, target comments.Target) (comments.Comment, error)
	TargetOf(ctx context.Context, node comments.Comment) (comments.Target, error)
	ResolveReplyParent(ctx context.Context, parent comments.Comment, policy comments.ThreadPolicy) (comments.Comment, error)
	AddChildOnce(ctx context.Context, parent comments.Comment, fields comments.CommentFields, window time.Duration) (comments.Comment, bool, error)
	UpdateBody(ctx context.Context, id, body string, markup comments.MarkupKind, cooldown time.Duration) (comments.Comment, error)
}

// CapabilityLookup returns the options of a content type.
type CapabilityLookup interface {
	OptionsFor(contentType string) capabilities.Options
}

// TokenCodec signs and verifies confirmation tokens.
type TokenCodec interface {
	Encode(pending tokens.PendingComment) (string, error)
	Decode(token string) (tokens.PendingComment, error)
}

// PipelineConfig describes the collaborators and settings of a Pipeline.
type PipelineConfig struct {
	Store        TreeStore
	Capabilities CapabilityLookup
	Targets      TargetResolver
	Codec        TokenCodec
	Sender       ConfirmationSender
	Vetoers      []PrePublishVetoer
	Observers    []PostPublishObserver
	// SecretKey keys the form security digest.
	SecretKey         []byte
	ConfirmEmail      bool
	RequireModeration bool
	MaxBodyLength     int
	FormMaxAge        time.Duration
	// DuplicateWindow is the tolerance used by the duplicate guard; negative disables tolerance.
	DuplicateWindow time.Duration
	HookTimeout     time.Duration
	ObserverTimeout time.Duration
	// EditCooldown closes body edits once it has elapsed since submission; zero never closes them.
	EditCooldown time.Duration
	// AllowedMarkups restricts markup kinds; empty allows every kind.
	AllowedMarkups []comments.MarkupKind
	SiteID         int64
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Pipeline drives a submission through validation, review, routing and
// materialization.
type Pipeline struct {
	store             TreeStore
	capabilities      CapabilityLookup
	targets           TargetResolver
	codec             TokenCodec
	sender            ConfirmationSender
	vetoers           []PrePublishVetoer
	observers         []PostPublishObserver
	secret            []byte
	confirmEmail      bool
	requireModeration bool
	maxBodyLength     int
	formMaxAge        time.Duration
	duplicateWindow   time.Duration
	hookTimeout       time.Duration
	observerTimeout   time.Duration
	editCooldown      time.Duration
	allowedMarkups    map[comments.MarkupKind]bool
	siteID            int64
	clock             func() time.Time
	logger            *zap.Logger
	validate          *validator.Validate
	inflight          sync.WaitGroup
}

// NewPipeline validates the configuration and constructs a Pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	switch {
	case cfg.Store == nil:
		return nil, comments.NewServiceError(opPipelineNew, "missing_store", errMissingStore)
	case cfg.Capabilities == nil:
		return nil, comments.NewServiceError(opPipelineNew, "missing_capabilities", errMissingCapabilities)
	case cfg.Targets == nil:
		return nil, comments.NewServiceError(opPipelineNew, "missing_targets", errMissingTargets)
	case cfg.Codec == nil:
		return nil, comments.NewServiceError(opPipelineNew, "missing_codec", errMissingCodec)
	case cfg.ConfirmEmail && cfg.Sender == nil:
		return nil, comments.NewServiceError(opPipelineNew, "missing_sender", errMissingSender)
	case len(cfg.SecretKey) == 0:
		return nil, comments.NewServiceError(opPipelineNew, "missing_secret", errMissingSecret)
	}

	pipeline := &Pipeline{
		store:             cfg.Store,
		capabilities:      cfg.Capabilities,
		targets:           cfg.Targets,
		codec:             cfg.Codec,
		sender:            cfg.Sender,
		vetoers:           append([]PrePublishVetoer(nil), cfg.Vetoers...),
		observers:         append([]PostPublishObserver(nil), cfg.Observers...),
		secret:            append([]byte(nil), cfg.SecretKey...),
		confirmEmail:      cfg.ConfirmEmail,
		requireModeration: cfg.RequireModeration,
		maxBodyLength:     positiveOr(cfg.MaxBodyLength, DefaultMaxBodyLength),
		formMaxAge:        durationOr(cfg.FormMaxAge, DefaultFormMaxAge),
		duplicateWindow:   cfg.DuplicateWindow,
		hookTimeout:       durationOr(cfg.HookTimeout, DefaultHookTimeout),
		observerTimeout:   durationOr(cfg.ObserverTimeout, DefaultObserverTimeout),
		editCooldown:      cfg.EditCooldown,
		siteID:            cfg.SiteID,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		validate:          validator.New(validator.WithRequiredStructEnabled()),
	}
	if pipeline.duplicateWindow == 0 {
		pipeline.duplicateWindow = DefaultDuplicateWindow
	}
	if pipeline.siteID == 0 {
		pipeline.siteID = DefaultSiteID
	}
	if pipeline.clock == nil {
		pipeline.clock = time.Now
	}
	if pipeline.logger == nil {
		pipeline.logger = noOpLogger
	}
	if len(cfg.AllowedMarkups) > 0 {
		pipeline.allowedMarkups = make(map[comments.MarkupKind]bool, len(cfg.AllowedMarkups))
		for _, kind := range cfg.AllowedMarkups {
			pipeline.allowedMarkups[kind] = true
		}
	}
	return pipeline, nil
}

// SecurityFields issues the timestamp and digest a comment form must echo back.
func (p *Pipeline) SecurityFields(target comments.Target) (SecurityFields, error) {
	target = p.normalizeTarget(target)
	if err := target.Validate(); err != nil {
		return SecurityFields{}, err
	}
	return NewSecurityFields(target, p.clock(), p.secret), nil
}

// Submit runs a submission through the full state machine. Rejections are
// reported in the Result; the error is reserved for storage, delivery and
// cancellation failures.
func (p *Pipeline) Submit(ctx context.Context, request Request) (Result, error) {
	request.Target = p.normalizeTarget(request.Target)
	pending, info, rejection, err := p.validateRequest(ctx, request)
	if err != nil {
		return Result{}, err
	}
	if rejection != nil {
		p.logger.Debug("submission rejected",
			zap.String("target", request.Target.String()),
			zap.Error(rejection))
		return Result{Outcome: OutcomeRejected, Rejection: rejection}, nil
	}

	result, held, err := p.review(ctx, pending)
	if err != nil {
		return Result{}, err
	}
	if result != nil {
		return *result, nil
	}
	pending.HeldForModeration = held

	trusted := request.Identity != nil && request.Identity.Trusted
	if !p.confirmEmail || trusted {
		return p.materialize(ctx, opSubmit, pending, info)
	}
	return p.deferToConfirmation(ctx, pending, info)
}

// Redeem materializes the pending comment carried by a confirmation token.
// Validation and review are not repeated; a token that fails verification is
// rejected without touching storage.
func (p *Pipeline) Redeem(ctx context.Context, token string) (Result, error) {
	pending, err := p.codec.Decode(token)
	if err != nil {
		reason := ReasonInvalidSignature
		switch {
		case errors.Is(err, tokens.ErrExpired):
			reason = ReasonTokenExpired
		case errors.Is(err, tokens.ErrMalformed):
			reason = ReasonMalformedToken
		}
		p.logger.Debug("confirmation token rejected", zap.String("reason", reason), zap.Error(err))
		return rejected(fieldToken, reason), nil
	}

	info, err := p.targets.Resolve(ctx, pending.Target)
	if errors.Is(err, ErrUnknownTarget) {
		return rejected(fieldTarget, ReasonUnknownTarget), nil
	}
	if err != nil {
		return Result{}, comments.NewServiceError(opRedeem, "target_resolution_failed", err)
	}
	return p.materialize(ctx, opRedeem, pending, info)
}

// Edit replaces the body of a published comment under the same body and
// markup rules as a submission. Ownership is the caller's concern. Removed
// comments and comments past the edit cooldown are refused by the store.
func (p *Pipeline) Edit(ctx context.Context, request EditRequest) (comments.Comment, error) {
	rejection := &ValidationError{}
	body := strings.TrimSpace(request.Body)
	p.checkBody(rejection, body)
	var markup comments.MarkupKind
	if strings.TrimSpace(request.Markup) != "" {
		markup = p.checkMarkup(rejection, request.Markup)
	}
	if !rejection.empty() {
		return comments.Comment{}, rejection
	}
	return p.store.UpdateBody(ctx, request.CommentID, body, markup, p.editCooldown)
}

// Drain waits for in-flight post-publish observers or for ctx to end.
func (p *Pipeline) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) validateRequest(ctx context.Context, request Request) (tokens.PendingComment, TargetInfo, *ValidationError, error) {
	rejection := &ValidationError{}
	now := p.clock().UTC()

	author := comments.Author{
		Name:  strings.TrimSpace(request.Name),
		Email: strings.TrimSpace(request.Email),
		URL:   strings.TrimSpace(request.URL),
	}
	if identity := request.Identity; identity != nil {
		author.UserID = strings.TrimSpace(identity.UserID)
		if author.Name == "" {
			author.Name = strings.TrimSpace(identity.Name)
		}
		if author.Email == "" {
			author.Email = strings.TrimSpace(identity.Email)
		}
	}

	switch {
	case author.Name == "":
		rejection.add(fieldName, ReasonMissingName)
	case utf8.RuneCountInString(author.Name) > maxNameLength:
		rejection.add(fieldName, ReasonNameTooLong)
	}
	switch {
	case author.Email == "":
		rejection.add(fieldEmail, ReasonMissingEmail)
	case len(author.Email) > maxEmailLength || p.validate.Var(author.Email, "email") != nil:
		rejection.add(fieldEmail, ReasonInvalidEmail)
	}
	if author.URL != "" && (len(author.URL) > maxURLLength || p.validate.Var(author.URL, "http_url") != nil) {
		rejection.add(fieldURL, ReasonInvalidURL)
	}

	body := strings.TrimSpace(request.Body)
	p.checkBody(rejection, body)
	markup := p.checkMarkup(rejection, request.Markup)

	if request.Honeypot != "" {
		rejection.add(fieldHoneypot, ReasonHoneypotFilled)
	}

	if !VerifySecurityDigest(request.Target, request.Timestamp, request.SecurityHash, p.secret) {
		rejection.add(fieldSecurity, ReasonSecurityCheckFailed)
	} else if age := now.Sub(time.Unix(request.Timestamp, 0)); age > p.formMaxAge || age < -p.formMaxAge {
		rejection.add(fieldTimestamp, ReasonTimestampExpired)
	}

	info, err := p.targets.Resolve(ctx, request.Target)
	if errors.Is(err, ErrUnknownTarget) {
		rejection.add(fieldTarget, ReasonUnknownTarget)
		return tokens.PendingComment{}, TargetInfo{}, rejection, nil
	}
	if err != nil {
		return tokens.PendingComment{}, TargetInfo{}, nil, comments.NewServiceError(opSubmit, "target_resolution_failed", err)
	}

	replyTo, err := p.resolveReplyTo(ctx, request, rejection)
	if err != nil {
		return tokens.PendingComment{}, TargetInfo{}, nil, err
	}

	if !rejection.empty() {
		return tokens.PendingComment{}, TargetInfo{}, rejection, nil
	}
	return tokens.PendingComment{
		Target:             request.Target,
		ReplyTo:            replyTo,
		Author:             author,
		Body:               body,
		Markup:             markup,
		SubmittedAtSeconds: now.Unix(),
		IPAddress:          strings.TrimSpace(request.IPAddress),
		Followup:           request.Followup,
	}, info, nil, nil
}

func (p *Pipeline) checkBody(rejection *ValidationError, body string) {
	switch {
	case body == "":
		rejection.add(fieldBody, ReasonMissingBody)
	case utf8.RuneCountInString(body) > p.maxBodyLength:
		rejection.add(fieldBody, ReasonBodyTooLong)
	}
}

func (p *Pipeline) checkMarkup(rejection *ValidationError, rawMarkup string) comments.MarkupKind {
	markup, err := comments.ParseMarkupKind(rawMarkup)
	if err != nil || (p.allowedMarkups != nil && !p.allowedMarkups[markup]) {
		rejection.add(fieldMarkup, ReasonUnknownMarkup)
	}
	return markup
}

// resolveReplyTo checks that the reply target exists in the same tree and
// applies the content type's thread policy. It returns the effective parent id.
func (p *Pipeline) resolveReplyTo(ctx context.Context, request Request, rejection *ValidationError) (string, error) {
	replyTo := strings.TrimSpace(request.ReplyTo)
	if replyTo == "" {
		return "", nil
	}
	parent, err := p.store.Get(ctx, replyTo)
	if errors.Is(err, comments.ErrNotFound) {
		rejection.add(fieldReplyTo, ReasonUnknownParent)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if parent.IsRoot() {
		rejection.add(fieldReplyTo, ReasonUnknownParent)
		return "", nil
	}
	parentTarget, err := p.store.TargetOf(ctx, parent)
	if err != nil {
		return "", err
	}
	if parentTarget != request.Target {
		rejection.add(fieldReplyTo, ReasonUnknownParent)
		return "", nil
	}

	policy := p.capabilities.OptionsFor(request.Target.ContentType).ThreadPolicy()
	effective, err := p.store.ResolveReplyParent(ctx, parent, policy)
	if errors.Is(err, comments.ErrThreadTooDeep) {
		rejection.add(fieldReplyTo, ReasonThreadTooDeep)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return effective.ID, nil
}

// review consults every vetoer without holding any storage lock. A non-nil
// result means the submission was rejected.
func (p *Pipeline) review(ctx context.Context, pending tokens.PendingComment) (*Result, bool, error) {
	held := false
	for _, vetoer := range p.vetoers {
		verdict, err := p.reviewOne(ctx, vetoer, pending)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		if err != nil {
			p.logger.Warn("pre-publish review failed",
				zap.String("vetoer", vetoer.Name()),
				zap.String("target", pending.Target.String()),
				zap.Error(err))
			result := rejected(fieldHook, ReasonHookFailed)
			return &result, false, nil
		}
		switch verdict {
		case VerdictReject:
			p.logger.Debug("submission vetoed", zap.String("vetoer", vetoer.Name()))
			result := rejected(fieldHook, ReasonVetoed)
			return &result, false, nil
		case VerdictModerate:
			held = true
		}
	}
	return nil, held, nil
}

type reviewOutcome struct {
	verdict Verdict
	err     error
}

func (p *Pipeline) reviewOne(ctx context.Context, vetoer PrePublishVetoer, pending tokens.PendingComment) (Verdict, error) {
	reviewCtx, cancel := context.WithTimeout(ctx, p.hookTimeout)
	defer cancel()

	done := make(chan reviewOutcome, 1)
	go func() {
		verdict, err := vetoer.Review(reviewCtx, pending)
		done <- reviewOutcome{verdict: verdict, err: err}
	}()
	select {
	case outcome := <-done:
		return outcome.verdict, outcome.err
	case <-reviewCtx.Done():
		return VerdictReject, fmt.Errorf("review by %s: %w", vetoer.Name(), reviewCtx.Err())
	}
}

func (p *Pipeline) deferToConfirmation(ctx context.Context, pending tokens.PendingComment, info TargetInfo) (Result, error) {
	token, err := p.codec.Encode(pending)
	if err != nil {
		p.logError(opSubmit, "token_encode_failed", err, zap.String("target", pending.Target.String()))
		return Result{}, comments.NewServiceError(opSubmit, "token_encode_failed", err)
	}

	deliveryCtx, cancel := context.WithTimeout(ctx, p.hookTimeout)
	defer cancel()
	err = p.sender.SendConfirmation(deliveryCtx, Confirmation{
		Token:      token,
		Target:     pending.Target,
		TargetInfo: info,
		Name:       pending.Author.Name,
		Email:      pending.Author.Email,
	})
	if err != nil {
		p.logError(opSubmit, "delivery_failed", err, zap.String("target", pending.Target.String()))
		return Result{}, comments.NewServiceError(opSubmit, "delivery_failed", fmt.Errorf("%w: %v", ErrDeliveryFailed, err))
	}
	return Result{Outcome: OutcomeDeferred, Token: token, Pending: pending}, nil
}

func (p *Pipeline) materialize(ctx context.Context, operation string, pending tokens.PendingComment, info TargetInfo) (Result, error) {
	root, err := p.store.GetOrCreateRoot(ctx, pending.Target)
	if err != nil {
		return Result{}, err
	}
	parent := root
	if pending.ReplyTo != "" {
		parent, err = p.store.Get(ctx, pending.ReplyTo)
		if errors.Is(err, comments.ErrNotFound) {
			return rejected(fieldReplyTo, ReasonUnknownParent), nil
		}
		if err != nil {
			return Result{}, err
		}
		if parent.IsRoot() || !strings.HasPrefix(parent.Path, root.Path) {
			return rejected(fieldReplyTo, ReasonUnknownParent), nil
		}
	}

	window := p.duplicateWindow
	if window < 0 {
		window = 0
	}
	comment, created, err := p.store.AddChildOnce(ctx, parent, comments.CommentFields{
		Author:      pending.Author,
		Body:        pending.Body,
		Markup:      pending.Markup,
		SubmittedAt: pending.SubmittedAt(),
		IPAddress:   pending.IPAddress,
		IsPublic:    !pending.HeldForModeration && !p.requireModeration,
		Followup:    pending.Followup,
	}, window)
	if errors.Is(err, comments.ErrNotFound) {
		return rejected(fieldReplyTo, ReasonUnknownParent), nil
	}
	if err != nil {
		p.logError(operation, "materialize_failed", err, zap.String("target", pending.Target.String()))
		return Result{}, err
	}

	outcome := OutcomeQueued
	if comment.IsPublic {
		outcome = OutcomePublished
	}
	if created {
		p.notify(ctx, Event{Comment: comment, Target: pending.Target, TargetInfo: info, Outcome: outcome})
	} else {
		p.logger.Debug("duplicate submission matched existing comment", zap.String("comment_id", comment.ID))
	}
	return Result{Outcome: outcome, Comment: comment, Duplicate: !created}, nil
}

// notify fans the event out to observers in the background. Observers outlive
// the request context but are bounded by the observer timeout.
func (p *Pipeline) notify(ctx context.Context, event Event) {
	base := context.WithoutCancel(ctx)
	for _, observer := range p.observers {
		p.inflight.Go(func() {
			observerCtx, cancel := context.WithTimeout(base, p.observerTimeout)
			defer cancel()
			if err := observer.CommentPosted(observerCtx, event); err != nil {
				p.logger.Warn("post-publish observer failed",
					zap.String("observer", observer.Name()),
					zap.String("comment_id", event.Comment.ID),
					zap.Error(err))
			}
		})
	}
}

func (p *Pipeline) normalizeTarget(target comments.Target) comments.Target {
	target.ContentType = strings.TrimSpace(target.ContentType)
	target.ObjectID = strings.TrimSpace(target.ObjectID)
	if target.SiteID == 0 {
		target.SiteID = p.siteID
	}
	return target
}

func (p *Pipeline) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Error("submission pipeline error", attrs...)
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
