package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/submission"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errInvalidTarget = errors.New("invalid target")

type submitRequestPayload struct {
	ContentType  string `json:"content_type"`
	ObjectID     string `json:"object_id"`
	SiteID       int64  `json:"site_id"`
	ReplyTo      string `json:"reply_to"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	URL          string `json:"url"`
	Comment      string `json:"comment"`
	Markup       string `json:"markup"`
	Followup     bool   `json:"followup"`
	Honeypot     string `json:"honeypot"`
	Timestamp    int64  `json:"timestamp"`
	SecurityHash string `json:"security_hash"`
}

type submitResponsePayload struct {
	Outcome   string                    `json:"outcome"`
	Duplicate bool                      `json:"duplicate,omitempty"`
	Comment   *commentView              `json:"comment,omitempty"`
	Failures  []submission.FieldFailure `json:"failures,omitempty"`
}

type securityFieldsPayload struct {
	ContentType  string `json:"content_type"`
	ObjectID     string `json:"object_id"`
	SiteID       int64  `json:"site_id"`
	Timestamp    int64  `json:"timestamp"`
	SecurityHash string `json:"security_hash"`
}

type editRequestPayload struct {
	Comment string `json:"comment"`
	Markup  string `json:"markup"`
}

type visibilityRequestPayload struct {
	IsPublic *bool `json:"is_public"`
}

func (h *httpHandler) targetFromQuery(c *gin.Context) (comments.Target, error) {
	target := comments.Target{
		ContentType: strings.TrimSpace(c.Query("content_type")),
		ObjectID:    strings.TrimSpace(c.Query("object_id")),
		SiteID:      h.siteID,
	}
	if rawSite := strings.TrimSpace(c.Query("site_id")); rawSite != "" {
		siteID, err := strconv.ParseInt(rawSite, 10, 64)
		if err != nil {
			return comments.Target{}, errInvalidTarget
		}
		target.SiteID = siteID
	}
	if err := target.Validate(); err != nil {
		return comments.Target{}, err
	}
	return target, nil
}

func (h *httpHandler) handleSecurityFields(c *gin.Context) {
	target, err := h.targetFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_target"})
		return
	}
	fields, err := h.pipeline.SecurityFields(target)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_target"})
		return
	}
	c.JSON(http.StatusOK, securityFieldsPayload{
		ContentType:  fields.Target.ContentType,
		ObjectID:     fields.Target.ObjectID,
		SiteID:       fields.Target.SiteID,
		Timestamp:    fields.Timestamp,
		SecurityHash: fields.SecurityHash,
	})
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	var request submitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	siteID := request.SiteID
	if siteID == 0 {
		siteID = h.siteID
	}

	result, err := h.pipeline.Submit(c.Request.Context(), submission.Request{
		Target:       comments.Target{ContentType: request.ContentType, ObjectID: request.ObjectID, SiteID: siteID},
		ReplyTo:      request.ReplyTo,
		Name:         request.Name,
		Email:        request.Email,
		URL:          request.URL,
		Body:         request.Comment,
		Markup:       request.Markup,
		Followup:     request.Followup,
		Honeypot:     request.Honeypot,
		Timestamp:    request.Timestamp,
		SecurityHash: request.SecurityHash,
		IPAddress:    c.ClientIP(),
		Identity:     currentViewer(c).identity(),
	})
	h.respondSubmission(c, result, err)
}

func (h *httpHandler) handleConfirm(c *gin.Context) {
	result, err := h.pipeline.Redeem(c.Request.Context(), c.Param("token"))
	h.respondSubmission(c, result, err)
}

func (h *httpHandler) respondSubmission(c *gin.Context, result submission.Result, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		fallback := "submission_failed"
		switch {
		case errors.Is(err, submission.ErrDeliveryFailed):
			status, fallback = http.StatusBadGateway, "delivery_failed"
		case errors.Is(err, comments.ErrConflict), errors.Is(err, comments.ErrCapacityExceeded):
			status, fallback = http.StatusConflict, "conflict"
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status, fallback = http.StatusServiceUnavailable, "cancelled"
		}
		h.logger.Error("submission failed", zap.Error(err))
		respondServiceError(c, status, fallback, err)
		return
	}

	switch result.Outcome {
	case submission.OutcomeDeferred:
		c.Status(http.StatusNoContent)
	case submission.OutcomeRejected:
		response := submitResponsePayload{Outcome: result.Outcome.String()}
		if result.Rejection != nil {
			response.Failures = result.Rejection.Failures
		}
		c.JSON(result.Outcome.Code(), response)
	default:
		if !result.Duplicate {
			h.invalidate(c.Request.Context(), result.Comment)
		}
		view := h.commentViewFor(result.Comment, h.capabilities.OptionsFor(h.contentTypeOf(c.Request.Context(), result.Comment)))
		c.JSON(result.Outcome.Code(), submitResponsePayload{
			Outcome:   result.Outcome.String(),
			Duplicate: result.Duplicate,
			Comment:   &view,
		})
	}
}

func (h *httpHandler) contentTypeOf(ctx context.Context, comment comments.Comment) string {
	target, err := h.store.TargetOf(ctx, comment)
	if err != nil {
		h.logger.Warn("target lookup failed", zap.String("comment_id", comment.ID), zap.Error(err))
		return ""
	}
	return target.ContentType
}

func (h *httpHandler) handleListThread(c *gin.Context) {
	target, err := h.targetFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_target"})
		return
	}
	current := currentViewer(c)
	variant := cache.Variant{
		Order:      comments.ParseOrder(c.Query("order")),
		PublicOnly: current == nil || !current.Moderator,
	}

	ctx := c.Request.Context()
	views, err := h.threadViews(ctx, target, variant)
	if err != nil {
		h.logger.Error("thread listing failed", zap.String("target", target.String()), zap.Error(err))
		respondServiceError(c, http.StatusInternalServerError, "list_failed", err)
		return
	}
	if err := h.attachFlags(ctx, views, h.capabilities.OptionsFor(target.ContentType), current); err != nil {
		h.logger.Error("flag aggregation failed", zap.String("target", target.String()), zap.Error(err))
		respondServiceError(c, http.StatusInternalServerError, "list_failed", err)
		return
	}
	c.JSON(http.StatusOK, threadView{Target: target, Count: len(views), Comments: views})
}

func (h *httpHandler) handleCount(c *gin.Context) {
	target, err := h.targetFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_target"})
		return
	}
	ctx := c.Request.Context()
	root, found, err := h.store.LookupRoot(ctx, target)
	if err != nil {
		respondServiceError(c, http.StatusInternalServerError, "count_failed", err)
		return
	}
	var count int64
	if found {
		current := currentViewer(c)
		count, err = h.store.CountDescendants(ctx, root, current == nil || !current.Moderator)
		if err != nil {
			respondServiceError(c, http.StatusInternalServerError, "count_failed", err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"target": target, "count": count})
}

func (h *httpHandler) handleRemove(c *gin.Context) {
	current := currentViewer(c)
	ctx := c.Request.Context()
	comment, ok := h.loadComment(c)
	if !ok {
		return
	}
	owner := comment.UserID != nil && *comment.UserID == current.UserID
	if !owner && !current.Moderator {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	removed, err := h.store.MarkRemoved(ctx, comment.ID)
	if err != nil {
		h.respondModerationError(c, err)
		return
	}
	h.invalidate(ctx, removed)
	view := h.commentViewFor(removed, h.capabilities.OptionsFor(h.contentTypeOf(ctx, removed)))
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleEdit(c *gin.Context) {
	current := currentViewer(c)
	var request editRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	comment, ok := h.loadComment(c)
	if !ok {
		return
	}
	if comment.UserID == nil || *comment.UserID != current.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	edited, err := h.pipeline.Edit(ctx, submission.EditRequest{
		CommentID: comment.ID,
		Body:      request.Comment,
		Markup:    request.Markup,
	})
	var rejection *submission.ValidationError
	switch {
	case errors.As(err, &rejection):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_comment", "failures": rejection.Failures})
		return
	case errors.Is(err, comments.ErrRemoved):
		respondServiceError(c, http.StatusForbidden, "comment_removed", err)
		return
	case errors.Is(err, comments.ErrEditWindowClosed):
		respondServiceError(c, http.StatusForbidden, "edit_window_closed", err)
		return
	case err != nil:
		h.respondModerationError(c, err)
		return
	}
	h.invalidate(ctx, edited)
	view := h.commentViewFor(edited, h.capabilities.OptionsFor(h.contentTypeOf(ctx, edited)))
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleSetPublic(c *gin.Context) {
	current := currentViewer(c)
	if !current.Moderator {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	var request visibilityRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.IsPublic == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	comment, ok := h.loadComment(c)
	if !ok {
		return
	}
	updated, err := h.store.SetPublic(ctx, comment.ID, *request.IsPublic)
	if err != nil {
		h.respondModerationError(c, err)
		return
	}
	h.invalidate(ctx, updated)
	view := h.commentViewFor(updated, h.capabilities.OptionsFor(h.contentTypeOf(ctx, updated)))
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) loadComment(c *gin.Context) (comments.Comment, bool) {
	comment, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondModerationError(c, err)
		return comments.Comment{}, false
	}
	if comment.IsRoot() {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return comments.Comment{}, false
	}
	return comment, true
}

func (h *httpHandler) respondModerationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, comments.ErrNotFound):
		respondServiceError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, comments.ErrRootSentinel):
		respondServiceError(c, http.StatusBadRequest, "invalid_comment", err)
	default:
		h.logger.Error("comment update failed", zap.Error(err))
		respondServiceError(c, http.StatusInternalServerError, "update_failed", err)
	}
}

// invalidate drops cached listings of the comment's target.
func (h *httpHandler) invalidate(ctx context.Context, comment comments.Comment) {
	if h.cache == nil {
		return
	}
	target, err := h.store.TargetOf(ctx, comment)
	if err != nil {
		h.logger.Warn("target lookup failed", zap.String("comment_id", comment.ID), zap.Error(err))
		return
	}
	if err := h.cache.Invalidate(ctx, target); err != nil {
		h.logger.Warn("thread cache invalidation failed", zap.String("target", target.String()), zap.Error(err))
	}
}
