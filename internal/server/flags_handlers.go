package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/flags"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleSetFlag(c *gin.Context) {
	kind, err := flags.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_flag"})
		return
	}
	created, err := h.flags.SetFlag(c.Request.Context(), currentViewer(c).UserID, c.Param("id"), kind)
	if err != nil {
		h.respondFlagError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"comment_id": c.Param("id"), "flag": kind, "created": created})
}

func (h *httpHandler) handleClearFlag(c *gin.Context) {
	kind, err := flags.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_flag"})
		return
	}
	if err := h.flags.ClearFlag(c.Request.Context(), currentViewer(c).UserID, c.Param("id"), kind); err != nil {
		h.respondFlagError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondFlagError(c *gin.Context, err error) {
	var capabilityErr *flags.CapabilityError
	switch {
	case errors.As(err, &capabilityErr):
		c.JSON(http.StatusForbidden, gin.H{
			"error":        "capability_disabled",
			"flag":         capabilityErr.Kind,
			"content_type": capabilityErr.ContentType,
		})
	case errors.Is(err, comments.ErrNotFound):
		respondServiceError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, flags.ErrInvalidComment), errors.Is(err, flags.ErrInvalidUser), errors.Is(err, flags.ErrUnknownKind):
		respondServiceError(c, http.StatusBadRequest, "invalid_flag", err)
	default:
		h.logger.Error("flag update failed", zap.Error(err))
		respondServiceError(c, http.StatusInternalServerError, "flag_failed", err)
	}
}
