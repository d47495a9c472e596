package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/submission"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// viewer is the signed-in user behind a request.
type viewer struct {
	UserID    string
	Name      string
	Email     string
	Trusted   bool
	Moderator bool
}

func (v *viewer) identity() *submission.Identity {
	if v == nil {
		return nil
	}
	return &submission.Identity{UserID: v.UserID, Name: v.Name, Email: v.Email, Trusted: v.Trusted}
}

// identifyViewer attaches the session user when a valid cookie is present.
// Requests without a usable session continue anonymously.
func (h *httpHandler) identifyViewer(c *gin.Context) {
	if h.sessions == nil {
		c.Next()
		return
	}
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session validation failed", zap.Error(err))
		default:
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.Next()
		return
	}
	commenter, err := h.commenters.ResolveCommenter(claims)
	if err != nil {
		h.logger.Error("commenter resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_failed"})
		return
	}
	c.Set(viewerContextKey, &viewer{
		UserID:    commenter.UserID,
		Name:      commenter.Name,
		Email:     commenter.Email,
		Trusted:   h.trusts(claims),
		Moderator: claims.HasAnyRole(h.moderatorRoles),
	})
	c.Next()
}

// trusts reports whether a session skips email confirmation. Every signed-in
// user is trusted unless trusted roles narrow it down.
func (h *httpHandler) trusts(claims auth.SessionClaims) bool {
	if len(h.trustedRoles) == 0 {
		return true
	}
	return claims.HasAnyRole(h.trustedRoles)
}

func (h *httpHandler) requireViewer(c *gin.Context) {
	if currentViewer(c) == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func currentViewer(c *gin.Context) *viewer {
	value, ok := c.Get(viewerContextKey)
	if !ok {
		return nil
	}
	current, _ := value.(*viewer)
	return current
}
