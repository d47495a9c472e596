package server

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/capabilities"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/flags"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/submission"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const viewerContextKey = "treecomments_viewer"

var (
	errMissingPipeline     = errors.New("submission pipeline dependency required")
	errMissingStore        = errors.New("comment store dependency required")
	errMissingFlags        = errors.New("flag service dependency required")
	errMissingCapabilities = errors.New("capability resolver dependency required")
	errMissingRenderer     = errors.New("markup renderer dependency required")
	errMissingCommenters   = errors.New("commenter resolver required when sessions are enabled")
)

// SubmissionPipeline drives comment submissions and confirmations.
type SubmissionPipeline interface {
	SecurityFields(target comments.Target) (submission.SecurityFields, error)
	Submit(ctx context.Context, request submission.Request) (submission.Result, error)
	Redeem(ctx context.Context, token string) (submission.Result, error)
	Edit(ctx context.Context, request submission.EditRequest) (comments.Comment, error)
}

// CommentStore reads and moderates comment trees.
type CommentStore interface {
	Get(ctx context.Context, id string) (comments.Comment, error)
	LookupRoot(ctx context.Context, target comments.Target) (comments.Comment, bool, error)
	ListDescendants(ctx context.Context, root comments.Comment, opts comments.ListOptions) iter.Seq2[comments.Comment, error]
	CountDescendants(ctx context.Context, root comments.Comment, publicOnly bool) (int64, error)
	TargetOf(ctx context.Context, node comments.Comment) (comments.Target, error)
	MarkRemoved(ctx context.Context, id string) (comments.Comment, error)
	SetPublic(ctx context.Context, id string, public bool) (comments.Comment, error)
}

// FlagService records and aggregates per-user flags.
type FlagService interface {
	SetFlag(ctx context.Context, userID, commentID string, kind flags.Kind) (bool, error)
	ClearFlag(ctx context.Context, userID, commentID string, kind flags.Kind) error
	CountsForMany(ctx context.Context, commentIDs []string) (map[string]flags.Counts, error)
	UsersFlaggingMany(ctx context.Context, commentIDs []string) (map[string]map[flags.Kind][]string, error)
	ActiveFor(ctx context.Context, userID string, commentIDs []string) (map[string]map[flags.Kind]bool, error)
}

// CapabilityLookup returns the options of a content type.
type CapabilityLookup interface {
	OptionsFor(contentType string) capabilities.Options
}

// MarkupRenderer turns a stored body into safe HTML.
type MarkupRenderer interface {
	Render(kind comments.MarkupKind, body string) (string, error)
}

// ThreadCache caches rendered thread listings.
type ThreadCache interface {
	Get(ctx context.Context, target comments.Target, variant cache.Variant) ([]byte, cache.Listing, bool)
	Put(ctx context.Context, listing cache.Listing, value []byte)
	Invalidate(ctx context.Context, target comments.Target) error
}

// SessionValidator validates the session cookie of a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// CommenterResolver maps session claims to a commenter profile.
type CommenterResolver interface {
	ResolveCommenter(claims auth.SessionClaims) (users.Commenter, error)
}

// Dependencies bundles the collaborators of the HTTP surface.
type Dependencies struct {
	Pipeline     SubmissionPipeline
	Store        CommentStore
	Flags        FlagService
	Capabilities CapabilityLookup
	Renderer     MarkupRenderer
	// Cache is optional.
	Cache ThreadCache
	// Sessions is optional; without it every request is anonymous.
	Sessions       SessionValidator
	Commenters     CommenterResolver
	TrustedRoles   []string
	ModeratorRoles []string
	AllowedOrigins []string
	SiteID         int64
	Logger         *zap.Logger
}

// NewHTTPHandler wires the comment API routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Pipeline == nil:
		return nil, errMissingPipeline
	case deps.Store == nil:
		return nil, errMissingStore
	case deps.Flags == nil:
		return nil, errMissingFlags
	case deps.Capabilities == nil:
		return nil, errMissingCapabilities
	case deps.Renderer == nil:
		return nil, errMissingRenderer
	case deps.Sessions != nil && deps.Commenters == nil:
		return nil, errMissingCommenters
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	siteID := deps.SiteID
	if siteID <= 0 {
		siteID = submission.DefaultSiteID
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		pipeline:       deps.Pipeline,
		store:          deps.Store,
		flags:          deps.Flags,
		capabilities:   deps.Capabilities,
		renderer:       deps.Renderer,
		cache:          deps.Cache,
		sessions:       deps.Sessions,
		commenters:     deps.Commenters,
		trustedRoles:   deps.TrustedRoles,
		moderatorRoles: deps.ModeratorRoles,
		siteID:         siteID,
		logger:         logger,
	}

	api := router.Group("/api/comments")
	api.Use(handler.identifyViewer)
	api.GET("/form", handler.handleSecurityFields)
	api.POST("", handler.handleSubmit)
	api.GET("/confirm/:token", handler.handleConfirm)
	api.GET("/thread", handler.handleListThread)
	api.GET("/count", handler.handleCount)

	member := api.Group("/:id")
	member.Use(handler.requireViewer)
	member.POST("/flags/:kind", handler.handleSetFlag)
	member.DELETE("/flags/:kind", handler.handleClearFlag)
	member.PATCH("", handler.handleEdit)
	member.DELETE("", handler.handleRemove)
	member.PUT("/public", handler.handleSetPublic)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	pipeline       SubmissionPipeline
	store          CommentStore
	flags          FlagService
	capabilities   CapabilityLookup
	renderer       MarkupRenderer
	cache          ThreadCache
	sessions       SessionValidator
	commenters     CommenterResolver
	trustedRoles   []string
	moderatorRoles []string
	siteID         int64
	logger         *zap.Logger
}

func respondServiceError(c *gin.Context, status int, fallback string, err error) {
	payload := gin.H{"error": fallback}
	var serviceErr *comments.ServiceError
	if errors.As(err, &serviceErr) {
		payload["code"] = serviceErr.Code()
	}
	c.JSON(status, payload)
}
