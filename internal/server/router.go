package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/payments"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/projects"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "sitesmith_user_id"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserService      = errors.New("user service dependency required")
	errMissingProjectService   = errors.New("project service dependency required")
	errMissingPaymentService   = errors.New("payment service dependency required")
)

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// UserService resolves session claims to accounts.
type UserService interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
	Get(ctx context.Context, userID string) (users.User, error)
}

// ProjectService is the project aggregate as seen by the HTTP layer.
type ProjectService interface {
	Create(ctx context.Context, userID, prompt string) (projects.Project, error)
	RequestRevision(ctx context.Context, projectID, userID, message string) error
	ManualSave(ctx context.Context, projectID, userID, code string) (projects.Project, error)
	TogglePublish(ctx context.Context, projectID, userID string) (projects.Project, error)
	Delete(ctx context.Context, projectID, userID string) error
	Get(ctx context.Context, projectID, userID string) (projects.ProjectDetail, error)
	List(ctx context.Context, userID string) ([]projects.Project, error)
	GetPublished(ctx context.Context, projectID string) (string, error)
	Rollback(ctx context.Context, projectID, userID, versionID string) (projects.Project, error)
}

// PaymentService sells credits.
type PaymentService interface {
	StartCheckout(ctx context.Context, userID, planID string) (payments.Checkout, error)
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (payments.WebhookResult, error)
}

type Dependencies struct {
	SessionValidator  SessionValidator
	Users             UserService
	Projects          ProjectService
	Payments          PaymentService
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.SessionValidator == nil:
		return nil, errMissingSessionValidator
	case deps.Users == nil:
		return nil, errMissingUserService
	case deps.Projects == nil:
		return nil, errMissingProjectService
	case deps.Payments == nil:
		return nil, errMissingPaymentService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		users:     deps.Users,
		projects:  deps.Projects,
		payments:  deps.Payments,
		realtime:  realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/project/:id/published-code", handler.handlePublishedCode)
	router.GET("/view/:id", handler.handleView)
	router.POST("/stripe/webhook", handler.handleStripeWebhook)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/user/credits", handler.handleCredits)
	protected.GET("/user/projects", handler.handleListProjects)
	protected.GET("/user/plans", handler.handlePlans)
	protected.POST("/user/purchase-credits", handler.handlePurchaseCredits)
	protected.POST("/project", handler.handleCreateProject)
	protected.GET("/project/:id", handler.handleGetProject)
	protected.DELETE("/project/:id", handler.handleDeleteProject)
	protected.POST("/project/:id/revise", handler.handleReviseProject)
	protected.PUT("/project/:id/save", handler.handleSaveProject)
	protected.GET("/project/:id/publish-toggle", handler.handleTogglePublish)
	protected.GET("/project/:id/rollback/:versionId", handler.handleRollback)
	protected.GET("/project/:id/preview", handler.handlePreview)
	protected.POST("/project/:id/edit", handler.handleEdit)
	protected.GET("/projects/stream", handler.handleProjectStream)

	return router, nil
}

type httpHandler struct {
	sessions  SessionValidator
	users     UserService
	projects  ProjectService
	payments  PaymentService
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Stripe-Signature"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		if token := strings.TrimSpace(c.Query(accessTokenQueryKey)); token != "" {
			claims, err = h.sessions.ValidateToken(token)
		}
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "auth.invalid_session"})
		return
	}

	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "auth.invalid_identity"})
			return
		}
		h.logger.Error("user resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": "auth.user_resolution_failed"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
