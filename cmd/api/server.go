package main

import (
	"context"
	"net/http"
	"strings"

	"leadflow/apperr"
	"leadflow/auth"
	"leadflow/lead"
	"leadflow/logger"
	"leadflow/requirement"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const (
	userIDHeader  = "X-User-ID"
	ctxKeyUserID  = logger.CallerKey
	maxRequestLen = 64
)

type requirementService interface {
	Create(ctx context.Context, buyerID string, params requirement.CreateParams) (requirement.Requirement, error)
	List(ctx context.Context, filters requirement.Filters) (requirement.ListResult, error)
	ListMine(ctx context.Context, buyerID string, page, pageSize int) (requirement.ListResult, error)
	Get(ctx context.Context, id string) (requirement.Requirement, error)
	Update(ctx context.Context, id, buyerID string, params requirement.UpdateParams) (requirement.Requirement, error)
	Delete(ctx context.Context, id, buyerID string) error
	DeleteAll(ctx context.Context, buyerID string) (int64, error)
}

type claimService interface {
	Claim(ctx context.Context, req lead.ClaimRequest) (lead.ClaimResult, error)
}

type lifecycleService interface {
	Close(ctx context.Context, requirementID, buyerID string) (lead.CloseResult, error)
	Cancel(ctx context.Context, leadID, sellerID string) (lead.CancelResult, error)
}

type sellerService interface {
	Stats(ctx context.Context, sellerID string) (lead.Stats, error)
	Contacted(ctx context.Context, sellerID string) ([]lead.ContactedRequirement, error)
}

type tokenVerifier interface {
	Enabled() bool
	VerifyToken(token string) (auth.Principal, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

var errUnauthorized = apperr.New(apperr.KindUnauthorized, apperr.CodeUnauthorized, "x-user-id header or bearer token is required")

// Server holds the HTTP handlers. Every collaborator is an interface so
// handlers can be exercised with stubs.
type Server struct {
	requirementService requirementService
	claimService       claimService
	lifecycleService   lifecycleService
	sellerService      sellerService
	tokens             tokenVerifier
	db                 pinger
	logger             *zap.Logger
	serviceName        string
}

// Router builds the gin engine with middleware in the order request id,
// tracing, logging, recovery, identity.
func (s *Server) Router() *gin.Engine {
	log := s.logger
	if log == nil {
		log = zap.NewNop()
	}

	r := gin.New()
	r.Use(requestID())
	if s.serviceName != "" {
		r.Use(otelgin.Middleware(s.serviceName))
	}
	r.Use(logger.GinMiddleware(log))
	r.Use(logger.Recovery(log))
	r.Use(s.identify())

	r.GET("/healthz", s.handleHealth)

	s.registerRequirementRoutes(r.Group("/requirements"))

	leads := r.Group("/leads")
	s.registerRequirementRoutes(leads.Group("/requirements"))
	leads.POST("/buy", requireUser(), s.handleClaim)
	leads.PUT("/:id/cancel", requireUser(), s.handleCancel)
	leads.GET("/seller/stats", requireUser(), s.handleStats)
	leads.GET("/stats", requireUser(), s.handleStats)
	leads.GET("/seller/contacted", requireUser(), s.handleContacted)

	return r
}

func (s *Server) registerRequirementRoutes(g *gin.RouterGroup) {
	g.GET("", s.handleListRequirements)
	g.POST("", requireUser(), s.handleCreateRequirement)
	g.DELETE("", requireUser(), s.handleDeleteAllRequirements)
	g.GET("/me", requireUser(), s.handleMyRequirements)
	g.GET("/:id", s.handleGetRequirement)
	g.PUT("/:id", requireUser(), s.handleUpdateRequirement)
	g.DELETE("/:id", requireUser(), s.handleDeleteRequirement)
	g.PUT("/:id/close", requireUser(), s.handleCloseRequirement)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(logger.RequestIDKey)
		if id == "" || len(id) > maxRequestLen {
			id = uuid.NewString()
		}
		c.Set(logger.RequestIDKey, id)
		c.Writer.Header().Set(logger.RequestIDKey, id)
		c.Next()
	}
}

// identify resolves the caller once per request. A bearer token wins over
// X-User-ID when token verification is configured. Bad credentials are
// rejected here; missing ones are left to requireUser.
func (s *Server) identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); s.tokens != nil && s.tokens.Enabled() && strings.HasPrefix(header, "Bearer ") {
			p, err := s.tokens.VerifyToken(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				respondError(c, apperr.Wrap(errUnauthorized, err))
				return
			}
			c.Set(ctxKeyUserID, p.UserID)
			c.Next()
			return
		}

		if id := strings.TrimSpace(c.GetHeader(userIDHeader)); id != "" {
			if _, err := uuid.Parse(id); err != nil {
				respondError(c, errUnauthorized)
				return
			}
			c.Set(ctxKeyUserID, id)
		}
		c.Next()
	}
}

func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID(c) == "" {
			respondError(c, errUnauthorized)
			return
		}
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(ctxKeyUserID)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.db != nil {
		if err := s.db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
