package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/studytrack/internal/auth"
	"github.com/MarcoPoloResearchLab/studytrack/internal/realtime"
	"github.com/MarcoPoloResearchLab/studytrack/internal/store"
	"github.com/MarcoPoloResearchLab/studytrack/internal/study"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "studytrack_user_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingStoreService     = errors.New("store service dependency required")
	errMissingFeed             = errors.New("change feed dependency required")
)

// SessionValidator authenticates API requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// FeedSubscriber opens per-user change streams.
type FeedSubscriber interface {
	Subscribe(ctx context.Context, userID string) *realtime.Subscription
}

type Dependencies struct {
	SessionValidator  SessionValidator
	Store             *store.Service
	Feed              FeedSubscriber
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Store == nil {
		return nil, errMissingStoreService
	}
	if deps.Feed == nil {
		return nil, errMissingFeed
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		store:     deps.Store,
		feed:      deps.Feed,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/tables", handler.handleListTables)
	protected.GET("/tables/:table", handler.handleFetchTable)
	protected.POST("/tables/:table", handler.handleUpsertTable)
	protected.DELETE("/tables/:table/:key", handler.handleDeleteRow)
	protected.POST("/reset", handler.handleReset)
	protected.GET("/feed", handler.handleFeed)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions  SessionValidator
	store     *store.Service
	feed      FeedSubscriber
	heartbeat time.Duration
	logger    *zap.Logger
}

type rowsResponsePayload struct {
	Rows any `json:"rows"`
}

type tablesResponsePayload struct {
	Tables []store.TableInfo `json:"tables"`
}

type upsertRequestPayload struct {
	Rows json.RawMessage `json:"rows"`
}

type upsertResponsePayload struct {
	Accepted int `json:"accepted"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListTables(c *gin.Context) {
	if _, ok := h.requireUser(c); !ok {
		return
	}
	c.JSON(http.StatusOK, tablesResponsePayload{Tables: h.store.Describe()})
}

func (h *httpHandler) handleFetchTable(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	rows, err := h.store.Fetch(c.Request.Context(), c.Param("table"), userID)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, rowsResponsePayload{Rows: rows})
}

func (h *httpHandler) handleUpsertTable(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	var request upsertRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Rows) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	accepted, err := h.store.Upsert(c.Request.Context(), c.Param("table"), userID, request.Rows)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, upsertResponsePayload{Accepted: accepted})
}

func (h *httpHandler) handleDeleteRow(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), c.Param("table"), userID, c.Param("key")); err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleReset(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	if err := h.store.Reset(c.Request.Context(), userID); err != nil {
		h.respondStoreError(c, err)
		return
	}
	h.logger.Info("user data reset", zap.String("user_id", userID.String()))
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) requireUser(c *gin.Context) (study.UserID, bool) {
	userID, err := study.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrUnknownTable):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_table"})
	case errors.Is(err, store.ErrInvalidPayload), errors.Is(err, store.ErrInvalidKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_rows"})
	default:
		h.logger.Error("store request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failed"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}
