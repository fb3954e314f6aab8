package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/franciszver/lexforge-sub002/internal/auth"
	"github.com/franciszver/lexforge-sub002/internal/collab"
	"github.com/franciszver/lexforge-sub002/internal/docsync"
	"github.com/franciszver/lexforge-sub002/internal/presence"
	"github.com/franciszver/lexforge-sub002/internal/timing"
	"github.com/franciszver/lexforge-sub002/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const profileContextKey = "lexforge_profile"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingProfileResolver  = errors.New("profile resolver dependency required")
	errMissingPresenceStore    = errors.New("presence store dependency required")
	errMissingStateStore       = errors.New("state store dependency required")
)

// SessionValidator authenticates requests carrying a session token in a cookie, a bearer header
// or the access_token query.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ProfileResolver maps validated claims to the canonical user profile.
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, claims auth.SessionClaims) (users.Profile, error)
}

// SessionSettings tunes the editor sessions opened over websocket.
type SessionSettings struct {
	DebounceWindow    time.Duration
	CursorInterval    time.Duration
	CleanupInterval   time.Duration
	HeartbeatInterval time.Duration
}

// Dependencies wires the HTTP surface to its collaborators.
type Dependencies struct {
	SessionValidator SessionValidator
	Profiles         ProfileResolver
	PresenceStore    presence.Store
	StateStore       docsync.StateStore
	Sessions         SessionSettings
	Clock            timing.Clock
	Logger           *zap.Logger
	AllowedOrigins   []string
}

// Handler serves presence, sync state and editor sessions.
type Handler struct {
	http.Handler
	sockets *activeSockets
}

// Shutdown closes every open editor session socket and waits until each session has left its
// document, or ctx ends. Sockets upgraded afterwards are closed immediately.
// http.Server.Shutdown does not reach hijacked connections, so call both.
func (h *Handler) Shutdown(ctx context.Context) error {
	return h.sockets.closeAll(ctx)
}

// NewHTTPHandler builds the gin router serving presence, sync state and editor sessions.
func NewHTTPHandler(deps Dependencies) (*Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Profiles == nil {
		return nil, errMissingProfileResolver
	}
	if deps.PresenceStore == nil {
		return nil, errMissingPresenceStore
	}
	if deps.StateStore == nil {
		return nil, errMissingStateStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = timing.SystemClock()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		validator:     deps.SessionValidator,
		profiles:      deps.Profiles,
		presenceStore: deps.PresenceStore,
		stateStore:    deps.StateStore,
		sessions:      deps.Sessions,
		clock:         clock,
		logger:        logger,
		upgrader:      newUpgrader(deps.AllowedOrigins),
		sockets:       newActiveSockets(),
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/documents/:documentId")
	protected.Use(handler.authorizeRequest)
	protected.GET("/presence", handler.handlePresence)
	protected.GET("/sync", handler.handleSyncState)
	protected.GET("/session", handler.handleEditorSession)

	return &Handler{Handler: router, sockets: handler.sockets}, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	validator     SessionValidator
	profiles      ProfileResolver
	presenceStore presence.Store
	stateStore    docsync.StateStore
	sessions      SessionSettings
	clock         timing.Clock
	logger        *zap.Logger
	upgrader      socketUpgrader
	sockets       *activeSockets
}

type presenceResponsePayload struct {
	Sessions  []collab.SessionRecord `json:"sessions"`
	Connected bool                   `json:"connected"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	registry, err := presence.NewRegistry(presence.Config{
		Store:             h.presenceStore,
		Clock:             h.clock,
		Logger:            h.logger,
		CleanupInterval:   h.sessions.CleanupInterval,
		HeartbeatInterval: h.sessions.HeartbeatInterval,
	})
	if err != nil {
		h.logger.Error("failed to construct presence registry", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_unavailable"})
		return
	}
	records := registry.List(c.Request.Context(), documentID)
	if records == nil {
		records = []collab.SessionRecord{}
	}
	c.JSON(http.StatusOK, presenceResponsePayload{
		Sessions:  records,
		Connected: registry.Connected(),
	})
}

func (h *httpHandler) handleSyncState(c *gin.Context) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	state, err := h.stateStore.GetSyncState(c.Request.Context(), documentID)
	if errors.Is(err, collab.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to read sync state",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_state_unavailable"})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	profile, err := h.profiles.ResolveProfile(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("failed to resolve user profile", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(profileContextKey, profile)
	c.Next()
}

func profileFromContext(c *gin.Context) (users.Profile, bool) {
	value, ok := c.Get(profileContextKey)
	if !ok {
		return users.Profile{}, false
	}
	profile, ok := value.(users.Profile)
	return profile, ok
}

func documentIDParam(c *gin.Context) (collab.DocumentID, bool) {
	documentID, err := collab.NewDocumentID(c.Param("documentId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", false
	}
	return documentID, true
}
