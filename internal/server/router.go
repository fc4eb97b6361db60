package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/e-jigsaw/l1nk/internal/auth"
	"github.com/e-jigsaw/l1nk/internal/metrics"
	"github.com/e-jigsaw/l1nk/internal/pages"
	"github.com/e-jigsaw/l1nk/internal/session"
	"github.com/e-jigsaw/l1nk/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	userContextKey        = "l1nk_user"
	allowAllOrigins       = "*"
	defaultOutboundBuffer = 64
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingPageService      = errors.New("page service dependency required")
	errMissingHub              = errors.New("session hub dependency required")
)

// SessionValidator authenticates requests carrying a session token.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	CookieName() string
}

// UserResolver maps validated claims to a user account.
type UserResolver interface {
	ResolveUser(ctx context.Context, claims auth.SessionClaims) (*users.User, error)
}

// PageService is the relational page API used by the HTTP handlers.
type PageService interface {
	ListPages(ctx context.Context) ([]pages.Page, error)
	GetPageBySlug(ctx context.Context, slug string) (*pages.Page, error)
	CreatePage(ctx context.Context, request pages.CreateRequest) (*pages.Page, error)
}

type Dependencies struct {
	SessionValidator SessionValidator
	Users            UserResolver
	Pages            PageService
	Hub              *session.Hub
	Metrics          *metrics.Collector
	Logger           *zap.Logger
	AllowedOrigins   []string
	OutboundBuffer   int
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.Pages == nil {
		return nil, errMissingPageService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	outboundBuffer := deps.OutboundBuffer
	if outboundBuffer <= 0 {
		outboundBuffer = defaultOutboundBuffer
	}

	handler := &httpHandler{
		sessions:       deps.SessionValidator,
		users:          deps.Users,
		pages:          deps.Pages,
		hub:            deps.Hub,
		logger:         logger,
		outboundBuffer: outboundBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(deps.AllowedOrigins),
		},
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(handler.attachUser)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	router.GET("/auth/me", handler.handleMe)
	router.POST("/auth/logout", handler.handleLogout)

	api := router.Group("/api")
	api.GET("/pages", handler.handleListPages)
	api.GET("/pages/:slug", handler.handleGetPage)

	protected := api.Group("/")
	protected.Use(handler.requireUser)
	protected.POST("/pages", handler.handleCreatePage)
	protected.GET("/documents/:id/ws", handler.handleDocumentSocket)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if containsOrigin(allowedOrigins, allowAllOrigins) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

// originChecker applies the CORS origin list to websocket upgrades. Requests
// without an Origin header come from non-browser clients and are allowed.
func originChecker(allowedOrigins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return containsOrigin(allowedOrigins, allowAllOrigins) || containsOrigin(allowedOrigins, origin)
	}
}

func containsOrigin(origins []string, candidate string) bool {
	for _, origin := range origins {
		if strings.EqualFold(strings.TrimSpace(origin), candidate) {
			return true
		}
	}
	return false
}

type httpHandler struct {
	sessions       SessionValidator
	users          UserResolver
	pages          PageService
	hub            *session.Hub
	logger         *zap.Logger
	upgrader       websocket.Upgrader
	outboundBuffer int
}

type createPageRequest struct {
	Slug  string `json:"slug" binding:"required"`
	Title string `json:"title" binding:"required"`
}

// attachUser resolves the session user when a token is present. Anonymous
// requests continue without a user.
func (h *httpHandler) attachUser(c *gin.Context) {
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
	user, err := h.users.ResolveUser(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to resolve user", zap.Error(err))
		c.Next()
		return
	}
	c.Set(userContextKey, user)
	c.Next()
}

func (h *httpHandler) requireUser(c *gin.Context) {
	if currentUser(c) == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func currentUser(c *gin.Context) *users.User {
	value, ok := c.Get(userContextKey)
	if !ok {
		return nil
	}
	user, _ := value.(*users.User)
	return user
}

func (h *httpHandler) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user": currentUser(c)})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.CookieName(), "", -1, "/", "", c.Request.TLS != nil, true)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handleListPages(c *gin.Context) {
	list, err := h.pages.ListPages(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list pages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	if list == nil {
		list = []pages.Page{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *httpHandler) handleGetPage(c *gin.Context) {
	page, err := h.pages.GetPageBySlug(c.Request.Context(), c.Param("slug"))
	if errors.Is(err, pages.ErrPageNotFound) || errors.Is(err, pages.ErrInvalidSlug) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Page not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load page", zap.String("slug", c.Param("slug")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleCreatePage(c *gin.Context) {
	var request createPageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	page, err := h.pages.CreatePage(c.Request.Context(), pages.CreateRequest{
		Slug:  request.Slug,
		Title: request.Title,
	})
	if errors.Is(err, pages.ErrInvalidSlug) || errors.Is(err, pages.ErrInvalidTitle) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err != nil {
		h.logger.Error("failed to create page", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create page"})
		return
	}
	c.JSON(http.StatusCreated, page)
}

// handleDocumentSocket joins the caller to the document session. The first
// frame on the socket is the full document state.
func (h *httpHandler) handleDocumentSocket(c *gin.Context) {
	pageID, err := pages.NewPageID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.String(http.StatusUpgradeRequired, "Expected Upgrade: websocket")
		return
	}

	user := currentUser(c)
	logger := h.logger.With(zap.String("document_id", pageID.String()), zap.String("user_id", user.ID))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	peer := newSocketPeer(conn, h.outboundBuffer, logger)
	go peer.writePump()

	ctx := c.Request.Context()
	handle, err := h.hub.Join(ctx, pageID, peer)
	if err != nil {
		logger.Error("failed to join document session", zap.Error(err))
		peer.Close()
		return
	}
	logger.Debug("peer connected", zap.String("peer_id", peer.ID()))

	peer.readLoop(ctx, handle)
	handle.Leave()
	peer.Close()
	logger.Debug("peer disconnected", zap.String("peer_id", peer.ID()))
}
