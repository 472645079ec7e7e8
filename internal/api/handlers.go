package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"xiaorui/internal/auth"
	"xiaorui/internal/chat"
	"xiaorui/internal/conversation"
	"xiaorui/internal/service/assistant"
	"xiaorui/internal/worker"
)

// Lanes serialises work per user.
type Lanes interface {
	Do(ctx context.Context, username string, fn worker.Func) error
	Read(ctx context.Context, username string, fn worker.Func) error
	Stop(username string)
}

// Handler wires HTTP routes to the credential store, the auth service and the
// per-user chat lanes.
type Handler struct {
	assistant *assistant.Service
	auth      *auth.Service
	chat      *chat.Controller
	lanes     Lanes
	logger    *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(service *assistant.Service, authService *auth.Service, controller *chat.Controller, lanes Lanes, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		assistant: service,
		auth:      authService,
		chat:      controller,
		lanes:     lanes,
		logger:    logger.With("component", "api"),
	}
}

// NewRouter returns an engine with recovery, request logging and all routes.
func (h *Handler) NewRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(h.logger))
	h.RegisterRoutes(router)
	return router
}

// check token userID is match with param userID
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedUser(c *gin.Context) (int64, string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, "", false
	}
	username, ok := auth.UsernameFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, "", false
	}
	return userID, username, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	authMW := h.auth.Middleware()
	userRoutes := api.Group("/users/:id")
	userRoutes.Use(authMW, h.requirePathUser(), h.auth.CSRFMiddleware())
	userRoutes.GET("/conversations", h.listConversations)
	userRoutes.POST("/conversations", h.newConversation)
	userRoutes.DELETE("/conversations", h.clearConversations)
	userRoutes.POST("/conversations/msg", h.captureInput)
	userRoutes.POST("/conversations/:conversation_id/select", h.selectConversation)
	userRoutes.PATCH("/conversations/:conversation_id", h.renameConversation)
	userRoutes.DELETE("/conversations/:conversation_id", h.deleteConversation)
	userRoutes.POST("/logout", h.logoutUser)
	userRoutes.DELETE("", h.deleteUser)
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, assistant.ErrUserExists):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, assistant.ErrInvalidUsername),
			errors.Is(err, assistant.ErrPasswordRequired),
			errors.Is(err, assistant.ErrPasswordTooLong):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("register user failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "register failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, assistant.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("login failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), auth.Identity{UserID: user.ID, Username: user.Username})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	_, username, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	h.lanes.Stop(username)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			h.logger.Warn("revoke token failed", "user", username, "error", err)
		}
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, username, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.auth.RevokeUserTokens(ctx, id); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.lanes.Do(ctx, username, h.chat.DeleteUser); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.assistant.DeleteUser(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		h.writeError(c, err)
		return
	}
	h.logger.Info("user deleted", "user", username, "id", id)
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

// writeError maps domain errors onto status codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrEmptyInput),
		errors.Is(err, chat.ErrEmptyTitle),
		errors.Is(err, chat.ErrTitleTooLong),
		errors.Is(err, conversation.ErrInvalidUsername):
		status = http.StatusBadRequest
	case errors.Is(err, chat.ErrConversationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chat.ErrNotOpen):
		status = http.StatusUnauthorized
	case errors.Is(err, worker.ErrBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many pending requests, please retry"})
		return
	case errors.Is(err, worker.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status < http.StatusInternalServerError {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	// the cause stays in the log; clients get a fixed message
	h.logger.Error("request failed", "path", c.FullPath(), "status", status, "error", err)
	msg := "internal error"
	switch status {
	case http.StatusServiceUnavailable:
		msg = "service unavailable, please retry"
	case http.StatusGatewayTimeout:
		msg = "request timed out"
	}
	c.JSON(status, gin.H{"error": msg})
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
