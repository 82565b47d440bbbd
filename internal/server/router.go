package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rallye-app/rallye/backend/internal/auth"
	"github.com/rallye-app/rallye/backend/internal/catalog"
	"github.com/rallye-app/rallye/backend/internal/cleanup"
	"github.com/rallye-app/rallye/backend/internal/discussion"
	"github.com/rallye-app/rallye/backend/internal/ephemeral"
	"github.com/rallye-app/rallye/backend/internal/notify"
	"github.com/rallye-app/rallye/backend/internal/realtime"
	"github.com/rallye-app/rallye/backend/internal/room"
	"github.com/rallye-app/rallye/backend/internal/users"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "rallye_user_id"
	userNameContextKey = "rallye_user_name"
)

var (
	errMissingVerifier     = errors.New("identity verifier dependency required")
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingDiscussions  = errors.New("discussion service dependency required")
	errMissingLiveStore    = errors.New("live store dependency required")
	errInvalidAuth         = errors.New("authorization header missing or invalid")
)

// IdentityVerifier checks an external identity assertion and returns the
// verified profile claims.
type IdentityVerifier interface {
	Verify(ctx context.Context, assertion string) (auth.IdentityClaims, error)
}

// TokenManager issues and validates the API's own bearer tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, identity auth.IdentityClaims) (string, int64, error)
	ValidateToken(token string) (auth.IdentityClaims, error)
}

// MediaStore persists an uploaded attachment and returns its public URL.
type MediaStore interface {
	Save(ctx context.Context, filename string, data []byte) (string, error)
}

// Memberships gates durable-room reads on accepted registrations.
type Memberships interface {
	IsAcceptedMember(ctx context.Context, ref room.Ref, userID string) (bool, error)
}

// Dependencies carries everything the HTTP surface needs.
type Dependencies struct {
	Verifier      IdentityVerifier
	TokenManager  TokenManager
	Discussions   *discussion.Service
	Live          *ephemeral.Store
	Directory     *users.Directory
	Memberships   Memberships
	Cleanup       *cleanup.Scheduler
	Notifications *notify.Fanout
	Hub           *realtime.Hub
	Media         MediaStore
	Logger        *zap.Logger
}

// NewHTTPHandler assembles the REST and socket surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Discussions == nil {
		return nil, errMissingDiscussions
	}
	if deps.Live == nil {
		return nil, errMissingLiveStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{deps: deps, logger: logger}

	router.GET("/healthz", handler.handleHealthz)
	router.POST("/auth/token", handler.handleTokenExchange)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	discussions := protected.Group("/discussions")
	discussions.GET("/activity/:activityId/messages", handler.handleActivityMessages)
	discussions.POST("/activity/:activityId", handler.handleActivityPost)
	discussions.GET("/activity/:activityId/participants", handler.handleActivityParticipants)
	discussions.GET("/conversations", handler.handleConversations)
	discussions.POST("/private/create", handler.handlePrivateCreate)
	discussions.GET("/private/:chatId/messages", handler.handlePrivateMessages)
	discussions.POST("/private/:chatId/message", handler.handlePrivatePost)
	discussions.DELETE("/private/:chatId/delete", handler.handlePrivateDelete)

	chat := protected.Group("/chat")
	chat.POST("/rooms/:roomId/messages", handler.handleLivePost)
	chat.POST("/rooms/:roomId/offline-messages", handler.handleLiveOfflinePost)
	chat.GET("/rooms/:roomId/messages", handler.handleLiveList)
	chat.POST("/rooms/:roomId/join", handler.handleLiveJoin)
	chat.POST("/rooms/:roomId/leave", handler.handleLiveLeave)
	chat.PUT("/messages/:messageId", handler.handleLiveEdit)
	chat.DELETE("/messages/:messageId", handler.handleLiveDelete)
	chat.POST("/messages/:messageId/reactions", handler.handleReactionAdd)
	chat.DELETE("/messages/:messageId/reactions", handler.handleReactionRemove)

	protected.POST("/ephemeral/sync-offline-messages", handler.handleOfflineSync)
	protected.POST("/ephemeral/cleanup/activity/:activityId", handler.handleCleanupActivity)
	protected.POST("/ephemeral/cleanup/treasure-hunt/:treasureHuntId", handler.handleCleanupTreasureHunt)

	protected.GET("/notifications", handler.handleNotifications)

	if deps.Hub != nil {
		protected.GET("/ws", handler.handleSocket)
	}

	return router, nil
}

type httpHandler struct {
	deps   Dependencies
	logger *zap.Logger
}

func (h *httpHandler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type tokenRequestPayload struct {
	Assertion string `json:"assertion"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleTokenExchange(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Assertion) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	identity, err := h.deps.Verifier.Verify(c.Request.Context(), request.Assertion)
	if err != nil {
		h.logger.Warn("identity assertion verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if h.deps.Directory != nil {
		if err := h.deps.Directory.EnsureIdentity(c.Request.Context(), identity.Subject, identity.DisplayName, identity.AvatarURL); err != nil {
			h.logger.Warn("identity upsert failed", zap.String("user_id", identity.Subject), zap.Error(err))
		}
	}

	token, expiresIn, err := h.deps.TokenManager.IssueToken(c.Request.Context(), identity)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	identity, err := h.deps.TokenManager.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, identity.Subject)
	c.Set(userNameContextKey, identity.DisplayName)
	c.Next()
}

func (h *httpHandler) callerID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}

func (h *httpHandler) callerName(c *gin.Context) string {
	return c.GetString(userNameContextKey)
}

// respondError translates a store error into its HTTP status. Unknown
// errors are logged and surface as 500s without detail.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, discussion.ErrForbidden),
		errors.Is(err, ephemeral.ErrForbidden),
		errors.Is(err, room.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, discussion.ErrNotFound),
		errors.Is(err, ephemeral.ErrNotFound),
		errors.Is(err, catalog.ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, ephemeral.ErrEditWindowExpired):
		c.JSON(http.StatusConflict, gin.H{"error": "edit_window_expired"})
	case errors.Is(err, cleanup.ErrItemNotEnded):
		c.JSON(http.StatusConflict, gin.H{"error": "item_not_ended"})
	case errors.Is(err, discussion.ErrValidation),
		errors.Is(err, ephemeral.ErrValidation),
		errors.Is(err, room.ErrInvalidRoomID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *httpHandler) handleNotifications(c *gin.Context) {
	if h.deps.Notifications == nil {
		c.JSON(http.StatusOK, gin.H{"notifications": []struct{}{}})
		return
	}
	rows, err := h.deps.Notifications.ListForUser(c.Request.Context(), h.callerID(c), intQuery(c, "limit", 0))
	if err != nil {
		h.respondError(c, err)
		return
	}
	views := make([]notificationView, 0, len(rows))
	for _, row := range rows {
		views = append(views, notificationView{
			ID:        row.ID,
			SenderID:  row.SenderID,
			RoomID:    row.RoomKey,
			RoomType:  row.RoomType,
			Preview:   row.Preview,
			Payload:   row.PayloadJSON,
			CreatedAt: row.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"notifications": views})
}

func (h *httpHandler) handleSocket(c *gin.Context) {
	if err := h.deps.Hub.ServeWS(c.Writer, c.Request, h.callerID(c), h.callerName(c)); err != nil {
		h.logger.Warn("socket upgrade failed", zap.Error(err))
	}
}

type notificationView struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	RoomID    string    `json:"roomId"`
	RoomType  string    `json:"roomType"`
	Preview   string    `json:"preview"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}
