package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/caseflowlabs/casewire/internal/auth"
	"github.com/caseflowlabs/casewire/internal/chat"
	"github.com/caseflowlabs/casewire/internal/identity"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "casewire_user_id"
	roleContextKey   = "casewire_user_role"
)

var (
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingChatService     = errors.New("chat service dependency required")
	errMissingIdentityService = errors.New("identity service dependency required")
	errMissingDispatcher      = errors.New("dispatcher dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// TokenManager validates the bearer tokens the hub trusts.
type TokenManager interface {
	ValidateToken(token string) (auth.TokenClaims, error)
}

// Dependencies wires the collaborators of the HTTP handler.
type Dependencies struct {
	TokenManager    TokenManager
	ChatService     *chat.Service
	IdentityService *identity.Service
	Dispatcher      *Dispatcher
	Logger          *zap.Logger
}

// NewHTTPHandler builds the hub's gin handler.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.ChatService == nil {
		return nil, errMissingChatService
	}
	if deps.IdentityService == nil {
		return nil, errMissingIdentityService
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
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

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		chat:       deps.ChatService,
		identities: deps.IdentityService,
		dispatcher: deps.Dispatcher,
		logger:     logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/channels/:channel/messages", handler.handleListMessages)
	protected.POST("/channels/:channel/messages", handler.handleSendMessage)
	protected.GET("/channels/:channel/subscribe", handler.handleSubscribe)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.POST("/notifications/read-all", handler.handleMarkAllRead)
	protected.PUT("/notifications/:id/read", handler.handleMarkRead)
	protected.DELETE("/notifications/:id", handler.handleDeleteNotification)
	protected.GET("/conversations/case/:case_id", handler.handleListCaseConversations)
	protected.PUT("/conversations/:id/read", handler.handleMarkConversationRead)

	return router, nil
}

type httpHandler struct {
	tokens     TokenManager
	chat       *chat.Service
	identities *identity.Service
	dispatcher *Dispatcher
	logger     *zap.Logger
}

type sendMessagePayload struct {
	Content string `json:"content"`
}

type conversationListPayload struct {
	Conversations []chat.ConversationSummary `json:"conversations"`
}

type notificationPayload struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Priority  string          `json:"priority"`
	Read      bool            `json:"read"`
	CreatedAt int64           `json:"created_at"`
	Metadata  json.RawMessage `json:"metadata"`
}

func notificationToPayload(notification chat.Notification) notificationPayload {
	metadata := json.RawMessage(nil)
	if notification.MetadataJSON != "" {
		metadata = json.RawMessage(notification.MetadataJSON)
	}
	return notificationPayload{
		ID:        notification.NotificationID,
		Type:      notification.Type,
		Priority:  notification.Priority,
		Read:      notification.Read,
		CreatedAt: notification.CreatedAtSeconds,
		Metadata:  metadata,
	}
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	channelID, err := chat.NewChannelID(c.Param("channel"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_channel"})
		return
	}

	messages, err := h.chat.ListBacklog(c.Request.Context(), c.GetString(userIDContextKey), channelID)
	if err != nil {
		h.renderServiceError(c, "backlog fetch failed", err)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	channelID, err := chat.NewChannelID(c.Param("channel"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_channel"})
		return
	}

	var request sendMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	message, err := h.chat.AppendMessage(
		c.Request.Context(),
		c.GetString(userIDContextKey),
		c.GetString(roleContextKey),
		channelID,
		request.Content,
	)
	if err != nil {
		h.renderServiceError(c, "message append failed", err)
		return
	}

	h.dispatcher.PublishInsert(message)
	c.JSON(http.StatusCreated, message)
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	notifications, err := h.chat.ListNotifications(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.renderServiceError(c, "notification listing failed", err)
		return
	}
	payload := make([]notificationPayload, 0, len(notifications))
	for _, notification := range notifications {
		payload = append(payload, notificationToPayload(notification))
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleMarkAllRead(c *gin.Context) {
	if err := h.chat.MarkAllNotificationsRead(c.Request.Context(), c.GetString(userIDContextKey)); err != nil {
		h.renderServiceError(c, "mark all read failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	err := h.chat.MarkNotificationRead(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.renderServiceError(c, "mark read failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteNotification(c *gin.Context) {
	err := h.chat.DeleteNotification(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.renderServiceError(c, "notification delete failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListCaseConversations(c *gin.Context) {
	caseID, err := chat.NewCaseID(c.Param("case_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_case"})
		return
	}

	conversations, err := h.chat.ListCaseConversations(c.Request.Context(), c.GetString(userIDContextKey), caseID)
	if err != nil {
		h.renderServiceError(c, "conversation listing failed", err)
		return
	}
	if conversations == nil {
		conversations = []chat.ConversationSummary{}
	}
	c.JSON(http.StatusOK, conversationListPayload{Conversations: conversations})
}

func (h *httpHandler) handleMarkConversationRead(c *gin.Context) {
	err := h.chat.MarkConversationRead(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.renderServiceError(c, "conversation mark read failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) renderServiceError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, chat.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, chat.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	record, err := h.identities.Resolve(claims)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, record.Subject)
	c.Set(roleContextKey, record.Role)
	c.Next()
}

// bearerToken extracts the token from the Authorization header, falling
// back to the access_token query parameter for websocket dials that cannot
// set headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}
