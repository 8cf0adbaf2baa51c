package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zapdeskhq/zapdesk/internal/events"
	"github.com/zapdeskhq/zapdesk/internal/gateway"
	"github.com/zapdeskhq/zapdesk/internal/models"
	"github.com/zapdeskhq/zapdesk/internal/normalize"
	"github.com/zapdeskhq/zapdesk/internal/pubsub"
	"github.com/zapdeskhq/zapdesk/internal/relay"
	"github.com/zapdeskhq/zapdesk/internal/store"
	"gorm.io/gorm"
)

// webhookEvents is the callback list registered on the gateway.
var webhookEvents = []string{
	relay.EventMessagesUpsert,
	relay.EventMessagesUpdate,
	relay.EventContactsUpsert,
	relay.EventContactsUpdate,
	relay.EventChatsUpsert,
	relay.EventChatsUpdate,
	relay.EventChatsDelete,
	relay.EventConnectionUpdate,
}

// registerRoutes sets up all routes on the Gin router.
func registerRoutes(router *gin.Engine, opts Opts) {
	// Unauthenticated: the gateway posts callbacks here and health probes
	// carry no credentials.
	router.GET("/health", handleHealth())
	router.POST("/webhook", handleWebhook(opts.Processor))

	api := router.Group("/", authRequired(opts.AuthToken))

	api.GET("/chats", handleListChats(opts.DB))
	api.GET("/chats/:id/messages", handleChatMessages(opts.Gateway))
	api.GET("/chats/:id/media/:messageId", handleChatMedia(opts.Gateway))
	api.PUT("/chats/:id/status", handleChatStatus(opts))
	api.POST("/chats/:id/transfer", handleChatTransfer(opts))
	api.POST("/chats/transfer-all-to-ai", handleReclaimAll(opts))
	api.POST("/chats/:id/read", handleMarkRead(opts))

	api.POST("/messages/:id/send", handleSendText(opts))
	api.POST("/messages/:id/send-media", handleSendMedia(opts))

	api.GET("/users", handleListUsers(opts.DB))
	api.POST("/users", handleCreateUser(opts.DB))
	api.PUT("/users/:id", handleUpdateUser(opts.DB))
	api.DELETE("/users/:id", handleDeleteUser(opts.DB))

	api.POST("/webhook/update", handleWebhookUpdate(opts))
	api.GET("/instance/status", handleInstanceStatus(opts.Gateway))
	api.POST("/instance/connect", handleInstanceConnect(opts.Gateway))
	api.POST("/instance/restart", handleInstanceRestart(opts.Gateway))

	api.GET("/events", handleEvents(opts.Bridge))
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// handleWebhook accepts gateway callbacks. Every parsable body is answered
// with success, including events we ignore; only an unparsable body fails.
func handleWebhook(processor *relay.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload relay.Payload
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unparsable webhook body"})
			return
		}
		processor.Process(c.Request.Context(), payload)
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func handleListChats(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		chats, err := store.ListChats(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"chats": chats})
	}
}

func handleChatMessages(gw *gateway.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

		raw, err := gw.FetchMessages(c.Request.Context(), c.Param("id"), page, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		msgs := make([]normalize.Message, 0, len(raw.Messages))
		for _, m := range raw.Messages {
			msgs = append(msgs, normalize.Normalize(m))
		}
		c.JSON(http.StatusOK, gin.H{
			"messages": msgs,
			"page":     raw.Page,
			"limit":    raw.Limit,
			"hasMore":  raw.HasMore,
		})
	}
}

func handleChatMedia(gw *gateway.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		dataURL, err := gw.FetchMedia(c.Request.Context(), c.Param("id"), c.Param("messageId"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"dataUrl": dataURL})
	}
}

// statusRequest is the PUT /chats/:id/status body. Absent fields are left
// untouched.
type statusRequest struct {
	Status      *string `json:"status"`
	UnreadCount *int    `json:"unreadCount"`
}

func handleChatStatus(opts Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		if req.Status == nil && req.UnreadCount == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
			return
		}
		if req.Status != nil && !validChatStatus(*req.Status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + *req.Status})
			return
		}
		if req.UnreadCount != nil && *req.UnreadCount < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadCount must be non-negative"})
			return
		}

		chat, err := store.UpdateChatStatus(opts.DB, c.Param("id"), store.StatusUpdate{
			Status:      req.Status,
			UnreadCount: req.UnreadCount,
		})
		if err != nil {
			respondStoreError(c, err)
			return
		}
		publishChat(c.Request.Context(), opts, chat)
		c.JSON(http.StatusOK, gin.H{"chat": chat})
	}
}

// transferRequest selects the new owner: a user id for a human agent, or
// an explicit null userId (or target "ai") for the automated agent. UserID
// is raw so that a present null is distinguishable from an absent field.
type transferRequest struct {
	UserID json.RawMessage `json:"userId"`
	Target string          `json:"target"`
}

func (r transferRequest) toAI() bool {
	return r.Target == "ai" || string(bytes.TrimSpace(r.UserID)) == "null"
}

func handleChatTransfer(opts Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}

		var (
			chat *models.Chat
			err  error
		)
		switch {
		case req.toAI():
			chat, err = store.TransferToAI(opts.DB, c.Param("id"))
		case len(req.UserID) > 0:
			var userID uint
			if err := json.Unmarshal(req.UserID, &userID); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid userId"})
				return
			}
			chat, err = store.TransferToUser(opts.DB, c.Param("id"), userID)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId or target \"ai\" is required"})
			return
		}
		if err != nil {
			respondStoreError(c, err)
			return
		}
		publishChat(c.Request.Context(), opts, chat)
		c.JSON(http.StatusOK, gin.H{"chat": chat})
	}
}

func handleReclaimAll(opts Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		affected, err := store.ReclaimAllToAI(opts.DB)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		// No single chat to carry; subscribers re-fetch the whole list.
		publish(c.Request.Context(), opts, events.New(events.KindChatUpdated, events.ChatUpdatedData{}))
		c.JSON(http.StatusOK, gin.H{"affected": affected})
	}
}

func handleMarkRead(opts Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.MarkRead(opts.DB, c.Param("id")); err != nil {
			respondStoreError(c, err)
			return
		}
		chat, err := store.GetChat(opts.DB, c.Param("id"))
		if err != nil {
			respondStoreError(c, err)
			return
		}
		publishChat(c.Request.Context(), opts, chat)
		c.JSON(http.StatusOK, gin.H{"chat": chat})
	}
}

type sendTextRequest struct {
	Text string `json:"text"`
}

// handleSendText relays an agent message through the gateway. The webhook
// echo is the authoritative confirmation; the local chat preview update is
// best-effort only.
func handleSendText(opts Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendTextRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
			return
		}

		number := c.Param("id")
		if err := opts.Gateway.SendText(c.Request.Context(), number, req.Text); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

type sendMediaRequest struct {
	MediaType string `json:"mediaType"`
	MimeType  string `json:"mimeType"`
	Base64    string `json:"base64"`
	FileName  string `json:"fileName"`
	Caption   string `json:"caption"`
}

func handleSendMedia(opts Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendMediaRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.MediaType == "" || req.Base64 == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mediaType and base64 are required"})
			return
		}

		err := opts.Gateway.SendMedia(c.Request.Context(), gateway.SendOpts{
			PhoneNumber: c.Param("id"),
			MediaType:   req.MediaType,
			MimeType:    req.MimeType,
			Base64:      req.Base64,
			FileName:    req.FileName,
			Caption:     req.Caption,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func handleListUsers(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := store.ListUsers(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"users": users})
	}
}

type createUserRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func handleCreateUser(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		user, err := store.CreateUser(db, store.CreateUserOpts{
			Name:     req.Name,
			Email:    req.Email,
			Password: req.Password,
			Role:     req.Role,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"user": user})
	}
}

type updateUserRequest struct {
	Name     *string `json:"name"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
	Role     *string `json:"role"`
	Status   *string `json:"status"`
}

func handleUpdateUser(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		var req updateUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		user, err := store.UpdateUser(db, uint(id), store.UserUpdate{
			Name:     req.Name,
			Email:    req.Email,
			Password: req.Password,
			Role:     req.Role,
			Status:   req.Status,
		})
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": user})
	}
}

func handleDeleteUser(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if err := store.DeleteUser(db, uint(id)); err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func handleWebhookUpdate(opts Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.WebhookURL == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no webhook url configured"})
			return
		}
		if err := opts.Gateway.SetWebhook(c.Request.Context(), opts.WebhookURL, webhookEvents); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func handleInstanceStatus(gw *gateway.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := gw.InstanceStatus(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, state)
	}
}

func handleInstanceConnect(gw *gateway.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := gw.ConnectInstance(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func handleInstanceRestart(gw *gateway.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := gw.RestartInstance(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func validChatStatus(s string) bool {
	return s == models.ChatStatusActive || s == models.ChatStatusWaiting || s == models.ChatStatusClosed
}

// respondStoreError maps store errors to the HTTP taxonomy: unknown ids are
// 404, everything else in the primary write path is 400.
func respondStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// publishChat broadcasts the refreshed chat so every connected dashboard
// patches its list. Failures never affect the caller's response.
func publishChat(ctx context.Context, opts Opts, chat *models.Chat) {
	publish(ctx, opts, events.New(events.KindChatUpdated, events.ChatUpdatedData{Chat: chat}))
}

func publish(ctx context.Context, opts Opts, env events.Envelope) {
	var pub pubsub.Publisher = opts.Publisher
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, events.RoutingKey(env.Meta.Type), env); err != nil {
		opts.Log.Error("publish failed",
			slog.String("kind", env.Meta.Type),
			slog.Any("error", err),
		)
	}
}
