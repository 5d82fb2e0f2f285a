package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/perigeelabs/driftsync/internal/todos"
	"go.uber.org/zap"
)

const (
	tenantIDContextKey = "driftsync_tenant_id"
	heartbeatInterval  = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingEngine         = errors.New("sync engine dependency required")
	errMissingNotifier       = errors.New("change notifier dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to the authenticated tenant. Token
// issuance lives with the identity layer; the router only consumes validated
// identities.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface to its collaborators.
type Dependencies struct {
	Tokens   TokenValidator
	Engine   *todos.Engine
	Notifier *ChangeNotifier
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router exposing pull, push, and the
// best-effort change stream.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Notifier == nil {
		return nil, errMissingNotifier
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.Tokens,
		engine:   deps.Engine,
		notifier: deps.Notifier,
		logger:   logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/todos/sync", handler.handlePull)
	protected.POST("/todos/sync", handler.handlePush)
	protected.GET("/todos/stream", handler.handleStream)

	return router, nil
}

type httpHandler struct {
	tokens   TokenValidator
	engine   *todos.Engine
	notifier *ChangeNotifier
	logger   *zap.Logger
}

type recordPayload struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	Text      string `json:"text"`
	IsDone    bool   `json:"isDone"`
	UpdatedAt int64  `json:"updatedAt"`
	Deleted   bool   `json:"deleted"`
}

type pullResponsePayload struct {
	Records    []recordPayload `json:"records"`
	Checkpoint int64           `json:"checkpoint"`
}

type pushRequestPayload struct {
	Changes []recordPayload `json:"changes"`
}

type pushResponsePayload struct {
	Success bool `json:"success"`
}

func (h *httpHandler) handlePull(c *gin.Context) {
	tenantID, ok := h.requestTenant(c)
	if !ok {
		return
	}

	checkpoint, err := strconv.ParseInt(c.Query("checkpoint"), 10, 64)
	if err != nil {
		checkpoint = 0
	}
	activeOnly, err := strconv.ParseBool(c.Query("active_only"))
	if err != nil {
		activeOnly = false
	}
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil {
		limit = 0
	}

	result, err := h.engine.HandlePull(c.Request.Context(), tenantID, checkpoint, activeOnly, limit)
	if err != nil {
		h.respondEngineError(c, "pull failed", err)
		return
	}

	response := pullResponsePayload{
		Records:    make([]recordPayload, 0, len(result.Records)),
		Checkpoint: result.Checkpoint,
	}
	for _, record := range result.Records {
		response.Records = append(response.Records, recordPayload(record))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePush(c *gin.Context) {
	tenantID, ok := h.requestTenant(c)
	if !ok {
		return
	}

	var request pushRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Changes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	changes := make([]todos.Record, 0, len(request.Changes))
	for _, change := range request.Changes {
		changes = append(changes, todos.Record(change))
	}

	if err := h.engine.HandlePush(c.Request.Context(), tenantID, changes); err != nil {
		h.respondEngineError(c, "push failed", err)
		return
	}
	c.JSON(http.StatusOK, pushResponsePayload{Success: true})
}

func (h *httpHandler) handleStream(c *gin.Context) {
	tenantID, ok := h.requestTenant(c)
	if !ok {
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	signals, cleanup := h.notifier.Subscribe(c.Request.Context(), tenantID.String())
	defer cleanup()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case signal, open := <-signals:
			if !open {
				return
			}
			if !h.writeStreamEvent(c, StreamEventTodoChanged, gin.H{"tenantId": signal.TenantID}) {
				return
			}
		case <-heartbeat.C:
			if !h.writeStreamEvent(c, streamEventHeartbeat, gin.H{}) {
				return
			}
		}
	}
}

func (h *httpHandler) writeStreamEvent(c *gin.Context, eventType string, data any) bool {
	encoded, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to encode stream event", zap.Error(err))
		return false
	}
	if _, err := c.Writer.WriteString("event: " + eventType + "\ndata: " + string(encoded) + "\n\n"); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

func (h *httpHandler) requestTenant(c *gin.Context) (todos.TenantID, bool) {
	tenantID, err := todos.NewTenantID(c.GetString(tenantIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return tenantID, true
}

func (h *httpHandler) respondEngineError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, todos.ErrMissingTenant):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, todos.ErrEmptyBatch), errors.Is(err, todos.ErrBatchTooLarge),
		errors.Is(err, todos.ErrInvalidTodoID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
	}
}

// authorizeRequest accepts a bearer token from the Authorization header, or
// from the access_token query parameter for EventSource clients that cannot
// set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(tenantIDContextKey, subject)
	c.Next()
}
