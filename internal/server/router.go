package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/fanout"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "gravity_user_id"

	defaultStreamHeartbeat = 15 * time.Second
)

var (
	errMissingValidator  = errors.New("session validator dependency required")
	errMissingDocuments  = errors.New("documents service dependency required")
	errMissingSessions   = errors.New("session coordinator dependency required")
	errMissingBus        = errors.New("fanout bus dependency required")
	errInvalidSession    = errors.New("session missing or invalid")
	errInvalidDocumentID = errors.New("document id missing or invalid")
)

// SessionValidator authenticates an incoming request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type Dependencies struct {
	Validator SessionValidator
	Documents *documents.Service
	Sessions  *session.Coordinator
	Bus       fanout.Bus
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	// StreamHeartbeat is how often idle site streams send a heartbeat event.
	StreamHeartbeat time.Duration
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Documents == nil {
		return nil, errMissingDocuments
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Bus == nil {
		return nil, errMissingBus
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	heartbeat := deps.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultStreamHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: !allowsAnyOrigin(origins),
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		validator: deps.Validator,
		documents: deps.Documents,
		sessions:  deps.Sessions,
		bus:       deps.Bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(origins),
		},
		streamHeartbeat: heartbeat,
		logger:          logger,
	}

	router.GET("/healthz", handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.POST("/documents/:id/move", handler.handleMoveDocument)
	protected.DELETE("/documents/:id", handler.handleDeleteDocument)
	protected.GET("/documents/:id/sync", handler.handleDocumentSync)
	protected.GET("/documents/:id/history", handler.handleDocumentHistory)
	protected.GET("/sites/:id/stream", handler.handleSiteStream)

	return router, nil
}

type httpHandler struct {
	validator       SessionValidator
	documents       *documents.Service
	sessions        *session.Coordinator
	bus             fanout.Bus
	upgrader        websocket.Upgrader
	streamHeartbeat time.Duration
	logger          *zap.Logger
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createRequestPayload struct {
	SiteID          string `json:"site_id"`
	AfterDocumentID string `json:"after_document_id"`
	Title           string `json:"title"`
	Subtitle        string `json:"subtitle"`
	Body            string `json:"body"`
}

type createResponsePayload struct {
	DocumentID string `json:"document_id"`
	OrderKey   string `json:"order_key"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	userID := documents.UserID(c.GetString(userIDContextKey))

	var request createRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SiteID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	document, err := h.documents.CreateDocument(c.Request.Context(), documents.CreateRequest{
		OwnerID:         userID,
		SiteID:          strings.TrimSpace(request.SiteID),
		Title:           request.Title,
		Subtitle:        request.Subtitle,
		Body:            request.Body,
		AfterDocumentID: documents.DocumentID(strings.TrimSpace(request.AfterDocumentID)),
	})
	if err != nil {
		h.respondError(c, "create document failed", err)
		return
	}
	c.JSON(http.StatusCreated, createResponsePayload{DocumentID: document.ID.String(), OrderKey: document.OrderKey})
}

type moveRequestPayload struct {
	BeforeDocumentID string `json:"before_document_id"`
	AfterDocumentID  string `json:"after_document_id"`
}

func (h *httpHandler) handleMoveDocument(c *gin.Context) {
	userID := documents.UserID(c.GetString(userIDContextKey))
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}

	var request moveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	document, err := h.documents.MoveDocument(c.Request.Context(), userID, documentID,
		documents.DocumentID(strings.TrimSpace(request.BeforeDocumentID)),
		documents.DocumentID(strings.TrimSpace(request.AfterDocumentID)))
	if err != nil {
		h.respondError(c, "move document failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_key": document.OrderKey})
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	userID := documents.UserID(c.GetString(userIDContextKey))
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	if err := h.documents.DeleteDocument(c.Request.Context(), userID, documentID); err != nil {
		h.respondError(c, "delete document failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDocumentSync(c *gin.Context) {
	userID := documents.UserID(c.GetString(userIDContextKey))
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the failure response.
		h.logger.Warn("websocket upgrade failed", zap.String("document_id", documentID.String()), zap.Error(err))
		return
	}
	if err := h.sessions.Serve(c.Request.Context(), userID, documentID, newWSConn(conn)); err != nil {
		h.logger.Info("sync session ended",
			zap.String("document_id", documentID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

type historyEntryPayload struct {
	ID               int64     `json:"id"`
	CompactedThrough int64     `json:"compacted_through"`
	CreatedAt        time.Time `json:"created_at"`
	Contributors     []string  `json:"contributors"`
	State            []byte    `json:"state"`
}

// handleDocumentHistory lists the recorded snapshot versions to the owner.
func (h *httpHandler) handleDocumentHistory(c *gin.Context) {
	userID := documents.UserID(c.GetString(userIDContextKey))
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}

	document, err := h.documents.GetDocument(c.Request.Context(), documentID)
	if err == nil && document.Deleted() {
		err = documents.ErrDocumentDeleted
	}
	if err == nil {
		err = documents.AssertOwnership(userID, document.OwnerID)
	}
	if err != nil {
		h.respondError(c, "document history failed", err)
		return
	}

	entries, err := h.documents.ListHistory(c.Request.Context(), documentID)
	if err != nil {
		h.respondError(c, "document history failed", err)
		return
	}
	history := make([]historyEntryPayload, 0, len(entries))
	for _, entry := range entries {
		contributors := make([]string, 0, len(entry.Contributors))
		for _, contributor := range entry.Contributors {
			contributors = append(contributors, contributor.String())
		}
		history = append(history, historyEntryPayload{
			ID:               entry.ID,
			CompactedThrough: entry.CompactedThrough,
			CreatedAt:        entry.CreatedAt,
			Contributors:     contributors,
			State:            entry.State,
		})
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidSession.Error()})
		return
	}
	userID, err := documents.NewUserID(claims.UserID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidSession.Error()})
		return
	}
	c.Set(userIDContextKey, userID.String())
	c.Next()
}

func documentIDParam(c *gin.Context) (documents.DocumentID, bool) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidDocumentID.Error()})
		return "", false
	}
	return documentID, true
}

func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Debug(message, zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, documents.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, documents.ErrDocumentNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, documents.ErrDocumentDeleted):
		return http.StatusGone, "deleted"
	case errors.Is(err, documents.ErrPersistenceFailure):
		return http.StatusInternalServerError, "persistence_failure"
	}
	var serviceErr *documents.ServiceError
	if errors.As(err, &serviceErr) {
		return http.StatusBadRequest, "invalid_request"
	}
	return http.StatusInternalServerError, "internal_error"
}

func allowsAnyOrigin(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func originChecker(origins []string) func(*http.Request) bool {
	if allowsAnyOrigin(origins) {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
