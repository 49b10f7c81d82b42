package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"notification_service/internal/app"
	"notification_service/internal/domain/notification"
	idb "notification_service/internal/infra/database"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server exposes the engine's REST surface: notification creation, the
// system-notification read API, and queue maintenance.
type Server struct {
	router       *gin.Engine
	port         string
	notifService app.NotificationService
	logger       *logrus.Logger
}

func NewServer(port string, notifService app.NotificationService, logger *logrus.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:       router,
		port:         port,
		notifService: notifService,
		logger:       logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) Run() error {
	return s.router.Run(":" + s.port)
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	{
		notifications := api.Group("/notifications")
		{
			notifications.POST("", s.handleCreate)
			notifications.GET("/system/:userId", s.handleListSystem)
			notifications.PUT("/:id/read", s.handleMarkRead)
			notifications.DELETE("/:id", s.handleDelete)
		}

		queueGroup := api.Group("/queue")
		{
			queueGroup.GET("/stats", s.handleQueueStats)
			queueGroup.POST("/pause", s.handleQueuePause)
			queueGroup.POST("/resume", s.handleQueueResume)
			queueGroup.POST("/clean", s.handleQueueClean)
		}
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification-dispatch"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

type emailDataRequest struct {
	To      string            `json:"to"`
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	Meta    map[string]string `json:"meta,omitempty"`
}

type systemDataRequest struct {
	UserID  int64  `json:"userId"`
	Content string `json:"content"`
}

type createNotificationRequest struct {
	EventName  string             `json:"eventName" binding:"required"`
	Channel    string             `json:"channel" binding:"required"`
	Type       string             `json:"type"`
	EmailData  *emailDataRequest  `json:"emailData,omitempty"`
	SystemData *systemDataRequest `json:"systemData,omitempty"`
}

type notificationResponse struct {
	ID          int64   `json:"id"`
	EventName   string  `json:"eventName"`
	Channel     string  `json:"channel"`
	Type        string  `json:"type"`
	BatchKey    *string `json:"batchKey,omitempty"`
	Status      string  `json:"status"`
	ErrorMsg    *string `json:"errorMsg,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	ProcessedAt *string `json:"processedAt,omitempty"`
}

type systemNotificationResponse struct {
	ID             int64   `json:"id"`
	NotificationID int64   `json:"notificationId"`
	UserID         int64   `json:"userId"`
	Content        string  `json:"content"`
	IsRead         bool    `json:"isRead"`
	ReadAt         *string `json:"readAt,omitempty"`
	CreatedAt      string  `json:"createdAt"`
}

func (s *Server) handleCreate(c *gin.Context) {
	var req createNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	input := app.CreateNotificationInput{
		EventName: req.EventName,
		Channel:   notification.Channel(req.Channel),
		Type:      notification.Type(req.Type),
	}
	if req.EmailData != nil {
		input.EmailData = &app.EmailInput{
			To:      req.EmailData.To,
			Subject: req.EmailData.Subject,
			Body:    req.EmailData.Body,
			Meta:    req.EmailData.Meta,
		}
	}
	if req.SystemData != nil {
		input.SystemData = &app.SystemInput{
			UserID:  req.SystemData.UserID,
			Content: req.SystemData.Content,
		}
	}

	n, err := s.notifService.CreateNotification(c.Request.Context(), input)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toNotificationResponse(n))
}

func (s *Server) handleListSystem(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	payloads, err := s.notifService.ListSystemNotifications(c.Request.Context(), userID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	res := make([]systemNotificationResponse, 0, len(payloads))
	for _, sp := range payloads {
		res = append(res, toSystemResponse(sp))
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleMarkRead(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
		return
	}
	payload, err := s.notifService.MarkAsRead(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSystemResponse(payload))
}

func (s *Server) handleDelete(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
		return
	}
	if err := s.notifService.DeleteNotification(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Notification deleted successfully"})
}

func (s *Server) handleQueueStats(c *gin.Context) {
	stats, err := s.notifService.QueueStats(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleQueuePause(c *gin.Context) {
	if err := s.notifService.PauseQueue(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Queue paused successfully"})
}

func (s *Server) handleQueueResume(c *gin.Context) {
	if err := s.notifService.ResumeQueue(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Queue resumed successfully"})
}

func (s *Server) handleQueueClean(c *gin.Context) {
	removed, err := s.notifService.CleanQueue(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Queue cleaned successfully", "removed": removed})
}

// respondError maps domain errors onto HTTP status codes: validation → 400,
// duplicates → 409, missing records → 404, anything else → 500.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidChannel),
		errors.Is(err, app.ErrInvalidType),
		errors.Is(err, app.ErrEmailDataRequired),
		errors.Is(err, app.ErrSystemDataRequired),
		errors.Is(err, app.ErrInvalidEmailAddress):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, idb.ErrDuplicateEventName):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, idb.ErrNotificationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		s.logger.Errorf("Request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func toNotificationResponse(n *notification.Notification) notificationResponse {
	res := notificationResponse{
		ID:        n.ID,
		EventName: n.EventName,
		Channel:   string(n.Channel),
		Type:      string(n.Type),
		Status:    string(n.Status),
		CreatedAt: n.CreatedAt.Format(time.RFC3339),
	}
	if n.BatchKey.Valid {
		res.BatchKey = &n.BatchKey.String
	}
	if n.ErrorMsg.Valid {
		res.ErrorMsg = &n.ErrorMsg.String
	}
	if n.ProcessedAt.Valid {
		formatted := n.ProcessedAt.Time.Format(time.RFC3339)
		res.ProcessedAt = &formatted
	}
	return res
}

func toSystemResponse(sp *notification.SystemPayload) systemNotificationResponse {
	res := systemNotificationResponse{
		ID:             sp.ID,
		NotificationID: sp.NotificationID,
		UserID:         sp.UserID,
		Content:        sp.Content,
		IsRead:         sp.IsRead,
		CreatedAt:      sp.CreatedAt.Format(time.RFC3339),
	}
	if sp.ReadAt.Valid {
		formatted := sp.ReadAt.Time.Format(time.RFC3339)
		res.ReadAt = &formatted
	}
	return res
}

// Router exposes the underlying gin engine, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
