// Package api is the HTTP surface of the notification core.
//
// Identity comes from the X-User-ID header; the surrounding system
// terminates real authentication in front of this service. Every request
// is resolved against the user directory so department scoping always
// reflects the caller's current department.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"taskboard/internal/directory"
	"taskboard/internal/dispatch"
	"taskboard/internal/notification"
	logx "taskboard/pkg/logx"
)

const identityHeader = "X-User-ID"

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	cfg    Config
	router *gin.Engine
	srv    *http.Server

	store      *notification.Store
	users      *directory.Users
	dispatcher *dispatch.Dispatcher
	log        logx.Logger
}

func New(cfg Config, store *notification.Store, users *directory.Users, dispatcher *dispatch.Dispatcher, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:        cfg,
		router:     router,
		store:      store,
		users:      users,
		dispatcher: dispatcher,
		log:        log,
	}
	s.routes()
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.router.Group("/api")
	api.Use(s.identify())
	{
		n := api.Group("/notifications")
		{
			n.GET("", s.handleList())
			n.GET("/unread-count", s.handleUnreadCount())
			n.POST("", s.handleCreate())
			n.PUT("/:id/read", s.handleMarkRead())
			n.PUT("/read-all", s.handleMarkAllRead())
		}
		api.POST("/push-subscription", s.handleSaveSubscription())
	}
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	go func() {
		s.log.Info("http server listening", logx.String("addr", addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logx.Err(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
	}
	s.log.Info("http server stopped")
}

// identify resolves the caller. The resolved user lands in the gin context
// under "user".
func (s *Server) identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(identityHeader)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + identityHeader + " header"})
			return
		}
		usr, err := s.users.Get(c.Request.Context(), id)
		if errors.Is(err, directory.ErrUserNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
			return
		}
		if err != nil {
			s.log.Error("identity lookup failed", logx.String("user", id), logx.Err(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !usr.Approved {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account pending approval"})
			return
		}
		c.Set("user", usr)
		c.Next()
	}
}

func caller(c *gin.Context) *directory.User {
	v, _ := c.Get("user")
	usr, _ := v.(*directory.User)
	return usr
}

func viewerOf(usr *directory.User) notification.Viewer {
	return notification.Viewer{UserID: usr.ID, DepartmentID: usr.DepartmentID}
}

type notificationResponse struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Message      string `json:"message"`
	CreatedBy    string `json:"createdBy"`
	UserID       string `json:"userId,omitempty"`
	DepartmentID string `json:"departmentId,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
	AlertClass   string `json:"alertClass,omitempty"`
	Read         bool   `json:"read"`
	CreatedAt    string `json:"createdAt"`
}

func toResponse(n *notification.Notification) notificationResponse {
	return notificationResponse{
		ID:           n.ID,
		Type:         string(n.Kind),
		Message:      n.Message,
		CreatedBy:    n.CreatedBy,
		UserID:       n.UserID,
		DepartmentID: n.DepartmentID,
		TaskID:       n.SourceTaskID,
		AlertClass:   string(n.AlertClass),
		Read:         n.Read,
		CreatedAt:    n.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		usr := caller(c)
		list, err := s.store.ListForUser(c.Request.Context(), viewerOf(usr))
		if err != nil {
			s.log.Error("list notifications failed", logx.String("user", usr.ID), logx.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		out := make([]notificationResponse, 0, len(list))
		for i := range list {
			out = append(out, toResponse(&list[i]))
		}
		c.JSON(http.StatusOK, out)
	}
}

func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		usr := caller(c)
		count, err := s.store.UnreadCount(c.Request.Context(), viewerOf(usr))
		if err != nil {
			s.log.Error("unread count failed", logx.String("user", usr.ID), logx.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

type createRequest struct {
	Type         string `json:"type"`
	Message      string `json:"message" binding:"required"`
	UserID       string `json:"userId"`
	DepartmentID string `json:"departmentId"`
}

func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		usr := caller(c)

		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
			return
		}
		if req.UserID != "" && req.DepartmentID != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId and departmentId are mutually exclusive"})
			return
		}
		if req.UserID == "" && req.DepartmentID == "" {
			// untargeted requests go to the caller's own department
			req.DepartmentID = usr.DepartmentID
		}
		kind := notification.Kind(req.Type)
		if req.Type != "" && !kind.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown type"})
			return
		}

		n, err := s.dispatcher.Dispatch(c.Request.Context(), dispatch.Alert{
			Kind:         kind,
			Message:      req.Message,
			CreatedBy:    usr.Name,
			UserID:       req.UserID,
			DepartmentID: req.DepartmentID,
		})
		if err != nil {
			s.log.Error("create notification failed", logx.String("user", usr.ID), logx.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusCreated, toResponse(n))
	}
}

func (s *Server) handleMarkRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		usr := caller(c)
		id := c.Param("id")

		n, err := s.store.MarkRead(c.Request.Context(), id, usr.ID)
		if errors.Is(err, notification.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
			return
		}
		if err != nil {
			s.log.Error("mark read failed", logx.String("id", id), logx.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		n.Read = true
		c.JSON(http.StatusOK, toResponse(n))
	}
}

func (s *Server) handleMarkAllRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		usr := caller(c)
		marked, err := s.store.MarkAllRead(c.Request.Context(), viewerOf(usr))
		if err != nil {
			s.log.Error("mark all read failed", logx.String("user", usr.ID), logx.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"marked": marked})
	}
}

func (s *Server) handleSaveSubscription() gin.HandlerFunc {
	return func(c *gin.Context) {
		usr := caller(c)

		var sub directory.Subscription
		if err := c.ShouldBindJSON(&sub); err != nil || sub.Endpoint == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
			return
		}
		if err := s.users.SavePushSubscription(c.Request.Context(), usr.ID, sub); err != nil {
			s.log.Error("save subscription failed", logx.String("user", usr.ID), logx.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"message": "subscription saved"})
	}
}
