// Package server is the HTTP boundary of the supervisor: a thin gin router that forwards
// every call to the registry and translates domain errors into status codes.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/betbot/bothost/internal/controlplane/registry"
	"github.com/betbot/bothost/internal/controlplane/store"
	"github.com/betbot/bothost/pkg/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultRequestTimeout 单个请求的处理超时
const DefaultRequestTimeout = 5 * time.Second

// Users is the credit account directory.
type Users interface {
	CreateUser(ctx context.Context, username string) (store.User, error)
	GetUser(ctx context.Context, username string) (store.User, bool, error)
	Credit(ctx context.Context, username string, amount int) error
	DeleteUser(ctx context.Context, username string) error
}

// Sweeper wakes the lease loop.
type Sweeper interface {
	Kick()
}

type Config struct {
	RequestTimeout time.Duration
	// 每个用户每分钟可以发起的 start/command 次数，0 表示不限流
	CommandsPerMinute int
}

type Server struct {
	cfg    Config
	reg    *registry.Registry
	users  Users
	leases Sweeper
	limit  *ratelimit.Keyed
	log    *logrus.Entry
}

func New(cfg Config, reg *registry.Registry, users Users, leases Sweeper, log *logrus.Entry) (*Server, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if users == nil {
		return nil, errors.New("user directory is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		cfg:    cfg,
		reg:    reg,
		users:  users,
		leases: leases,
		limit:  ratelimit.NewKeyed(cfg.CommandsPerMinute, time.Minute),
		log:    log.WithField("component", "http"),
	}, nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")

	bots := api.Group("/bots")
	bots.GET("", s.handleBotsList)
	bots.POST("", s.handleBotsRegister)
	botID := bots.Group("/:botID")
	botID.GET("/status", s.handleBotStatus)
	botID.POST("/start", s.handleBotStart)
	botID.POST("/stop", s.handleBotStop)
	botID.POST("/command", s.handleBotCommand)
	botID.POST("/install_command", s.handleBotInstallCommand)
	botID.DELETE("", s.handleBotDelete)
	botID.GET("/files", s.handleBotFiles)
	botID.GET("/file/*path", s.handleBotFileGet)
	botID.PUT("/file/*path", s.handleBotFilePut)

	users := api.Group("/users")
	users.POST("", s.handleUserCreate)
	userID := users.Group("/:username")
	userID.GET("", s.handleUserGet)
	userID.POST("/credits", s.handleUserCredit)
	userID.DELETE("", s.handleUserDelete)

	admin := api.Group("/admin")
	admin.POST("/sweep", s.handleAdminSweep)

	return r
}

// requestLogger 记录每个请求，并注入 X-Request-ID
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := uuid.NewString()
		c.Header("X-Request-ID", requestID)

		c.Next()

		entry := s.log.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"duration":   time.Since(start).String(),
			"request_id": requestID,
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request completed")
	}
}

// throttled 超过限流时写 429 并返回 true
func (s *Server) throttled(c *gin.Context, action, user string) bool {
	ok, wait := s.limit.Allow(action + ":" + user)
	if ok {
		return false
	}
	c.Header("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
	writeError(c, http.StatusTooManyRequests, "too many "+action+" requests, retry later")
	return true
}

// reqCtx 带超时的请求 ctx
func (s *Server) reqCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
}
