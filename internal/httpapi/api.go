// Package httpapi is the gateway's management surface: session listing,
// command delivery and a websocket frame monitor.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"openfms/netcore/internal/correlator"
	"openfms/netcore/internal/logger"
	"openfms/netcore/internal/protocol"
)

// SessionInfo describes one live session.
type SessionInfo struct {
	ID         string    `json:"conn_id"`
	DeviceID   string    `json:"device_id,omitempty"`
	Protocol   string    `json:"protocol,omitempty"`
	Transport  string    `json:"transport"`
	ClientIP   string    `json:"client_ip"`
	State      string    `json:"state"`
	LastActive time.Time `json:"last_active"`
}

// Backend is what the API manages.
type Backend interface {
	GatewayID() string
	Sessions() []SessionInfo
	// Session finds a session by session ID or device ID.
	Session(id string) (SessionInfo, bool)
	SendCommand(ctx context.Context, cmd protocol.StandardCommand, wait bool) (*protocol.StandardMessage, error)
}

// Config configures the API server.
type Config struct {
	Addr string
	// JWTSecret enables bearer-token authentication of every route but
	// /health when set.
	JWTSecret string
	// Timeout bounds waiting for command acknowledgements.
	Timeout time.Duration
	// Limiter throttles command delivery when set.
	Limiter *RateLimiter
}

// Server is the management HTTP server.
type Server struct {
	cfg     Config
	backend Backend
	hub     *Hub
	router  *gin.Engine
	srv     *http.Server
	ln      net.Listener
}

type commandRequest struct {
	protocol.StandardCommand
	Wait      bool `json:"wait"`
	TimeoutMs int  `json:"timeout_ms"`
}

// New builds the router. hub may be nil, which disables the monitor.
func New(cfg Config, backend Backend, hub *Hub) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	s := &Server{cfg: cfg, backend: backend, hub: hub}
	s.setup()
	return s
}

func (s *Server) setup() {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", s.health)

	api := r.Group("/")
	if s.cfg.JWTSecret != "" {
		api.Use(Auth(s.cfg.JWTSecret))
	}
	api.GET("/sessions", s.sessions)
	api.GET("/sessions/:id", s.session)
	if s.cfg.Limiter != nil {
		api.POST("/send-command", s.cfg.Limiter.Middleware(), s.sendCommand)
	} else {
		api.POST("/send-command", s.sendCommand)
	}
	if s.hub != nil {
		api.GET("/ws/frames", func(c *gin.Context) { s.hub.serve(c.Writer, c.Request) })
		api.GET("/ws/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"connected_clients": s.hub.ClientCount()})
		})
	}
	s.router = r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on cfg.Addr and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Scope("http").WithError(err).Error("HTTP server error")
		}
	}()
	logger.Scope("http").Infof("HTTP API listening on %s", ln.Addr())
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"gateway_id": s.backend.GatewayID(),
		"sessions":   len(s.backend.Sessions()),
	})
}

func (s *Server) sessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Sessions())
}

func (s *Server) session(c *gin.Context) {
	info, ok := s.backend.Session(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) sendCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.DeviceID == "" || req.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id and type are required"})
		return
	}

	timeout := s.cfg.Timeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	resp, err := s.backend.SendCommand(ctx, req.StandardCommand, req.Wait)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	if resp == nil {
		c.JSON(http.StatusOK, gin.H{"status": "sent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged", "response": resp})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, protocol.ErrNotConnected):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrUndetermined):
		return http.StatusConflict
	case errors.Is(err, correlator.ErrCanceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// Auth validates HS256 bearer tokens from the Authorization header or the
// token query parameter, and stores the claims under "claims".
func Auth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		raw := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if raw == "" {
			raw = c.Query("token")
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("claims", claims)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Scope("http").WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("request")
	}
}
