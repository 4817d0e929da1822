package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"convoy/internal/batch"
	"convoy/internal/channels"
	"convoy/internal/logging"
	"convoy/internal/ports"
)

// Config controls the HTTP surface.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	Debug          bool
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		AllowedOrigins: []string{"*"},
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
	}
}

// Server exposes the ingestion endpoints: webhook POST, chat websocket,
// health, and metrics. All inbound payloads are wrapped in a channel
// envelope before they reach the batch engine.
type Server struct {
	engine     *batch.Engine
	transport  ports.Transport
	hub        *channels.WSHub
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     logging.Logger
	cfg        Config
}

// New builds the server and its routes. transport is the channel router
// used to parse wrapped inbound payloads.
func New(engine *batch.Engine, transport ports.Transport, hub *channels.WSHub, cfg Config, logger logging.Logger) *Server {
	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = def.AllowedOrigins
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	s := &Server{
		engine:    engine,
		transport: transport,
		hub:       hub,
		logger:    logging.OrNop(logger),
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	v1 := r.Group("/v1")
	{
		v1.POST("/messages", s.handleWebhookMessage)
		v1.GET("/actors/:id", s.handleActorState)
	}
	r.GET("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		return set[r.Header.Get("Origin")]
	}
}

// Start serves until ctx is canceled, then drains with a short grace
// period.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening on %s", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// handleWebhookMessage accepts one inbound chat message over HTTP.
func (s *Server) handleWebhookMessage(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	wrapped, err := channels.WrapEnvelope("webhook", body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "envelope failed"})
		return
	}
	parsed, err := s.transport.ParseContext(wrapped)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.engine.Enqueue(c.Request.Context(), parsed)
	if err != nil {
		s.logger.Warn("server: enqueue failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": res.Queued, "batchId": res.BatchID})
}

// handleActorState exposes the two-slot state of one actor for debugging.
func (s *Server) handleActorState(c *gin.Context) {
	actor, err := s.engine.ActorSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, actor)
}

// handleWebSocket upgrades a chat socket and pumps its frames into the
// batch engine. chatId query parameter is required.
func (s *Server) handleWebSocket(c *gin.Context) {
	chatID := c.Query("chatId")
	if chatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chatId query parameter is required"})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("server: websocket upgrade failed: %v", err)
		return
	}
	s.hub.ServeConn(c.Request.Context(), chatID, conn, func(ctx context.Context, raw json.RawMessage) {
		wrapped, err := channels.WrapEnvelope("websocket", raw)
		if err != nil {
			s.logger.Error("server: envelope failed: %v", err)
			return
		}
		parsed, err := s.transport.ParseContext(wrapped)
		if err != nil {
			s.logger.Warn("server: ws frame rejected: %v", err)
			return
		}
		if _, err := s.engine.Enqueue(ctx, parsed); err != nil {
			s.logger.Warn("server: ws enqueue failed: %v", err)
		}
	})
}
