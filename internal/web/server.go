package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"

	"github.com/petguard/edge-recorder/internal/capture"
	"github.com/petguard/edge-recorder/internal/config"
	"github.com/petguard/edge-recorder/internal/health"
	"github.com/petguard/edge-recorder/internal/live"
	"github.com/petguard/edge-recorder/internal/logger"
	"github.com/petguard/edge-recorder/internal/pipeline"
	"github.com/petguard/edge-recorder/internal/proximity"
	"github.com/petguard/edge-recorder/internal/recording"
	"github.com/petguard/edge-recorder/internal/service"
	"github.com/petguard/edge-recorder/internal/state"
	"github.com/petguard/edge-recorder/internal/storage"
)

// maxFrameBytes bounds pushed frame payloads.
const maxFrameBytes = 8 << 20

// PushSources resolves the push source a request feeds. An empty id
// selects the first push source.
type PushSources interface {
	PushSource(id string) (*capture.PushSource, bool)
}

// ProximityHandler accepts beacon readings.
type ProximityHandler interface {
	Proximity(ctx context.Context, r proximity.Reading) (pipeline.ProximityResult, error)
	ProximityState() proximity.State
}

// StatusProvider exposes the recording controller state.
type StatusProvider interface {
	Status() recording.Status
}

// RecordingIndex is the optional per-session index.
type RecordingIndex interface {
	GetRecording(ctx context.Context, fileName string) (*state.RecordingRecord, error)
	DeleteRecording(ctx context.Context, fileName string) error
}

// SettingsStore persists runtime settings across restarts.
type SettingsStore interface {
	SaveRuntimeSettings(ctx context.Context, rs config.RuntimeSettings) error
}

// RejectionCounter counts refused pushed frames.
type RejectionCounter interface {
	FrameRejected(reason string)
}

// Thumbnailer extracts a preview image from a recorded file.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, path string, width, quality int) ([]byte, error)
}

// Dependencies are the components the HTTP API serves. Config, Sources,
// Proximity, Recorder, Live and Library are required.
type Dependencies struct {
	Config     *config.Service
	Sources    PushSources
	Proximity  ProximityHandler
	Recorder   StatusProvider
	Live       *live.Publisher
	Library    *storage.Library
	Disk       *storage.DiskMonitor
	Index      RecordingIndex
	Settings   SettingsStore
	Thumbnails Thumbnailer
	Health     *health.Manager
	Metrics    http.Handler
	Rejections RejectionCounter
}

// Server represents the web server service
type Server struct {
	*service.ServiceBase
	config     config.WebConfig
	live       config.LiveConfig
	logger     *logger.Logger
	deps       Dependencies
	httpServer *http.Server
	router     *gin.Engine
	upgrader   websocket.Upgrader
	thumbs     *cache.Cache
	version    string
	startTime  time.Time
}

// NewServer creates a new web server service and registers its routes.
func NewServer(cfg *config.Config, deps Dependencies, log *logger.Logger) (*Server, error) {
	switch {
	case deps.Config == nil:
		return nil, fmt.Errorf("web: config service is required")
	case deps.Sources == nil:
		return nil, fmt.Errorf("web: push sources are required")
	case deps.Proximity == nil:
		return nil, fmt.Errorf("web: proximity handler is required")
	case deps.Recorder == nil:
		return nil, fmt.Errorf("web: recorder status is required")
	case deps.Live == nil:
		return nil, fmt.Errorf("web: live publisher is required")
	case deps.Library == nil:
		return nil, fmt.Errorf("web: recordings library is required")
	}

	// Debug mode can be enabled via GIN_MODE
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		ServiceBase: service.NewServiceBase("web-server", log),
		config:      cfg.Web,
		live:        cfg.Live,
		logger:      log,
		deps:        deps,
		router:      router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 4 << 10,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		thumbs:    cache.New(10*time.Minute, 0),
		version:   "dev",
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s, nil
}

// SetVersion sets the application version
func (s *Server) SetVersion(version string) {
	s.version = version
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStarting)

	addr := s.config.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.GetStatus().SetError(err)
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	// WriteTimeout stays disabled; /stream and /ws/frame are long-lived and
	// end on client disconnect.
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.LogError("Web server error", err, "address", addr)
			s.GetStatus().SetError(err)
		}
	}()

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("Web server started", "address", ln.Addr().String())
	return nil
}

// Stop stops the web server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.GetStatus().SetStatus(service.StatusStopping)
	s.LogInfo("Stopping web server")
	err := s.httpServer.Shutdown(ctx)
	s.GetStatus().SetStatus(service.StatusStopped)
	return err
}

// setupRoutes sets up all API routes. The legacy camera-board paths are
// kept as aliases.
func (s *Server) setupRoutes() {
	r := s.router

	r.POST("/frame", s.handlePushFrame)
	r.POST("/esp32/frame", s.handlePushFrame)
	r.GET("/ws/frame", s.handleFrameSocket)

	r.POST("/proximity", s.handleProximityUpdate)
	r.POST("/esp32/distance", s.handleProximityUpdate)
	r.GET("/proximity", s.handleProximityStatus)
	r.GET("/proximity/status", s.handleProximityStatus)

	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)

	r.GET("/live", s.handleLive)
	r.GET("/stream/live", s.handleLive)
	r.GET("/stream", s.handleStream)
	r.GET("/stream/mjpeg", s.handleStream)

	videos := r.Group("/videos")
	{
		videos.GET("", s.handleListVideos)
		videos.GET("/:name", s.handleGetVideo)
		videos.GET("/:name/thumbnail", s.handleVideoThumbnail)
		videos.DELETE("/:name", s.handleDeleteVideo)
	}

	r.GET("/config", s.handleGetConfig)
	r.POST("/config", s.handleUpdateConfig)

	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}
		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// corsMiddleware creates a CORS middleware for local network access
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
