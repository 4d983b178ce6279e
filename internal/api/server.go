package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/volley-project/volley/internal/config"
	"github.com/volley-project/volley/internal/db"
	"github.com/volley-project/volley/internal/level"
	"github.com/volley-project/volley/internal/netgame"
	intnet "github.com/volley-project/volley/internal/network"
)

// GameStatus reports the latest published simulation status.
type GameStatus interface {
	Status() netgame.Status
}

// Server is the diagnostics HTTP API.
type Server struct {
	cfg     config.APIConfig
	version string

	game   GameStatus
	board  *intnet.StatsBoard
	levels *level.Store

	// Optional dependencies
	sessions *db.SessionStore
	gatherer prometheus.Gatherer

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates an API server over the given game, connection board
// and level store.
func NewServer(cfg config.APIConfig, version string, game GameStatus, board *intnet.StatsBoard, levels *level.Store) *Server {
	return &Server{
		cfg:     cfg,
		version: version,
		game:    game,
		board:   board,
		levels:  levels,
	}
}

// SetDependencies injects the session journal and the metrics gatherer.
// Either may be nil; the matching routes then answer 503 or are absent.
func (s *Server) SetDependencies(sessions *db.SessionStore, gatherer prometheus.Gatherer) {
	s.sessions = sessions
	s.gatherer = gatherer
}

// Handler returns the router, building it on first use.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Addr()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("HTTP API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(s.cfg.RateLimitRPS).Middleware())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/info", s.handleGetInfo)
		api.GET("/status", s.handleGetStatus)
		api.GET("/connections", s.handleGetConnections)
		api.GET("/sessions", s.handleGetSessions)
		api.GET("/level_loads", s.handleGetLevelLoads)
		api.GET("/levels", s.handleListLevels)
		api.GET("/levels/:name", s.handleGetLevel)
	}

	if s.cfg.MetricsEnabled && s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "volley API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
