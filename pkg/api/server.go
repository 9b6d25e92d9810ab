// Package api provides the HTTP admin API of the relay
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-relay/pkg/network"
	"github.com/ZentaChain/zentalk-relay/pkg/storage"
)

// Relay runs fn on the goroutine that owns the relay state.
// *network.Server implements it.
type Relay interface {
	Query(ctx context.Context, fn func(*network.Engine)) error
}

// BanStore is the ban list the API manages. *storage.BanList implements it.
type BanStore interface {
	Ban(addr netip.Addr, reason string, ttl time.Duration) (storage.Ban, error)
	Unban(addr netip.Addr) (bool, error)
	UnbanHash(hash string) (bool, error)
	List() []storage.Ban
}

// Server represents the HTTP admin API server
type Server struct {
	relay    Relay
	bans     BanStore
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	clock    clock.Clock
	router   *gin.Engine
	config   *Config

	httpServer *http.Server
}

// Config holds server configuration
type Config struct {
	Listen       string
	EnableCORS   bool
	RateLimit    int // Requests per minute per client, 0 disables
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	QueryTimeout time.Duration // Bound on each relay query
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:       "127.0.0.1:6122",
		EnableCORS:   false,
		RateLimit:    600,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		QueryTimeout: 2 * time.Second,
	}
}

// Deps are the collaborators of the API server. Bans and Gatherer may be nil.
type Deps struct {
	Relay    Relay
	Bans     BanStore
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	Clock    clock.Clock
}

// NewServer creates a new HTTP API server
func NewServer(deps Deps, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultConfig().QueryTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		relay:    deps.Relay,
		bans:     deps.Bans,
		gatherer: deps.Gatherer,
		logger:   deps.Logger,
		clock:    deps.Clock,
		router:   gin.New(),
		config:   config,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware(s.logger))

	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	if s.config.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimit, s.clock)))
	}
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)

		peers := v1.Group("/peers")
		{
			peers.GET("", s.handlePeers)
			peers.GET("/:id", s.handlePeer)
			peers.DELETE("/:id", s.handleDropPeer)
			peers.POST("/:id/message", s.handlePeerMessage)
		}

		v1.GET("/channels", s.handleChannels)
		v1.GET("/channels/:id", s.handleChannel)

		bans := v1.Group("/bans")
		{
			bans.GET("", s.handleBans)
			bans.POST("", s.handleBan)
			bans.DELETE("/:addr", s.handleUnban)
		}
	}

	// Health check endpoint (outside versioning)
	s.router.GET("/health", s.handleHealth)

	if s.gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler returns the HTTP handler serving the API
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin API listening", zap.Stringer("addr", ln.Addr()))
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down admin API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// query runs fn on the relay with the configured timeout and writes an error
// response on failure
func (s *Server) query(c *gin.Context, fn func(*network.Engine)) bool {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.QueryTimeout)
	defer cancel()

	if err := s.relay.Query(ctx, fn); err != nil {
		status := http.StatusGatewayTimeout
		if errors.Is(err, network.ErrServerClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, ErrorResponse{Error: "Relay unavailable", Message: err.Error()})
		return false
	}
	return true
}
