package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rickgao/tradesync/internal/api"
	"github.com/rickgao/tradesync/internal/connection"
	"github.com/rickgao/tradesync/internal/invalidator"
	"github.com/rickgao/tradesync/internal/mode"
	"github.com/rickgao/tradesync/internal/safeguard"
	"github.com/rickgao/tradesync/internal/store"
)

// Connection is the slice of the connection manager the server drives.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Status() connection.Status
}

// Resetter clears subscription state on logout.
type Resetter interface {
	Reset()
}

// Reactor reacts to a user action without running it, such as a quote
// served from cache that still needs a live subscription.
type Reactor interface {
	Observe(ctx context.Context, a invalidator.Action)
}

// OrderPlacer places orders with the backend.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req api.OrderRequest) (*api.Order, error)
}

// Deps are the components the server exposes.
type Deps struct {
	Conn          Connection
	Modes         *mode.Coordinator
	Store         *store.Memory
	Gate          *safeguard.Gate
	Actions       invalidator.Handler
	Reactions     Reactor
	Orders        OrderPlacer
	Subscriptions Resetter
	Metrics       http.Handler
	MetricsPath   string // default "/metrics"
}

// Server serves the control routes.
type Server struct {
	deps   Deps
	engine *gin.Engine
	http   *http.Server
	logger *slog.Logger
}

// New builds the router. port 0 picks a free port on Start.
func New(port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		engine: gin.New(),
		logger: logger.With("component", "server"),
	}
	s.engine.Use(gin.Recovery(), s.logRequests)
	s.setupRoutes()

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.getHealth)
	s.engine.GET("/state", s.getState)
	s.engine.GET("/quotes/:symbol", s.getQuote)

	s.engine.POST("/connect", s.postConnect)
	s.engine.POST("/disconnect", s.postDisconnect)
	s.engine.POST("/logout", s.postLogout)
	s.engine.POST("/mode", s.postMode)
	s.engine.POST("/navigate", s.postNavigate)

	orders := s.engine.Group("/orders")
	orders.POST("", s.postOrder)
	orders.GET("/pending", s.getPending)
	orders.POST("/:id/ack", s.postAck)
	orders.POST("/:id/confirm", s.postConfirm)
	orders.DELETE("/:id", s.deleteOrder)

	if s.deps.Metrics != nil {
		path := s.deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.engine.GET(path, gin.WrapH(s.deps.Metrics))
	}
}

// Start listens and serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}
	s.logger.Info("control server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}
