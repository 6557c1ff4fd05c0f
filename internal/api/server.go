// Package api exposes the operator surface: REST endpoints for connections, commands and
// recordings, a live message stream over WebSocket and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/skobkin/groundlink/internal/broker"
	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/mavlink"
	"github.com/skobkin/groundlink/internal/metrics"
	"github.com/skobkin/groundlink/internal/telecommand"
)

const (
	defaultLiveBuffer = 256
	shutdownTimeout   = 5 * time.Second
)

// Connections is the part of the connection manager the API drives.
type Connections interface {
	Add(kind domain.ConnectionKind) (domain.ConnectionID, error)
	Remove(id domain.ConnectionID) error
	List() []domain.ConnectionSnapshot
	Get(id domain.ConnectionID) (domain.ConnectionSnapshot, error)
}

// Commands is the part of the telecommand tracker the API drives.
type Commands interface {
	Submit(ctx context.Context, cmd telecommand.Command) (domain.CommandID, error)
	Get(id domain.CommandID) (domain.PendingCommand, error)
	History() []domain.PendingCommand
	Pending() []domain.PendingCommand
}

type Options struct {
	Listen      string
	Version     string
	Logger      *slog.Logger
	Connections Connections
	Commands    Commands
	Bus         *broker.Bus
	Profile     *mavlink.Profile
	Metrics     *metrics.Metrics
	Recordings  domain.SegmentRepository
	Recent      *broker.History
	// LiveBuffer is the lossy queue capacity of each /ws/messages client.
	LiveBuffer int
}

type Server struct {
	echo        *echo.Echo
	listen      string
	version     string
	logger      *slog.Logger
	connections Connections
	commands    Commands
	bus         *broker.Bus
	profile     *mavlink.Profile
	metrics     *metrics.Metrics
	recordings  domain.SegmentRepository
	recent      *broker.History
	liveBuffer  int
	liveSeq     atomic.Uint64

	// streams ends every live stream on shutdown; hijacked connections outlive http.Server.Shutdown.
	streams     context.Context
	stopStreams context.CancelFunc
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}
	profile := opts.Profile
	if profile == nil {
		profile = mavlink.DefaultProfile()
	}
	liveBuffer := opts.LiveBuffer
	if liveBuffer <= 0 {
		liveBuffer = defaultLiveBuffer
	}

	s := &Server{
		echo:        echo.New(),
		listen:      opts.Listen,
		version:     opts.Version,
		logger:      logger,
		connections: opts.Connections,
		commands:    opts.Commands,
		bus:         opts.Bus,
		profile:     profile,
		metrics:     opts.Metrics,
		recordings:  opts.Recordings,
		recent:      opts.Recent,
		liveBuffer:  liveBuffer,
	}
	s.streams, s.stopStreams = context.WithCancel(context.Background())
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = ErrorHandler
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/api/health"
		},
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				s.logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.logger.Debug("request", attrs...)
			return nil
		},
	}))
	s.routes()

	return s
}

func (s *Server) routes() {
	s.echo.GET("/metrics", s.handleMetrics)
	s.echo.GET("/ws/messages", s.handleLiveMessages)

	api := s.echo.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/profile/messages", s.handleProfileMessages)
	api.GET("/messages", s.handleRecentMessages)

	api.GET("/connections", s.handleListConnections)
	api.POST("/connections", s.handleAddConnection)
	api.GET("/connections/:id", s.handleGetConnection)
	api.DELETE("/connections/:id", s.handleRemoveConnection)

	api.GET("/commands", s.handleListCommands)
	api.POST("/commands", s.handleSubmitCommand)
	api.GET("/commands/:id", s.handleGetCommand)

	api.GET("/recordings", s.handleListRecordings)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves on the configured address until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen api on %s: %w", s.listen, err)
	}

	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(s.stopStreams)
	s.logger.Info("api listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		s.stopStreams()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("shutdown api: %w", err)
	}

	return nil
}
