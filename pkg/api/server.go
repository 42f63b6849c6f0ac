package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/wasm-watchdog/pkg/dispatcher"
	"github.com/cuemby/wasm-watchdog/pkg/health"
	"github.com/cuemby/wasm-watchdog/pkg/log"
	"github.com/cuemby/wasm-watchdog/pkg/pool"
)

// Dispatcher runs one request on the pool
type Dispatcher interface {
	Handle(ctx context.Context, req *dispatcher.Request) *dispatcher.Response
}

// Scaler reports and adjusts the pool size
type Scaler interface {
	Status() pool.Stats
	SetReplicas(n int) error
}

// Config configures the watchdog HTTP server
type Config struct {
	Addr string

	// FunctionName and FunctionProcess describe the served function in
	// /_/scale responses
	FunctionName    string
	FunctionProcess string
	Namespace       string

	// Args follow the module name in the guest's argv
	Args []string

	// ContentType is set on successful responses
	ContentType string

	// MaxBodyBytes caps the request body read into guest stdin; zero
	// means DefaultMaxBodyBytes
	MaxBodyBytes int64

	// BufferHTTP exposes the buffered body length to the guest as
	// Http_Content_Length
	BufferHTTP bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxInflight caps concurrent invocations; zero is unlimited
	MaxInflight int

	// RateLimitRPS and RateLimitBurst limit invocations per client IP;
	// zero RPS disables the limiter
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server is the watchdog's public HTTP endpoint
type Server struct {
	cfg        Config
	dispatcher Dispatcher
	scaler     Scaler
	lock       *health.Lock
	mux        *http.ServeMux
	http       *http.Server
	logger     zerolog.Logger
}

// NewServer creates the watchdog server. Every path outside /_/ invokes
// the function.
func NewServer(cfg Config, d Dispatcher, scaler Scaler, lock *health.Lock) (*Server, error) {
	if cfg.ContentType == "" {
		cfg.ContentType = "application/octet-stream"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		scaler:     scaler,
		lock:       lock,
		mux:        http.NewServeMux(),
		logger:     log.WithComponent("api"),
	}

	invoke := http.Handler(http.HandlerFunc(s.invokeHandler))
	limiter, err := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	if err != nil {
		return nil, err
	}
	invoke = limiter.Wrap(invoke)
	invoke = NewInflightLimiter(cfg.MaxInflight).Wrap(invoke)

	s.mux.HandleFunc("/_/health", s.healthHandler)
	s.mux.HandleFunc("/_/ready", s.readyHandler)
	s.mux.HandleFunc("/_/scale", s.scaleHandler)
	s.mux.Handle("/", corsPreflight(invoke))

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      Instrument(s.mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start listens on the configured address and serves until Shutdown
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Watchdog listening")
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
