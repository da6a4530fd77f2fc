// ============================================================================
// flowqueue Coordinator Server
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: run the HTTP API and the gRPC service side by side until the
//          context is canceled.
//
// Listeners:
//   http_addr  gin router (worker + operator endpoints, /healthz, /metrics)
//   grpc_addr  flowqueue.v1.Coordinator (worker endpoints only)
//
// Either address may be empty to disable that listener.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

// Config holds the listener settings.
type Config struct {
	HTTPAddr     string        `yaml:"http_addr"`
	GRPCAddr     string        `yaml:"grpc_addr"`
	WorkerWindow time.Duration `yaml:"worker_window"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.HTTPAddr == "" && c.GRPCAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.WorkerWindow <= 0 {
		c.WorkerWindow = DefaultWorkerWindow
	}
}

// Server owns the listeners of one coordinator process.
type Server struct {
	cfg  Config
	http *http.Server
	grpc *grpc.Server
}

// New wires the HTTP router and the gRPC service around c.
func New(cfg Config, c *Coordinator, auth *Authenticator, gatherer prometheus.Gatherer) *Server {
	cfg.ApplyDefaults()
	s := &Server{cfg: cfg}
	if cfg.HTTPAddr != "" {
		opts := []RouterOption{WithWorkerWindow(cfg.WorkerWindow)}
		if gatherer != nil {
			opts = append(opts, WithGatherer(gatherer))
		}
		s.http = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           NewRouter(c, auth, opts...),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	if cfg.GRPCAddr != "" {
		s.grpc = NewGRPCServer(c, auth)
	}
	return s
}

// Run serves until ctx is done or a listener fails, then shuts both down.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		cancel()
	}

	if s.http != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("HTTP API listening", "addr", s.cfg.HTTPAddr)
			if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fail(fmt.Errorf("server: http: %w", err))
			}
		}()
	}

	if s.grpc != nil {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			fail(fmt.Errorf("server: grpc listen: %w", err))
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				log.Info("gRPC service listening", "addr", lis.Addr().String())
				if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
					fail(fmt.Errorf("server: grpc: %w", err))
				}
			}()
		}
	}

	<-ctx.Done()
	log.Info("Shutting down coordinator server")

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if s.http != nil {
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP shutdown incomplete", "error", err)
		}
	}
	if s.grpc != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			s.grpc.Stop()
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return firstErr
}
