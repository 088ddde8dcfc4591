// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package discovery serves a project's kernels and edges over HTTP on the
// project's discovery port.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/edge"
	"github.com/AleutianAI/ConceptKernel/pkg/kernel"
	"github.com/AleutianAI/ConceptKernel/pkg/logging"
	"github.com/AleutianAI/ConceptKernel/pkg/project"
)

// Kernels is the read side of kernel.Manager.
type Kernels interface {
	StatusAll(ctx context.Context) ([]kernel.KernelStatus, error)
	Status(name string) (kernel.KernelStatus, error)
}

// Edges is the read side of edge.Registry.
type Edges interface {
	List() ([]edge.Edge, error)
}

// Config configures a Server.
type Config struct {
	Project project.Entry
	Kernels Kernels
	Edges   Edges
	Version string
	Logger  *slog.Logger
}

// Server is the discovery HTTP service.
//
// # Description
//
// Routes:
//
//	GET /health          liveness and project identity
//	GET /kernels         status of every kernel
//	GET /kernels/:name   status of one kernel
//	GET /edges           every edge of the project
//	GET /metrics         Prometheus metrics
//
// Status is computed per request and never cached.
type Server struct {
	cfg     Config
	engine  *gin.Engine
	started time.Time
	logger  *slog.Logger
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, started: time.Now(), logger: logging.OrDiscard(cfg.Logger)}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("ckp-discovery"))
	engine.GET("/health", s.health())
	engine.GET("/kernels", s.kernels())
	engine.GET("/kernels/:name", s.kernel())
	engine.GET("/edges", s.edges())
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine = engine
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns 127.0.0.1:<discovery port>.
func (s *Server) Addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(int(s.cfg.Project.DiscoveryPort)))
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
// An empty addr uses Addr.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = s.Addr()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("discovery listening", "addr", addr, "project", s.cfg.Project.Name)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("discovery server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("discovery shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"project":   s.cfg.Project.Name,
			"slot":      s.cfg.Project.Slot,
			"portRange": s.cfg.Project.PortRange,
			"version":   s.cfg.Version,
			"uptime":    time.Since(s.started).Round(time.Second).String(),
		})
	}
}

func (s *Server) kernels() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := s.cfg.Kernels.StatusAll(c.Request.Context())
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"kernels": list, "count": len(list)})
	}
}

func (s *Server) kernel() gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := s.cfg.Kernels.Status(c.Param("name"))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

func (s *Server) edges() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := s.cfg.Edges.List()
		if err != nil {
			s.fail(c, err)
			return
		}
		if list == nil {
			list = []edge.Edge{}
		}
		c.JSON(http.StatusOK, gin.H{"edges": list, "count": len(list)})
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("discovery request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, gin.H{"error": err.Error(), "kind": ckerrors.KindOf(err).String()})
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(err error) int {
	switch ckerrors.KindOf(err) {
	case ckerrors.KindNotFound:
		return http.StatusNotFound
	case ckerrors.KindInvalidFormat:
		return http.StatusBadRequest
	case ckerrors.KindAlreadyExists, ckerrors.KindAlreadyRunning, ckerrors.KindInvalidTransition:
		return http.StatusConflict
	case ckerrors.KindPermissionDenied:
		return http.StatusForbidden
	case ckerrors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
