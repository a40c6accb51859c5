// Package opsapi implements the operator-facing HTTP surface SPEC_FULL
// §2's domain-stack table adds alongside the execution core: a health
// probe, a metrics snapshot, and the manual risk-breaker reset spec
// §4.7 requires ("Reset is manual"). It carries none of the teacher's
// multi-tenant account surface (no registration, login, or per-user
// state) — this core has one operator and one process.
//
// Grounded on the teacher's internal/api/handler.go (gin engine +
// middleware stack assembly) and internal/api/middleware.go (CORS,
// request ID, per-IP rate limiting via golang.org/x/time/rate, timeout-
// with-panic-recovery, structured request logging), narrowed from its
// full REST surface to the three routes this core needs.
package opsapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"trading-core/internal/metrics"
)

// Readiness reports whether the cold-start consistency window has
// closed (spec §4.2.1). Satisfied by *internal/engine.Engine without
// this package importing it.
type Readiness interface {
	Ready() bool
}

// Server is the ops API's gin engine plus the capabilities it reads.
type Server struct {
	engine    *gin.Engine
	registry  *metrics.Registry
	breaker   *metrics.Breaker
	readiness Readiness
	jwtSecret string
}

// NewServer builds the ops API, wiring its routes and middleware stack.
func NewServer(registry *metrics.Registry, breaker *metrics.Breaker, readiness Readiness, jwtSecret string) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestIDMiddleware(), rateLimitMiddleware(), timeoutMiddleware(5*time.Second), requestLogger())

	s := &Server{engine: r, registry: registry, breaker: breaker, readiness: readiness, jwtSecret: jwtSecret}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/metrics/snapshot", s.metricsSnapshot)

	protected := s.engine.Group("/risk")
	protected.Use(authMiddleware(s.jwtSecret))
	protected.POST("/reset", s.resetRisk)
}

// Run starts the HTTP server on addr and blocks until it exits.
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

// health reports process liveness plus the two gates that decide
// whether the DLE is actually allowed to place orders: readiness (the
// cold-start consistency window) and the risk breaker.
func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	ready := s.readiness.Ready()
	breakerOpen := s.breaker.IsOpen()
	if !ready || breakerOpen {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ready":        ready,
		"breaker_open": breakerOpen,
		"breaker_reason": s.breaker.Reason(),
	})
}

// metricsSnapshot renders the Metrics & Risk Breaker's full snapshot
// (spec §4.7), the same payload RecordOrderOutcome/RecordEquity/etc.
// feed.
func (s *Server) metricsSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Snapshot())
}

// resetRisk manually closes the breaker (spec §4.7 "Reset is manual").
// Bearer-token guarded: this is the one mutating endpoint this core
// exposes.
func (s *Server) resetRisk(c *gin.Context) {
	s.breaker.Reset()
	c.JSON(http.StatusOK, gin.H{"reset": true})
}
