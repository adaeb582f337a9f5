// ============================================================================
// HTTP adapter
// Responsibility: translate HTTP requests into parsed dispatch requests
// and render the dispatcher's structured responses. Also serves the
// server-level endpoints: /status, /help, /metrics, and the Prometheus
// exposition at /metrics/prometheus.
// ============================================================================

package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/redunix/computed/internal/dispatch"
	"github.com/redunix/computed/internal/ident"
	"github.com/redunix/computed/internal/jobs"
	"github.com/redunix/computed/internal/metrics"
	"github.com/redunix/computed/internal/registry"
)

var log = slog.Default()

const serverName = "redunix-computed/1.0"

// Server is the HTTP front of the dispatcher.
type Server struct {
	engine  *gin.Engine
	disp    *dispatch.Dispatcher
	reg     *registry.Registry
	manager *jobs.Manager
	metrics *metrics.Collector
	clock   ident.Clock
	started time.Time

	httpSrv *http.Server
}

// New wires the routes. The dispatcher handles commands and job
// endpoints; the server answers the introspection endpoints itself.
func New(disp *dispatch.Dispatcher, reg *registry.Registry, manager *jobs.Manager, collector *metrics.Collector, clock ident.Clock) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		engine:  engine,
		disp:    disp,
		reg:     reg,
		manager: manager,
		metrics: collector,
		clock:   clock,
		started: clock.Now(),
	}

	engine.Use(gin.Recovery(), s.commonHeaders())

	engine.GET("/status", s.handleStatus)
	engine.GET("/help", s.handleHelp)
	engine.GET("/metrics", s.handleMetrics)
	engine.GET("/metrics/prometheus", gin.WrapH(
		promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{})))

	jobsGroup := engine.Group("/jobs")
	jobsGroup.GET("/submit", s.dispatchHandler)
	jobsGroup.POST("/submit", s.dispatchHandler)
	jobsGroup.GET("/status", s.dispatchHandler)
	jobsGroup.GET("/result", s.dispatchHandler)
	jobsGroup.GET("/cancel", s.dispatchHandler)
	jobsGroup.DELETE("/cancel", s.dispatchHandler)

	// Every other path is a command dispatched synchronously.
	engine.NoRoute(s.dispatchHandler)

	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// commonHeaders stamps every response and feeds the HTTP-level
// counters.
func (s *Server) commonHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Server", serverName)
		c.Header("Connection", "close")
		c.Next()
		s.metrics.RecordHTTP(c.Request.URL.Path, c.Writer.Status())
	}
}

// dispatchHandler adapts gin's request to the dispatcher's parsed form.
func (s *Server) dispatchHandler(c *gin.Context) {
	query := map[string]string{}
	for key, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}

	var body []byte
	if c.Request.Body != nil {
		body, _ = io.ReadAll(c.Request.Body)
	}

	resp := s.disp.Handle(dispatch.Request{
		Method: c.Request.Method,
		Path:   c.Request.URL.Path,
		Query:  query,
		Body:   body,
	})

	for key, value := range resp.Headers {
		c.Header(key, value)
	}
	c.JSON(resp.Status, resp.Body)
}

// handleStatus reports liveness plus a summary of pools and jobs.
func (s *Server) handleStatus(c *gin.Context) {
	snap := s.metrics.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"server":         serverName,
		"uptime_seconds": s.clock.Now().Sub(s.started).Seconds(),
		"requests_total": snap.Global.Count,
		"sync_pools":     snap.SyncPools,
		"jobs":           s.manager.Stats(),
	})
}

// handleHelp lists the registered commands and their parameters.
func (s *Server) handleHelp(c *gin.Context) {
	type paramDoc struct {
		Name     string `json:"name"`
		Required bool   `json:"required"`
	}
	type commandDoc struct {
		Command   string     `json:"command"`
		Category  string     `json:"category"`
		TimeoutMs int64      `json:"timeout_ms"`
		Params    []paramDoc `json:"params"`
	}

	var docs []commandDoc
	for _, spec := range s.reg.Specs() {
		doc := commandDoc{
			Command:   spec.Command,
			Category:  string(spec.Category),
			TimeoutMs: spec.Timeout.Milliseconds(),
		}
		for _, p := range spec.Params {
			doc.Params = append(doc.Params, paramDoc{Name: p.Name, Required: p.Required})
		}
		docs = append(docs, doc)
	}
	c.JSON(http.StatusOK, gin.H{"commands": docs})
}

// handleMetrics returns the JSON snapshot.
func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

// Run serves until the context is canceled, then shuts down gracefully.
// Keep-alives are disabled: one request per connection.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpSrv.SetKeepAlivesEnabled(false)

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
