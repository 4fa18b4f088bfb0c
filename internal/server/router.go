// Package server exposes supervisor status and the runner pool over a
// loopback HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/shepherd/internal/metrics"
	"github.com/loykin/shepherd/internal/pool"
	"github.com/loykin/shepherd/internal/probe"
	"github.com/loykin/shepherd/internal/supervisor"
)

// Router serves:
//
//	GET  {basePath}/health
//	GET  {basePath}/status
//	GET  {basePath}/pool
//	POST {basePath}/pool/assign    body: {"task_id": "...", "profile": "..."}
//	POST {basePath}/pool/complete  body: {"runner_id": "...", "success": true}
//	POST {basePath}/pool/reset     body: {"runner_id": "..."}
//	GET  {basePath}/metrics        when metrics are enabled
type Router struct {
	status   StatusSource
	pool     Pool
	basePath string
	metrics  bool
}

// StatusSource reports service health.
type StatusSource interface {
	Status(ctx context.Context) (supervisor.Status, error)
}

// Pool is the runner pool as used by the API.
type Pool interface {
	Assign(ctx context.Context, taskID, profile string) (*pool.Runner, error)
	Complete(ctx context.Context, runnerID string, success bool) error
	Reset(ctx context.Context, runnerID string) error
	Status(ctx context.Context) (pool.Summary, error)
}

// NewRouter builds a router. Either source may be nil, in which case its
// endpoints answer 503.
func NewRouter(status StatusSource, p Pool, basePath string, withMetrics bool) *Router {
	return &Router{status: status, pool: p, basePath: sanitizeBase(basePath), metrics: withMetrics}
}

// Handler returns an http.Handler powered by gin.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)
	group.GET("/status", r.handleStatus)
	group.GET("/pool", r.handlePoolStatus)
	group.POST("/pool/assign", r.handleAssign)
	group.POST("/pool/complete", r.handleComplete)
	group.POST("/pool/reset", r.handleReset)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// Server is a running control API.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *slog.Logger
}

// Start listens on addr, which must be a loopback address, and serves the
// router in the background.
func Start(addr string, r *Router, log *slog.Logger) (*Server, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	if !probe.IsLoopbackHost(host) {
		return nil, errors.New("control API must listen on a loopback address, got " + addr)
	}
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		srv: &http.Server{
			Handler:           r.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		ln:  ln,
		log: log,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("control API stopped", "error", err)
		}
	}()
	log.Info("control API listening", "addr", ln.Addr().String())
	return s, nil
}

// Addr is the bound address, useful with port 0.
func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type AssignRequest struct {
	TaskID  string `json:"task_id"`
	Profile string `json:"profile,omitempty"`
}

type AssignResponse struct {
	Assigned bool         `json:"assigned"`
	Runner   *pool.Runner `json:"runner,omitempty"`
}

type CompleteRequest struct {
	RunnerID string `json:"runner_id"`
	Success  bool   `json:"success"`
}

type ResetRequest struct {
	RunnerID string `json:"runner_id"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.status == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "status not available"})
		return
	}
	st, err := r.status.Status(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handlePoolStatus(c *gin.Context) {
	if !r.poolReady(c) {
		return
	}
	s, err := r.pool.Status(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handleAssign(c *gin.Context) {
	if !r.poolReady(c) {
		return
	}
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isTaskID(req.TaskID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "task_id required: printable, at most 256 bytes"})
		return
	}
	if req.Profile != "" && !isSafeName(req.Profile) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid profile"})
		return
	}
	runner, err := r.pool.Assign(c.Request.Context(), req.TaskID, req.Profile)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, AssignResponse{Assigned: runner != nil, Runner: runner})
}

func (r *Router) handleComplete(c *gin.Context) {
	if !r.poolReady(c) {
		return
	}
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(req.RunnerID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid runner_id"})
		return
	}
	if err := r.pool.Complete(c.Request.Context(), req.RunnerID, req.Success); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleReset(c *gin.Context) {
	if !r.poolReady(c) {
		return
	}
	var req ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(req.RunnerID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid runner_id"})
		return
	}
	err := r.pool.Reset(c.Request.Context(), req.RunnerID)
	switch {
	case errors.Is(err, pool.ErrUnknownRunner):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
	case err != nil:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

func (r *Router) poolReady(c *gin.Context) bool {
	if r.pool == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "runner pool not available"})
		return false
	}
	return true
}
