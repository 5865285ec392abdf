// Package server exposes the cluster control surface of an engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aalhour/epochkv"
	"github.com/aalhour/epochkv/internal/compression"
	"github.com/aalhour/epochkv/internal/logging"
)

const (
	contentTypeJSON        = "application/json"
	defaultAddr            = ":7070"
	defaultShutdownTimeout = 5 * time.Second
)

// Engine is the part of an engine the control surface drives.
type Engine interface {
	Pause()
	Resume()
	State() epochkv.ClusterState
	ListCompactionGroups() []epochkv.GroupInfo
	UpdateCompactionConfig(ctx context.Context, ids []epochkv.GroupID, u epochkv.CompactionConfigUpdate) error
	Flush(ctx context.Context) (epochkv.Epoch, error)
	CompactRange(ctx context.Context, id epochkv.GroupID) error
}

// Options configures a Server.
type Options struct {
	// Addr is the listen address. Default: ":7070".
	Addr string
	// Gatherer backs /metrics. Nil uses the default Prometheus registry.
	Gatherer prometheus.Gatherer
	Logger   logging.Logger
}

// Server serves the control API.
type Server struct {
	engine     Engine
	logger     logging.Logger
	gatherer   prometheus.Gatherer
	addr       string
	httpServer *http.Server
}

// New returns a server for engine. It does not listen until Start.
func New(engine Engine, opts Options) *Server {
	s := &Server{
		engine:   engine,
		logger:   opts.Logger,
		gatherer: opts.Gatherer,
		addr:     opts.Addr,
	}
	if logging.IsNil(s.logger) {
		s.logger = logging.Discard
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.addr == "" {
		s.addr = defaultAddr
	}
	return s
}

// Handler returns the router serving the control API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		r.Post("/cluster/pause", s.handlePause)
		r.Post("/cluster/resume", s.handleResume)
		r.Get("/cluster/state", s.handleState)
		r.Get("/groups", s.handleListGroups)
		r.Patch("/groups/config", s.handleUpdateConfig)
		r.Post("/groups/{id}/compact", s.handleCompact)
		r.Post("/flush", s.handleFlush)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf(logging.NSServer+"serve: %v", err)
		}
	}()
	s.logger.Infof(logging.NSServer+"listening on %s", ln.Addr())
	return nil
}

// Stop shuts the HTTP server down, waiting for in-flight requests.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warnf(logging.NSServer+"encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, epochkv.ErrClusterPaused):
		status = http.StatusConflict
	case errors.Is(err, epochkv.ErrUnknownGroup):
		status = http.StatusNotFound
	case errors.Is(err, epochkv.ErrInvalidDelta):
		status = http.StatusBadRequest
	case errors.Is(err, epochkv.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Errorf(logging.NSServer+"request failed: %v", err)
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) badRequest(w http.ResponseWriter, format string, args ...any) {
	s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf(format, args...)})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.engine.Pause()
	s.logger.Infof(logging.NSServer + "cluster paused")
	s.writeJSON(w, http.StatusOK, s.engine.State())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.Resume()
	s.logger.Infof(logging.NSServer + "cluster resumed")
	s.writeJSON(w, http.StatusOK, s.engine.State())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.State())
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups := s.engine.ListCompactionGroups()
	resp := make([]GroupResponse, 0, len(groups))
	for _, g := range groups {
		resp = append(resp, newGroupResponse(g))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "decode request: %v", err)
		return
	}
	if len(req.Groups) == 0 {
		s.badRequest(w, "no groups named")
		return
	}
	u := epochkv.CompactionConfigUpdate{
		LevelSizeBase:       req.LevelSizeBase,
		LevelSizeMultiplier: req.LevelSizeMultiplier,
		LevelCount:          req.LevelCount,
		L0FileTrigger:       req.L0FileTrigger,
		TargetFileSize:      req.TargetFileSize,
	}
	if req.Compression != nil {
		c, err := compression.ParseType(*req.Compression)
		if err != nil {
			s.badRequest(w, "%v", err)
			return
		}
		u.Compression = &c
	}
	ids := make([]epochkv.GroupID, len(req.Groups))
	for i, id := range req.Groups {
		ids[i] = epochkv.GroupID(id)
	}
	if err := s.engine.UpdateCompactionConfig(r.Context(), ids, u); err != nil {
		s.writeError(w, err)
		return
	}
	s.handleListGroups(w, r)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine.Flush(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, EpochResponse{Epoch: uint64(e)})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		s.badRequest(w, "invalid group id %q", chi.URLParam(r, "id"))
		return
	}
	if err := s.engine.CompactRange(r.Context(), epochkv.GroupID(id)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
