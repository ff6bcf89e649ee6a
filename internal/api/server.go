// Package api serves the mirror over HTTP: tree snapshots, single-entry
// lookups, refresh requests and a Server-Sent Events stream of deltas.
package api

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/nsmirror/internal/events"
	"github.com/fruitsalade/nsmirror/internal/logging"
	"github.com/fruitsalade/nsmirror/internal/metrics"
	"github.com/fruitsalade/nsmirror/internal/mirror"
	"github.com/fruitsalade/nsmirror/internal/model"
	"github.com/fruitsalade/nsmirror/internal/syncer"
)

var gzipPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

// Refresher queues directory refreshes. *syncer.Orchestrator satisfies it.
type Refresher interface {
	RequestRefresh(path string) bool
	Stats() syncer.Stats
}

// Config wires the server to the running mirror.
type Config struct {
	Mirror      *mirror.Mirror
	Refresher   Refresher
	Broadcaster *events.Broadcaster

	// Status reports the notification connection state for /health.
	Status func() string

	// Users maps user names to bcrypt password hashes. When set, every
	// /api/v1/ route requires HTTP basic auth.
	Users map[string]string

	Logger *zap.Logger
}

// Server is the HTTP server.
type Server struct {
	cfg    Config
	logger *zap.Logger
}

// NewServer creates a new server.
func NewServer(cfg Config) *Server {
	return &Server{
		cfg:    cfg,
		logger: logging.Named(cfg.Logger, "api"),
	}
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// TreeResponse is the body of GET /api/v1/tree.
type TreeResponse struct {
	Root    string        `json:"root"`
	Count   int           `json:"count"`
	Entries []model.Entry `json:"entries"`
}

// StatResponse is the body of GET /api/v1/stat/{path}.
type StatResponse struct {
	Entry    model.Entry   `json:"entry"`
	Listed   bool          `json:"listed"`
	Stale    bool          `json:"stale,omitempty"`
	Children []model.Entry `json:"children,omitempty"`
}

// Handler returns the HTTP handler with auth, logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("GET /api/v1/tree", s.handleTree)
	protected.HandleFunc("GET /api/v1/stat/{path...}", s.handleStat)
	protected.HandleFunc("POST /api/v1/refresh/{path...}", s.handleRefresh)
	protected.HandleFunc("GET /api/v1/stats", s.handleStats)
	protected.HandleFunc("GET /api/v1/events", s.handleEvents)
	protected.HandleFunc("POST /api/v1/leases", s.handleLease)
	mux.Handle("/api/v1/", s.basicAuth(protected))

	return metrics.Middleware(logging.Middleware(mux))
}

// ─── Auth ───────────────────────────────────────────────────────────────────

func (s *Server) basicAuth(next http.Handler) http.Handler {
	if len(s.cfg.Users) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || !s.checkPassword(user, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="nsmirror"`)
			s.sendError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkPassword(user, password string) bool {
	hash, ok := s.cfg.Users[user]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok", "root": s.cfg.Mirror.RootPath()}
	if s.cfg.Status != nil {
		resp["broker"] = s.cfg.Status()
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// ─── Tree ───────────────────────────────────────────────────────────────────

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	resp := TreeResponse{Root: s.cfg.Mirror.RootPath(), Entries: []model.Entry{}}
	for e := range s.cfg.Mirror.Walk() {
		resp.Entries = append(resp.Entries, e)
	}
	resp.Count = len(resp.Entries)

	if acceptsGzip(r) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzipPool.Get().(*gzip.Writer)
		gw.Reset(w)
		json.NewEncoder(gw).Encode(resp)
		gw.Close()
		gzipPool.Put(gw)
		return
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	p := model.CleanPath(r.PathValue("path"))
	entry, ok := s.cfg.Mirror.Lookup(p)
	if !ok {
		s.sendError(w, http.StatusNotFound, "path not found: "+p)
		return
	}
	resp := StatResponse{Entry: entry}
	if entry.IsDir {
		resp.Children, resp.Listed = s.cfg.Mirror.Children(p)
		resp.Stale = s.cfg.Mirror.Stale(p)
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// ─── Refresh ────────────────────────────────────────────────────────────────

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	p := model.CleanPath(r.PathValue("path"))
	if !model.Within(s.cfg.Mirror.RootPath(), p) {
		s.sendError(w, http.StatusNotFound, "path outside mirror root: "+p)
		return
	}
	queued := s.cfg.Refresher.RequestRefresh(p)
	logging.WithContext(r.Context()).Debug("refresh requested",
		zap.String("path", p),
		zap.Bool("queued", queued))
	s.sendJSON(w, http.StatusAccepted, map[string]any{"path": p, "queued": queued})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"entries":     s.cfg.Mirror.Len(),
		"subscribers": s.cfg.Broadcaster.Count(),
		"sync":        s.cfg.Refresher.Stats(),
	})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ch := s.cfg.Broadcaster.Subscribe()
	defer s.cfg.Broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// leaseRequest is the interest registration sent by subscribing mirrors.
type leaseRequest struct {
	Request string `json:"request"`
	Client  struct {
		UserID          string `json:"user_id"`
		ApplicationName string `json:"application_name"`
	} `json:"client"`
	Acceptors []model.Acceptor `json:"acceptors"`
}

// handleLease accepts interest registrations so that another mirror can
// subscribe here through the SSE transport. Every event is streamed
// regardless; the lease is only logged.
func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "malformed lease: "+err.Error())
		return
	}
	if req.Request != "lease" {
		s.sendError(w, http.StatusBadRequest, "unsupported request: "+req.Request)
		return
	}
	patterns := make([]string, 0, len(req.Acceptors))
	for _, a := range req.Acceptors {
		patterns = append(patterns, a.Pattern)
	}
	logging.WithContext(r.Context()).Info("lease registered",
		zap.String("user", req.Client.UserID),
		zap.String("application", req.Client.ApplicationName),
		zap.Strings("patterns", patterns))
	w.WriteHeader(http.StatusAccepted)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, ErrorResponse{Error: message, Code: code})
}
