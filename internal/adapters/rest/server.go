// Package rest is the HTTP adapter: gorilla/mux on the outside, the
// plugin pipeline on the inside. Public meta endpoints (handshake, health,
// docs, metrics) are registered ahead of the catch-all dispatcher that
// serves the route table.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/evermind-ai/backend/internal/adapters"
	"github.com/evermind-ai/backend/internal/container"
	"github.com/evermind-ai/backend/internal/faults"
	"github.com/evermind-ai/backend/internal/metrics"
	"github.com/evermind-ai/backend/internal/pipeline"
)

const maxBodyBytes = 4 << 20

// Config holds the HTTP listener settings.
type Config struct {
	Host     string
	Port     int
	TLS      bool
	CertFile string
	KeyFile  string
}

// HealthFunc supplies the container rollup for /health.
type HealthFunc func() (bool, []container.Health)

// Server is the REST adapter. It implements container.Service.
type Server struct {
	core   *adapters.Core
	cfg    Config
	health HealthFunc
	logger *slog.Logger

	srv      *http.Server
	listener net.Listener
	failed   chan error

	failMu  sync.Mutex
	failure error
}

// NewServer builds the adapter.
func NewServer(core *adapters.Core, cfg Config, health HealthFunc) *Server {
	return &Server{
		core:   core,
		cfg:    cfg,
		health: health,
		logger: slog.Default().With("component", "rest"),
		failed: make(chan error, 1),
	}
}

func (s *Server) Name() string { return "rest-adapter" }

// Initialize binds the listener so port conflicts surface at startup, not
// after the container reports RUNNING.
func (s *Server) Initialize(ctx context.Context) error {
	r := mux.NewRouter()
	r.HandleFunc("/handshake", s.handleHandshake).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/openapi.json", s.handleOpenAPI).Methods(http.MethodGet)
	r.HandleFunc("/docs", s.handleDocs).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(s.dispatch)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rest: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Start serves in the background.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		var err error
		if s.cfg.TLS {
			err = s.srv.ServeTLS(s.listener, s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.srv.Serve(s.listener)
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", "error", err)
			s.failed <- err
		}
	}()
	s.logger.Info("rest adapter listening", "addr", s.listener.Addr().String(), "tls", s.cfg.TLS)
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// HealthCheck latches a server failure: once the serve loop has died,
// every later check keeps reporting unhealthy.
func (s *Server) HealthCheck() container.Health {
	s.failMu.Lock()
	defer s.failMu.Unlock()

	select {
	case err := <-s.failed:
		s.failure = err
	default:
	}
	if s.failure != nil {
		return container.Health{Healthy: false, Detail: map[string]string{"error": s.failure.Error()}}
	}
	return container.Health{Healthy: true, Detail: map[string]string{"addr": s.Addr()}}
}

// Addr returns the bound listen address (useful when Port is 0 in tests).
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeFault(w, faults.BadPayload("/", "unreadable body"))
		return
	}
	resp, fault := s.core.Handshake(body)
	if fault != nil {
		writeFault(w, fault)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	components := map[string]container.Health{}
	if s.health != nil {
		healthy, all := s.health()
		if !healthy {
			status = "degraded"
		}
		for _, h := range all {
			components[h.Name] = h
		}
	}
	body, _ := json.Marshal(map[string]any{"status": status, "components": components})
	writeJSON(w, http.StatusOK, body)
}

// dispatch serves everything the route table knows about.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	route, ok := s.core.Router.Lookup(r.Method, r.URL.Path)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(faults.WirePayload{
			Success: false,
			Error:   faults.WireBody{Kind: faults.KindValidation, Message: "unknown route"},
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeFault(w, faults.BadPayload("/", "body too large or unreadable"))
		return
	}

	var c *pipeline.Context
	if route.Producer != nil {
		c = pipeline.NewStreamContext(r.Context(), pipeline.TransportREST, r.Method, r.URL.Path)
	} else {
		c = pipeline.NewContext(r.Context(), pipeline.TransportREST, r.Method, r.URL.Path, route.Timeout)
	}
	defer c.Cancel()

	c.Route = route
	c.Raw = body
	c.Query = r.URL.Query()
	c.Headers = r.Header

	fault := s.core.Execute(c)
	if fault != nil {
		writeFault(w, fault)
		return
	}

	if c.Streaming() {
		s.serveStream(w, c)
		return
	}

	status := http.StatusOK
	var respBody []byte
	if c.Response != nil {
		if c.Response.Status != 0 {
			status = c.Response.Status
		}
		respBody = c.Response.Body
	}
	writeJSON(w, status, respBody)
}

func (s *Server) serveStream(w http.ResponseWriter, c *pipeline.Context) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeFault(w, faults.Internal("streaming unsupported by connection"))
		return
	}

	if c.Route.Binary {
		w.Header().Set("Content-Type", "application/octet-stream")
	} else {
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &httpSink{w: w, flusher: flusher, binary: c.Route.Binary}
	if err := s.core.RunStream(c, sink); err != nil {
		s.logger.Debug("stream ended with error",
			"path", c.Path, "correlation_id", c.CorrelationID, "error", err)
	}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	paths := map[string]any{}
	for _, route := range s.core.Router.Routes() {
		entry := map[string]any{
			"summary": route.Subject,
			"security": func() []any {
				if route.Public || route.SkipAuth {
					return []any{}
				}
				return []any{map[string]any{"bearerAuth": []string{}}}
			}(),
		}
		method := map[string]any{}
		if existing, ok := paths[route.Path].(map[string]any); ok {
			method = existing
		}
		method[httpMethodKey(route.Method)] = entry
		paths[route.Path] = method
	}

	doc := map[string]any{
		"openapi": "3.0.3",
		"info":    map[string]any{"title": "Evermind Gateway", "version": "1.0.0"},
		"paths":   paths,
	}
	body, _ := json.Marshal(doc)
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<!doctype html>
<html>
<head><title>Evermind Gateway</title></head>
<body>
<h1>Evermind Gateway</h1>
<p>The machine-readable contract lives at <a href="/openapi.json">/openapi.json</a>.</p>
<p>Protected routes require a completed <code>POST /handshake</code> and an
<code>Authorization: Bearer</code> token.</p>
</body>
</html>`)
}

func httpMethodKey(m string) string {
	switch m {
	case http.MethodGet:
		return "get"
	case http.MethodPost:
		return "post"
	case http.MethodPut:
		return "put"
	case http.MethodDelete:
		return "delete"
	case http.MethodPatch:
		return "patch"
	default:
		return "get"
	}
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if len(body) > 0 {
		w.Write(body)
	}
}

func writeFault(w http.ResponseWriter, f *faults.Fault) {
	if f.RetryAfter > 0 {
		secs := int(f.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	}
	body, _ := json.Marshal(f.Wire())
	writeJSON(w, f.HTTPStatus(), body)
}
