// Package web serves a small read-only status API next to the serve
// scheduler: registry counters, event records and stored documents.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"calcodec/internal/config"
	"calcodec/internal/ics"
	"calcodec/internal/identity"
	appLog "calcodec/internal/log"
	"calcodec/internal/model"
)

// Registry is the read side of identity.Registry.
type Registry interface {
	Stats() identity.Stats
	LookupInternalUID(ctx context.Context, externalUID string) string
}

// Events is the read side of the event store.
type Events interface {
	GetEvent(ctx context.Context, internalID string) (model.EventRecord, error)
	EventCounts(ctx context.Context) (map[string]int, error)
}

type Server struct {
	cfg      *config.Config
	registry Registry
	events   Events
	mux      *http.ServeMux
}

func NewServer(cfg *config.Config, registry Registry, events Events) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		events:   events,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the mux, wrapped in basic auth when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	return s.cfg != nil && s.cfg.BasicAuth != nil &&
		s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware guards everything except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calcodec", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("status api listening", "listen", "http://"+s.cfg.Listen, "basic_auth", s.basicAuthEnabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/events/{id}", s.handleEvent)
	s.mux.HandleFunc("GET /api/events/{id}/document", s.handleDocument)
	s.mux.HandleFunc("GET /api/external/{uid}", s.handleExternal)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type statsResponse struct {
	Registry identity.Stats `json:"registry"`
	Events   map[string]int `json:"events"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.events.EventCounts(r.Context())
	if err != nil {
		appLog.Error("status event counts failed", err)
		writeError(w, http.StatusInternalServerError, "event counts unavailable")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Registry: s.registry.Stats(), Events: counts})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadEvent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadEvent(w, r)
	if !ok {
		return
	}
	method := ics.MethodRequest
	if rec.Closed() {
		method = ics.MethodCancel
	}
	w.Header().Set("Content-Type", ics.ContentType(method))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(rec.RawDocument))
}

type externalResponse struct {
	ExternalUID string `json:"external_uid"`
	InternalUID string `json:"internal_uid"`
	Mapped      bool   `json:"mapped"`
}

func (s *Server) handleExternal(w http.ResponseWriter, r *http.Request) {
	ext := r.PathValue("uid")
	internal := s.registry.LookupInternalUID(r.Context(), ext)
	writeJSON(w, http.StatusOK, externalResponse{ExternalUID: ext, InternalUID: internal, Mapped: internal != ext})
}

func (s *Server) loadEvent(w http.ResponseWriter, r *http.Request) (model.EventRecord, bool) {
	id := r.PathValue("id")
	rec, err := s.events.GetEvent(r.Context(), id)
	if errors.Is(err, identity.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return rec, false
	}
	if err != nil {
		appLog.Error("status event lookup failed", err, "internal_id", id)
		writeError(w, http.StatusInternalServerError, "event lookup failed")
		return rec, false
	}
	return rec, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
