// Package api serves a small HTTP status surface for a running orchestrator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/scheduler"
)

// Controller is the part of the scheduler the API drives.
type Controller interface {
	Snapshot(withItems bool) scheduler.Snapshot
	Item(id string) (*model.WorkItem, bool)
	Pause()
	Resume()
	Stop()
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	ctl     Controller
	version string
	logger  *zap.Logger
}

func NewHandler(ctl Controller, version string, logger *zap.Logger) *Handler {
	return &Handler{ctl: ctl, version: version, logger: logger}
}

// Router returns the configured chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Only local pages may read the API cross-origin.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept"},
	}))

	r.Get("/healthz", h.healthCheck)
	r.Route("/api/run", func(r chi.Router) {
		r.Get("/", h.getRun)
		r.Get("/items", h.listItems)
		r.Get("/items/{id}", h.getItem)
		r.Group(func(r chi.Router) {
			r.Use(h.guardControl)
			r.Post("/pause", h.pause)
			r.Post("/resume", h.resume)
			r.Post("/shutdown", h.shutdown)
		})
	})
	return r
}

// guardControl rejects control requests that carry a foreign Origin or a
// non-JSON content type.
func (h *Handler) guardControl(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				h.logger.Warn("api_control_rejected",
					zap.String("origin", origin), zap.String("path", r.URL.Path))
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "cross-origin control request"})
				return
			}
		}
		mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mt != "application/json" {
			writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "content type must be application/json"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.version})
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Snapshot(false))
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	snap := h.ctl.Snapshot(true)
	if !snap.Active && snap.RunID == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no run"})
		return
	}
	items := snap.Items
	if st := r.URL.Query().Get("status"); st != "" {
		filtered := make([]*model.WorkItem, 0, len(items))
		for _, it := range items {
			if string(it.Status) == st {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	it, ok := h.ctl.Item(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "item not found"})
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	h.ctl.Pause()
	h.logger.Info("api_pause", zap.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	h.ctl.Resume()
	h.logger.Info("api_resume", zap.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (h *Handler) shutdown(w http.ResponseWriter, r *http.Request) {
	if !h.ctl.Snapshot(false).Active {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no active run"})
		return
	}
	h.ctl.Stop()
	h.logger.Info("api_shutdown", zap.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusAccepted, map[string]bool{"stopping": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Server runs the handler on a listen address until its context ends.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
}

// Listen binds addr. Use "127.0.0.1:0" for an ephemeral port.
func Listen(addr string, h *Handler, logger *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		srv: &http.Server{
			Handler:           h.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:     ln,
		logger: logger,
	}, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks until ctx is cancelled, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(s.ln) }()
	s.logger.Info("api_listening", zap.String("addr", s.Addr()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
