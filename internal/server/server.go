// Package server exposes cases and meshes over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"dicommesh/internal/models"
	"dicommesh/pkg/casestore"
	"dicommesh/pkg/cases"
	"dicommesh/pkg/config"
	"dicommesh/pkg/dicomio"
	"dicommesh/pkg/isosurface"
	"dicommesh/pkg/logger"
	"dicommesh/pkg/meshcache"
	"dicommesh/pkg/visualization"
)

// Server is the HTTP front of a case service.
type Server struct {
	router chi.Router
	cases  *cases.Service
	log    *logger.Logger
	cfg    *config.Config
}

// New creates and configures the HTTP server.
func New(svc *cases.Service, cfg *config.Config, log *logger.Logger) *Server {
	s := &Server{
		cases: svc,
		log:   logger.OrNop(log),
		cfg:   cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler)

	r.Get("/health", s.handleHealth)

	r.Post("/upload", s.handleUpload)

	r.Get("/mesh/{caseID}.json", s.handleMeshJSON)
	r.Get("/mesh/{caseID}.stl", s.handleMeshSTL)

	r.Get("/cases", s.handleListCases)
	r.Get("/cases/{caseID}", s.handleCaseInfo)
	r.Get("/cases/{caseID}/slices/{axis}/{pos}.png", s.handlePreview)

	s.router = r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusFor maps pipeline and storage errors to HTTP status codes.
func statusFor(err error) int {
	var mismatch *models.ShapeMismatchError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, casestore.ErrCaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, meshcache.ErrInvalidThreshold),
		errors.Is(err, visualization.ErrInvalidAxis),
		errors.Is(err, visualization.ErrInvalidOffset),
		errors.Is(err, visualization.ErrPreviewTooLarge),
		errors.Is(err, casestore.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrEmptySeries),
		errors.As(err, &mismatch),
		errors.Is(err, isosurface.ErrDegenerateVolume),
		errors.Is(err, isosurface.ErrInvalidField),
		errors.Is(err, dicomio.ErrUnsafeArchivePath):
		return http.StatusUnprocessableEntity
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Server errors are logged with the
// request id; client errors are not.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		jsonError(w, "internal error", code)
		return
	}
	jsonError(w, err.Error(), code)
}
