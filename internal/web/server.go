package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Store is the part of the reference store the API reads.
type Store interface {
	LoadLabeledDescriptors(ctx context.Context) ([]types.LabeledDescriptors, error)
	GetCourse(ctx context.Context, code string) (store.Course, error)
	ListAttendance(ctx context.Context, courseID int, day time.Time) ([]store.AttendanceRecord, error)
}

// Server represents the web server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	store      Store
	recorder   *attendance.Recorder
	thresholds config.ThresholdConfig
	log        *slog.Logger
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, st Store, recorder *attendance.Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	s := &Server{
		router:     r,
		store:      st,
		recorder:   recorder,
		thresholds: cfg.Thresholds,
		log:        logger,
	}

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(time.Minute))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/match", s.handleMatch)
		r.Post("/compare", s.handleCompare)
		r.Get("/courses/{course}/window", s.handleWindow)
		r.Get("/attendance/{course}", s.handleAttendanceLog)
		r.Post("/attendance/{course}", s.handleAttendance)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info("Starting web server", "addr", s.httpServer.Addr, "session", s.recorder.SessionID())
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down web server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
