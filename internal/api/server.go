package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fraudlab/ringtrace/internal/auth"
	"github.com/fraudlab/ringtrace/internal/config"
	"github.com/fraudlab/ringtrace/internal/engine"
	"github.com/fraudlab/ringtrace/internal/graph"
	"github.com/fraudlab/ringtrace/internal/models"
	"github.com/fraudlab/ringtrace/internal/queue"
	"github.com/fraudlab/ringtrace/internal/reasoning"
	"github.com/fraudlab/ringtrace/internal/report"
	"github.com/fraudlab/ringtrace/internal/scheduler"
	"github.com/fraudlab/ringtrace/internal/store"
)

const (
	alertSweepSchedule = "@every 1m"
	staleSweepSchedule = "@every 5m"
	staleCaseAfter     = 30 * time.Minute
)

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger

	store *store.Store
	graph *graph.Graph
	queue *queue.Queue

	engine   *engine.Engine
	executor *Executor

	authService *auth.Service
	scheduler   *scheduler.Scheduler
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	g, err := graph.New(graph.Config{
		URI:      cfg.Neo4j.URI,
		Username: cfg.Neo4j.User,
		Password: cfg.Neo4j.Password,
		Retries:  cfg.Engine.TraversalRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing graph: %w", err)
	}

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing queue: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		store:  st,
		graph:  g,
		queue:  q,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	reasoner := reasoning.New(reasoning.Config{
		BaseURL:     cfg.Reasoning.BaseURL,
		APIKey:      cfg.Reasoning.APIKey,
		Model:       cfg.Reasoning.Model,
		Timeout:     cfg.Reasoning.Timeout,
		MaxRetries:  cfg.Reasoning.MaxRetries,
		Temperature: cfg.Reasoning.Temperature,
	})
	reports := report.NewGenerator(reasoner, s.logger)

	s.engine = engine.New(g, reasoner, reports, cfg.Engine,
		engine.WithLogger(s.logger),
		engine.WithEventSink(func(c *models.Case, ev models.ProgressEvent) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := q.PublishEvent(ctx, c.ID, ev); err != nil {
				s.logger.Warn("publishing case event", "case_id", c.ID, "error", err)
			}
		}),
	)
	s.executor = NewExecutor(st, s.engine, s.logger)

	s.authService = auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
	}, st)

	s.scheduler = scheduler.New(s.logger)
	sweeps := &scheduler.Sweeps{
		Store:      st,
		Queue:      q,
		Engine:     s.engine,
		Logger:     s.logger,
		StaleAfter: staleCaseAfter,
	}
	if err := s.scheduler.Register(scheduler.DutyAlertSweep, alertSweepSchedule, sweeps.AlertSweep); err != nil {
		return nil, err
	}
	if err := s.scheduler.Register(scheduler.DutyStaleCases, staleSweepSchedule, sweeps.StaleCaseSweep); err != nil {
		return nil, err
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			// SSE streams outlive the standard request timeout, so the
			// stream route sits outside the timed group.
			r.Get("/cases/{caseID}/stream", s.streamCase)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(60 * time.Second))

				r.Get("/auth/me", s.getCurrentUser)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(auth.RoleAdmin))
					r.Post("/users", s.createUser)
				})

				r.Route("/alerts", func(r chi.Router) {
					r.Get("/", s.listAlerts)
					r.Post("/", s.createAlert)
					r.Get("/{alertID}", s.getAlert)
				})

				r.Route("/cases", func(r chi.Router) {
					r.Get("/", s.listCases)
					r.Post("/", s.createCase)
					r.Get("/{caseID}", s.getCase)
					r.Post("/{caseID}/run", s.runCase)
					r.Post("/{caseID}/stop", s.stopCase)
					r.Get("/{caseID}/report", s.getCaseReport)
					r.Get("/{caseID}/report.pdf", s.getCaseReportPDF)
				})

				r.Get("/graph/summary", s.getGraphSummary)
				r.Get("/workflow/structure", s.getWorkflowStructure)

				r.Route("/queue", func(r chi.Router) {
					r.Get("/stats", s.getQueueStats)
					r.Get("/workers", s.getActiveWorkers)
				})
			})
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	s.scheduler.Start()

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Close releases the server's backend connections. Call after Run returns.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.graph.Close(ctx); err != nil {
		s.logger.Warn("closing graph driver", "error", err)
	}
	if err := s.queue.Close(); err != nil {
		s.logger.Warn("closing queue", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("closing store", "error", err)
	}
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
