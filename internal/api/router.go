package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"taskhub/internal/hub"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	host       *hub.Host
	mcpHandler http.Handler
	logger     *slog.Logger
	authToken  string

	// closing ends open event streams, which Shutdown does not wait for.
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer constructs the HTTP API server. mcpHandler may be nil, in which
// case /mcp is not mounted.
func NewServer(addr string, authToken string, host *hub.Host, mcpHandler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:     router,
		host:       host,
		mcpHandler: mcpHandler,
		logger:     logger,
		authToken:  authToken,
		closing:    make(chan struct{}),
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		// streaming endpoints (/v1/events, /mcp) keep the response open
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	s.httpServer.RegisterOnShutdown(s.closeStreams)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"dropped_events": s.host.DroppedEvents(),
		})
	})

	if s.mcpHandler != nil {
		var mcpHandler = s.mcpHandler
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Post("/start-all", s.handleStartAll)
			r.Post("/stop-all", s.handleStopAll)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Get("/runs", s.handleListRuns)

				r.Route("/schedule", func(r chi.Router) {
					r.Get("/", s.handleGetSchedule)
					r.Put("/", s.handlePutSchedule)
					r.Delete("/", s.handleDeleteSchedule)
					r.Post("/enable", s.handleEnableSchedule)
					r.Post("/disable", s.handleDisableSchedule)
					r.Post("/trigger", s.handleTriggerEvent)
				})

				r.Post("/{action}", s.handleTaskAction)
			})
		})

		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/logs", s.handleLogs)
		r.Delete("/logs", s.handleClearLogs)

		r.Get("/schedules", s.handleListSchedules)
		r.Post("/schedules/preview", s.handlePreview)

		r.Get("/export", s.handleExport)
		r.Post("/import", s.handleImport)

		r.Get("/events", s.handleEvents)
	})
}
