// Package server exposes the review pipeline over HTTP: the session and
// task transition routes, the agentic review endpoint, SSE event feeds,
// notifications, and the role-scoped queue.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/taskgate/agentic"
	"github.com/c360studio/taskgate/config"
	"github.com/c360studio/taskgate/events"
	"github.com/c360studio/taskgate/notify"
	"github.com/c360studio/taskgate/review"
	"github.com/c360studio/taskgate/roles"
	"github.com/c360studio/taskgate/session"
)

// Server wires the HTTP surface over the domain services.
type Server struct {
	cfg       *config.Config
	repo      *session.Repository
	idem      *session.Idempotency
	machine   *review.Machine
	engine    *agentic.Engine
	stream    *events.Stream
	presence  *events.Presence
	notifier  *notify.Notifier
	audit     *notify.Audit
	directory roles.Directory
	logger    *slog.Logger
}

// Deps carries the services the server dispatches to.
type Deps struct {
	Config    *config.Config
	Repo      *session.Repository
	Idem      *session.Idempotency
	Machine   *review.Machine
	Engine    *agentic.Engine
	Stream    *events.Stream
	Presence  *events.Presence
	Notifier  *notify.Notifier
	Audit     *notify.Audit
	Directory roles.Directory
	Logger    *slog.Logger
}

// New builds the server.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       d.Config,
		repo:      d.Repo,
		idem:      d.Idem,
		machine:   d.Machine,
		engine:    d.Engine,
		stream:    d.Stream,
		presence:  d.Presence,
		notifier:  d.Notifier,
		audit:     d.Audit,
		directory: d.Directory,
		logger:    logger,
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	origins := s.cfg.HTTP.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Trainer-Email", "X-Reviewer-Email", "Idempotency-Key", "Last-Event-ID"},
	}))
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.identity)

		r.Route("/session", func(r chi.Router) {
			r.Post("/bulk-resubmit", s.handleBulkResubmit)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Post("/submit-for-review", s.handleSubmitForReview)
				r.Post("/resubmit", s.handleResubmit)
			r.Post("/reviews", s.handleWriteReview)
				r.Post("/acknowledge", s.handleAcknowledge)
				r.Post("/mark-qc-done", s.handleMarkQCDone)
				r.Get("/events", s.handleChangeFeed)
				r.Get("/stream", s.handleEventStream)
				r.Get("/presence", s.handleGetPresence)
				r.Post("/presence", s.handleHeartbeat)
			})
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/bulk-approve", s.handleBulkApprove)
			r.Post("/{id}/approve", s.handleApprove)
			r.Post("/{id}/return", s.handleReturn)
			r.Post("/{id}/reject", s.handleReject)
			r.Get("/{id}/versions", s.handleVersions)
			r.Get("/{id}/diff", s.handleDiff)
			r.Get("/{id}/audit", s.handleSessionAudit)
		})

		r.Get("/queue", s.handleQueue)
		r.Get("/audit", s.handleGlobalAudit)

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.handleListNotifications)
			r.Post("/read-all", s.handleMarkAllRead)
			r.Post("/{id}/read", s.handleMarkOneRead)
		})

		r.Post("/review", s.handleAgenticReview)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Store().Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
