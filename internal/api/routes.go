// Package api is the HTTP surface: feedback intake that enqueues ingestion
// tasks, read models for mails and messages, message lifecycle commands,
// and health and metrics endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/pkg/logger"
	"github.com/ignite/mailflow/internal/queue"
	"github.com/ignite/mailflow/internal/service/aggregation"
	"github.com/ignite/mailflow/internal/service/mailstate"
)

// Submitter enqueues ingestion tasks. *ingestion.Protocol satisfies it.
type Submitter interface {
	Submit(ctx context.Context, kind string, payload []byte, envelopeTo string, priority queue.Priority) (queue.Task, error)
	SubmitStatus(ctx context.Context, u domain.StatusUpdate) (queue.Task, error)
}

// Mails reads mail state. *mailstate.Machine satisfies it.
type Mails interface {
	GetMail(ctx context.Context, identifier string) (*domain.Mail, error)
	History(ctx context.Context, identifier string) ([]domain.MailStatus, error)
}

// Messages drives and reads message aggregates. *aggregation.Service
// satisfies it.
type Messages interface {
	Summarize(ctx context.Context, messageID string) (*aggregation.Summary, error)
	StartSending(ctx context.Context, messageID string) error
	Recheck(ctx context.Context, messageID string) (bool, error)
}

// Recipients attaches mails to a parent. *mailstate.Registrar satisfies it.
type Recipients interface {
	AttachRecipients(ctx context.Context, parent mailstate.Parent, recipients []string) ([]*domain.Mail, error)
}

// Suppressions lists opt-outs. *suppression.Service satisfies it.
type Suppressions interface {
	Entries(ctx context.Context, address string) ([]domain.SuppressionEntry, error)
}

// Deps are the collaborators of the router. Metrics may be nil.
type Deps struct {
	Submitter    Submitter
	Mails        Mails
	Messages     Messages
	Recipients   Recipients
	Suppressions Suppressions
	Health       *HealthChecker
	Metrics      http.Handler

	AllowedOrigins []string
	MaxBodyBytes   int64
}

// Handlers holds the endpoint implementations.
type Handlers struct {
	Deps
}

// NewRouter configures all routes.
func NewRouter(d Deps) *chi.Mux {
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 10 << 20
	}
	h := &Handlers{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Envelope-To"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	if d.Health != nil {
		r.Get("/healthz", d.Health.HandleHealth)
		r.Get("/healthz/ready", d.Health.HandleReadiness)
	}
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/feedback", func(r chi.Router) {
			r.Post("/smtp", h.HandleSMTPReply)
			r.Post("/{source}", h.HandleFeedback)
		})
		r.Post("/statuses", h.HandleStatus)

		r.Get("/mails/{identifier}", h.GetMail)

		r.Route("/messages/{id}", func(r chi.Router) {
			r.Get("/", h.GetMessage)
			r.Post("/start", h.StartSending)
			r.Post("/recheck", h.Recheck)
			r.Post("/recipients", h.attachRecipients(domain.SourceCampaign))
		})
		r.Post("/batches/{id}/recipients", h.attachRecipients(domain.SourceTransactional))

		r.Get("/suppressions/{address}", h.ListSuppressions)
	})

	return r
}

// requestLogger logs one line per request through the structured logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
