// Package api serves the operator JSON API over the telemetry aggregator,
// the workflow coordinator and the session.
package api

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/lvonguyen/medguard/internal/mitre"
	"github.com/lvonguyen/medguard/internal/playbooks"
	"github.com/lvonguyen/medguard/internal/session"
	"github.com/lvonguyen/medguard/internal/telemetry"
	"github.com/lvonguyen/medguard/internal/telemetry/aggregation"
	"github.com/lvonguyen/medguard/internal/telemetry/correlation"
	"github.com/lvonguyen/medguard/internal/workflow"
)

// TelemetrySource is the aggregator as seen by the API.
type TelemetrySource interface {
	Snapshot() *telemetry.Snapshot
	Status() aggregation.Status
	Notices() []aggregation.Notice
	Refresh(ctx context.Context, manual bool) (*telemetry.Snapshot, error)
}

// Workflow is the coordinator as seen by the API.
type Workflow interface {
	View() workflow.View
	LoadRecordSets(ctx context.Context) (workflow.State, error)
	ComputeIntersection(ctx context.Context) (workflow.State, error)
	SelectRecord(id string) (workflow.State, error)
	RunPrediction(ctx context.Context) (workflow.State, error)
	RunBatchPrediction(ctx context.Context, identifiers []string) (workflow.BatchPrediction, error)
	Reset()
}

// TechniqueMapper attaches ATLAS techniques to attack events.
type TechniqueMapper interface {
	MapEvent(event telemetry.SecurityEvent) []mitre.Mapping
	Techniques() []*mitre.Technique
}

// PlaybookSource finds response playbooks for attack events.
type PlaybookSource interface {
	ForEvent(event telemetry.SecurityEvent) (*playbooks.Playbook, bool)
	GetPlaybook(id string) (*playbooks.Playbook, bool)
	List() []*playbooks.Playbook
}

// Correlator groups related attack events into chains.
type Correlator interface {
	Correlate(events []telemetry.SecurityEvent) []correlation.EventChain
}

// HealthChecker verifies a dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthRecorder publishes dependency health.
type HealthRecorder interface {
	SetHealth(component string, healthy bool)
}

// Deps are the components the API serves.
type Deps struct {
	Telemetry  TelemetrySource
	Classifier telemetry.Classifier
	Techniques TechniqueMapper
	Playbooks  PlaybookSource
	Chains     Correlator
	Workflow   Workflow
	Session    *session.Session
	Backend    HealthChecker
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics mounts handler on /metrics and wraps every route with mw.
func WithMetrics(handler http.Handler, mw func(http.Handler) http.Handler, health HealthRecorder) Option {
	return func(s *Server) {
		s.metricsHandler = handler
		s.metricsMiddleware = mw
		s.health = health
	}
}

// WithRateLimit applies mw to the /api/v1 routes.
func WithRateLimit(mw func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.rateLimit = mw }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithRequestTimeout bounds each request. Workflow stages carry their own
// timeout, so this should exceed it.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// Server is the operator API.
type Server struct {
	deps     Deps
	logger   *zap.Logger
	validate *validator.Validate
	router   chi.Router

	version           string
	requestTimeout    time.Duration
	metricsHandler    http.Handler
	metricsMiddleware func(http.Handler) http.Handler
	health            HealthRecorder
	rateLimit         func(http.Handler) http.Handler
}

// NewServer builds the router.
func NewServer(deps Deps, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	s := &Server{
		deps:           deps,
		logger:         logger,
		validate:       v,
		version:        "dev",
		requestTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if s.metricsMiddleware != nil {
		r.Use(s.metricsMiddleware)
	}
	r.Use(middleware.Timeout(s.requestTimeout))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.rateLimit != nil {
			r.Use(s.rateLimit)
		}

		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/", s.handleInitSession)
			r.Delete("/", s.handleClearSession)
		})

		r.Route("/telemetry", func(r chi.Router) {
			r.Get("/", s.handleTelemetry)
			r.Post("/refresh", s.handleRefresh)
			r.Get("/techniques", s.handleTechniques)
		})

		r.Route("/playbooks", func(r chi.Router) {
			r.Get("/", s.handleListPlaybooks)
			r.Get("/{id}", s.handleGetPlaybook)
		})

		r.Route("/workflow", func(r chi.Router) {
			r.Get("/", s.handleWorkflow)
			r.Delete("/", s.handleResetWorkflow)
			r.Post("/load", s.handleLoad)
			r.Post("/intersect", s.handleIntersect)
			r.Post("/select", s.handleSelect)
			r.Post("/predict", s.handlePredict)
			r.Post("/batch-predict", s.handleBatchPredict)
		})
	})

	return r
}

// requestLogger logs one line per request through zap.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// OperatorID identifies the caller for rate limiting: the session user when
// signed in, otherwise empty.
func OperatorID(sess *session.Session) func(*http.Request) string {
	return func(*http.Request) string {
		if sess == nil {
			return ""
		}
		return sess.Info().UserID
	}
}
