// Package api serves the submission and operator endpoints.
package api

import (
	"context"
	"errors"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/axiomesh/treasury/core"
	"github.com/axiomesh/treasury/httpx"
	"github.com/axiomesh/treasury/proposal"
	"github.com/axiomesh/treasury/ratelimit"
	"github.com/axiomesh/treasury/tasks"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// AuthorHeader carries the author identity set by the upstream authentication layer.
const AuthorHeader = "X-Author-Id"

const (
	DefaultSubmitLimit  = 5
	DefaultSubmitWindow = time.Hour
)

type Lifecycle interface {
	Submit(ctx context.Context, req core.SubmitRequest) (*proposal.Proposal, error)
	Get(ctx context.Context, id string) (*core.View, error)
	Schedule(ctx context.Context, kind tasks.Kind, id string) error
}

type Treasury interface {
	Pool() *big.Int
	Remaining() *big.Int
}

type Config struct {
	SubmitLimit  int
	SubmitWindow time.Duration
}

type Deps struct {
	Lifecycle Lifecycle
	Treasury  Treasury
	Limiter   *ratelimit.Limiter
	// Webhook is mounted at /v1/webhooks/chain when set.
	Webhook    http.Handler
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer
}

type Server struct {
	cfg       Config
	lifecycle Lifecycle
	treasury  Treasury
	limiter   *ratelimit.Limiter
	logger    logrus.FieldLogger
	requests  *prometheus.CounterVec
	now       func() time.Time
	router    chi.Router
}

func New(cfg Config, deps Deps, logger logrus.FieldLogger) *Server {
	if cfg.SubmitLimit <= 0 {
		cfg.SubmitLimit = DefaultSubmitLimit
	}
	if cfg.SubmitWindow <= 0 {
		cfg.SubmitWindow = DefaultSubmitWindow
	}
	s := &Server{
		cfg:       cfg,
		lifecycle: deps.Lifecycle,
		treasury:  deps.Treasury,
		limiter:   deps.Limiter,
		logger:    logger,
		requests: promauto.With(deps.Registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "treasury_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		now: time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/proposals", s.submit)
		v1.Get("/proposals/{id}", s.get)
		v1.Post("/proposals/{id}/review", s.schedule(tasks.KindReview))
		v1.Post("/proposals/{id}/register", s.schedule(tasks.KindRegister))
		v1.Post("/proposals/{id}/finalize", s.schedule(tasks.KindFinalize))
		v1.Post("/proposals/{id}/reconcile", s.schedule(tasks.KindReconcile))
		v1.Get("/ledger", s.ledger)
		if deps.Webhook != nil {
			v1.Method(http.MethodPost, "/webhooks/chain", deps.Webhook)
		}
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

type submitRequest struct {
	Recipient string `json:"recipient"`
	// Amount is a decimal string of base units; a JSON number is accepted too.
	Amount flexString `json:"amount"`
	Title  string     `json:"title"`
	Body   string     `json:"body"`
}

type proposalResponse struct {
	RequestID string             `json:"request_id"`
	Proposal  *proposal.Proposal `json:"proposal"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	author := strings.TrimSpace(r.Header.Get(AuthorHeader))
	if author == "" {
		httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing "+AuthorHeader, nil)
		return
	}

	if s.limiter != nil {
		res := s.limiter.Check("submit:"+author, s.cfg.SubmitLimit, s.cfg.SubmitWindow)
		if !res.Allowed {
			retry := res.RetryAfter(s.now())
			w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(retry)))
			httpx.WriteError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many submissions, retry later",
				map[string]any{"retry_after_seconds": ceilSeconds(retry), "reset_at": res.ResetAt.UTC()})
			return
		}
	}

	var req submitRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}

	p, err := s.lifecycle.Submit(r.Context(), core.SubmitRequest{
		Author:    author,
		Recipient: req.Recipient,
		Amount:    string(req.Amount),
		Title:     req.Title,
		Body:      req.Body,
	})
	var invalid *core.ValidationError
	var dup *core.DuplicateWindowError
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusCreated, proposalResponse{RequestID: httpx.RequestID(r), Proposal: p})
	case errors.As(err, &invalid):
		httpx.WriteError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", invalid.Error(),
			map[string]string{"field": invalid.Field, "reason": invalid.Reason})
	case errors.As(err, &dup):
		w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(dup.Wait)))
		httpx.WriteError(w, r, http.StatusConflict, "SUBMISSION_WINDOW", dup.Error(),
			map[string]int{"retry_after_seconds": ceilSeconds(dup.Wait), "days_remaining": dup.DaysRemaining()})
	default:
		s.logger.Errorf("submit proposal: %s", err)
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL", "submission failed", nil)
	}
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	view, err := s.lifecycle.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, view)
	case errors.Is(err, core.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "proposal not found", nil)
	default:
		s.logger.Errorf("get proposal: %s", err)
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL", "lookup failed", nil)
	}
}

func (s *Server) schedule(kind tasks.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := s.lifecycle.Schedule(r.Context(), kind, id)
		switch {
		case err == nil:
			httpx.WriteJSON(w, http.StatusAccepted, map[string]string{
				"request_id":  httpx.RequestID(r),
				"proposal_id": id,
				"task":        string(kind),
			})
		case errors.Is(err, core.ErrNotFound):
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "proposal not found", nil)
		case errors.Is(err, core.ErrStaleState), errors.Is(err, core.ErrReviewExists):
			httpx.WriteError(w, r, http.StatusConflict, "STALE_STATE", err.Error(), nil)
		case errors.Is(err, tasks.ErrQueueFull), errors.Is(err, tasks.ErrStopped):
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", err.Error(), nil)
		default:
			s.logger.Errorf("schedule %s for %s: %s", kind, id, err)
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL", "scheduling failed", nil)
		}
	}
}

func (s *Server) ledger(w http.ResponseWriter, r *http.Request) {
	if s.treasury == nil {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "ledger not configured", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"pool":      s.treasury.Pool().String(),
		"remaining": s.treasury.Remaining().String(),
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.logger.WithFields(logrus.Fields{
			"method": r.Method,
			"route":  route,
			"status": status,
			"remote": clientIP(r),
		}).Debug("http request")
	})
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
