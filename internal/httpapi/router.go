// Package httpapi serves the bridge over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/mmate-httpbridge/bridge"
	"github.com/glimte/mmate-httpbridge/contracts"
	"github.com/glimte/mmate-httpbridge/health"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultMaxBodyBytes caps forwarded request bodies
const DefaultMaxBodyBytes = 1 << 20

// Bridge is what the handlers need from bridge.Bridge
type Bridge interface {
	Mode() string
	Await(ctx context.Context) (json.RawMessage, error)
	Roundtrip(ctx context.Context, env *contracts.RequestEnvelope) (json.RawMessage, error)
}

// RequestObserver counts served requests
type RequestObserver interface {
	ObserveRequest(mode, outcome string)
}

type noopObserver struct{}

func (noopObserver) ObserveRequest(string, string) {}

type routerConfig struct {
	logger        *slog.Logger
	observer      RequestObserver
	registry      *health.Registry
	healthTimeout time.Duration
	metrics       http.Handler
	maxBodyBytes  int64
}

// Option configures the router
type Option func(*routerConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *routerConfig) {
		c.logger = logger
	}
}

// WithObserver sets the request observer
func WithObserver(observer RequestObserver) Option {
	return func(c *routerConfig) {
		c.observer = observer
	}
}

// WithHealth mounts /healthz and /readyz over registry
func WithHealth(registry *health.Registry, timeout time.Duration) Option {
	return func(c *routerConfig) {
		c.registry = registry
		c.healthTimeout = timeout
	}
}

// WithMetricsHandler mounts /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(c *routerConfig) {
		c.metrics = h
	}
}

// WithMaxBodyBytes caps the forwarded body size
func WithMaxBodyBytes(limit int64) Option {
	return func(c *routerConfig) {
		c.maxBodyBytes = limit
	}
}

// NewRouter builds the bridge router. Wait mode answers GET /; forward mode
// answers any method on any path not taken by the operational endpoints.
func NewRouter(b Bridge, options ...Option) chi.Router {
	cfg := &routerConfig{
		logger:        slog.Default(),
		observer:      noopObserver{},
		healthTimeout: 5 * time.Second,
		maxBodyBytes:  DefaultMaxBodyBytes,
	}
	for _, opt := range options {
		opt(cfg)
	}

	h := &handler{
		bridge:       b,
		logger:       cfg.logger,
		observer:     cfg.observer,
		maxBodyBytes: cfg.maxBodyBytes,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/livez", health.LivenessHandler())
	if cfg.registry != nil {
		r.Method(http.MethodGet, "/healthz", health.NewHandler(cfg.registry, cfg.healthTimeout))
		r.Get("/readyz", health.ReadinessHandler(cfg.registry, cfg.healthTimeout))
	}
	if cfg.metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metrics)
	}

	switch b.Mode() {
	case bridge.ModeForward:
		r.HandleFunc("/*", h.forward)
	default:
		r.Get("/", h.wait)
	}
	return r
}

type handler struct {
	bridge       Bridge
	logger       *slog.Logger
	observer     RequestObserver
	maxBodyBytes int64
}

func (h *handler) wait(w http.ResponseWriter, r *http.Request) {
	payload, err := h.bridge.Await(r.Context())
	h.respond(w, r, payload, err)
}

func (h *handler) forward(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		status := http.StatusBadRequest
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.observer.ObserveRequest(h.bridge.Mode(), bridge.OutcomeError)
		writeError(w, status, err)
		return
	}

	env := contracts.NewRequestEnvelope(r, body, middleware.GetReqID(r.Context()))
	payload, err := h.bridge.Roundtrip(r.Context(), env)
	h.respond(w, r, payload, err)
}

func (h *handler) respond(w http.ResponseWriter, r *http.Request, payload json.RawMessage, err error) {
	outcome := bridge.Outcome(err)
	h.observer.ObserveRequest(h.bridge.Mode(), outcome)

	if err == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
		return
	}

	if outcome == bridge.OutcomeCancelled {
		h.logger.Info("client went away before a response arrived",
			"requestId", middleware.GetReqID(r.Context()),
			"path", r.URL.Path)
		return
	}

	h.logger.Error("request failed",
		"requestId", middleware.GetReqID(r.Context()),
		"outcome", outcome,
		"error", err)
	writeError(w, StatusFor(outcome), err)
}

// StatusFor maps a bridge outcome to its HTTP status
func StatusFor(outcome string) int {
	switch outcome {
	case bridge.OutcomeOK:
		return http.StatusOK
	case bridge.OutcomeProvision, bridge.OutcomeClosed:
		return http.StatusServiceUnavailable
	case bridge.OutcomeParse, bridge.OutcomeStream:
		return http.StatusBadGateway
	case bridge.OutcomeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error()})
}
