package surface

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"paymentgateway/internal/store"
)

// Config wires the dependencies the REST surface needs to serve payment
// intent requests.
type Config struct {
	Engine        Engine
	Store         *store.Store
	Auth          AuthConfig
	Tracer        trace.Tracer
	ServiceName   string
	RatePerSecond float64
	RateBurst     int
}

type handler struct {
	engine Engine
	store  *store.Store
	auth   *authenticator
}

// New builds the payment gateway's REST surface: a chi router exposing the
// payment-intent lifecycle behind bearer auth, plus the ambient /healthz and
// /metrics endpoints. Grounded on the teacher's gateway/routes.New (chi
// router, route groups carrying their own middleware chain, a terminal
// /metrics handle), generalized from a reverse-proxy mesh to directly-served
// payment-intent handlers.
func New(cfg Config) http.Handler {
	h := &handler{
		engine: cfg.Engine,
		store:  cfg.Store,
		auth:   &authenticator{st: cfg.Store, cfg: cfg.Auth},
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	rateBurst := cfg.RateBurst
	if rateBurst <= 0 {
		rateBurst = 1
	}
	limiter := newAPIRateLimiter(cfg.RatePerSecond, rateBurst)

	r.Route("/v1/payment-intents", func(sr chi.Router) {
		sr.Use(h.auth.middleware)
		sr.Use(limiter.middleware)
		sr.Post("/", h.handleCreateIntent)
		sr.Get("/", h.handleListIntents)
		sr.Get("/{id}", h.handleGetIntent)
		sr.Post("/{id}/confirm", h.handleConfirm)
		sr.Post("/{id}/cancel", h.handleCancel)
		sr.Post("/{id}/refund", h.handleRefund)
	})

	name := cfg.ServiceName
	if name == "" {
		name = "paymentgateway"
	}
	return otelhttp.NewHandler(r, name)
}
