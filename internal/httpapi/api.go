package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"accessreview.org/internal/locks"
	"accessreview.org/internal/obs"
	"accessreview.org/internal/prefs"
	"accessreview.org/internal/reconcile"
	"accessreview.org/internal/review"
	"accessreview.org/internal/stream"
)

// ReadyProbe reports whether the service's backing store is reachable.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config wires the HTTP layer. ScopeLocks and Auth are optional; when nil
// reconciliation runs unguarded and requests authenticate via the
// X-Actor-Id header only.
type Config struct {
	Reviews    *review.Service
	Prefs      *prefs.Service
	Engine     *reconcile.Engine
	ScopeLocks *locks.Manager
	Auth       *Authenticator
	Activity   *stream.Stream
	Ready      ReadyProbe
	Version    string

	MaxBodyBytes       int64
	RateLimitPerSecond int
	RateLimitBurst     int
}

// API is the HTTP layer.
type API struct {
	router chi.Router

	reviews    *review.Service
	prefs      *prefs.Service
	engine     *reconcile.Engine
	scopeLocks *locks.Manager
	auth       *Authenticator
	activity   *stream.Stream
	readyProbe ReadyProbe
	version    string

	maxBody       int64
	ratePerSecond int
	rateBurst     int
}

func New(cfg Config) *API {
	a := &API{
		router:        chi.NewRouter(),
		reviews:       cfg.Reviews,
		prefs:         cfg.Prefs,
		engine:        cfg.Engine,
		scopeLocks:    cfg.ScopeLocks,
		auth:          cfg.Auth,
		activity:      cfg.Activity,
		readyProbe:    cfg.Ready,
		version:       cfg.Version,
		maxBody:       cfg.MaxBodyBytes,
		ratePerSecond: cfg.RateLimitPerSecond,
		rateBurst:     cfg.RateLimitBurst,
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}

	r := a.router

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1/reviews", func(r chi.Router) {
		r.Post("/", a.createReview)
		r.Get("/{id}", a.getReview)
		r.Post("/{id}/cancel", a.cancelReview)
		r.Post("/{id}/complete", a.completeReview)
		r.Post("/{id}/help-opened", a.recordHelpOpened)
		r.Get("/{id}/events", a.listEvents)
	})

	r.Route("/v1/scopes", func(r chi.Router) {
		r.Post("/{id}/reconcile", a.reconcileScope)
		r.Post("/{id}/complete", a.completeScope)
		r.Get("/{id}/export.csv", a.exportScopeCSV)
	})

	r.Route("/v1/objects", func(r chi.Router) {
		r.Post("/{id}/reviewed", a.markReviewed)
		r.Post("/{id}/unreviewed", a.markUnreviewed)
		r.Post("/{id}/attachment/clear", a.clearAttachment)
	})

	r.Get("/v1/activity/stream", a.streamActivity)

	r.Route("/v1/orgs/{orgID}", func(r chi.Router) {
		r.Get("/preference", a.getPreference)
		r.Put("/preference", a.putPreference)
		r.Get("/vendors", a.listVendorPreferences)
		r.Put("/vendors/{vendorID}/preference", a.putVendorPreference)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	return a
}

// Handler returns the fully wrapped handler: metrics instrumentation on
// the outside, then request id, logging, hardening, body and rate limits,
// and authentication closest to the routes.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = a.withAuth(h)
	if a.ratePerSecond > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSecond)
	}
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "accessreview-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "accessreview-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
