package httpapi

import (
	"context"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/gafsiahmed/biblio-managment-system/internal/auth"
	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
	"github.com/gafsiahmed/biblio-managment-system/internal/obs"
	"github.com/gafsiahmed/biblio-managment-system/internal/stream"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBodyBytes = 1 << 20

// Pinger is satisfied by the durable stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyCheck reports whether the backing store answers.
type ReadyCheck struct {
	Store Pinger
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// JobRunner triggers a scheduled job out of band.
type JobRunner interface {
	RunNow(ctx context.Context, name string) (int, error)
	Names() []string
}

// API is the HTTP surface of the lending service.
type API struct {
	mux        *http.ServeMux
	svc        *lending.Service
	jobs       JobRunner
	hub        *stream.Hub
	signer     *auth.Signer
	readyCheck ReadyCheck
	version    string
	logger     *zap.Logger

	devTokens   bool
	tokenTTL    time.Duration
	rateBurst   int
	ratePerSec  float64
	corsOrigins []string
}

// Option configures API.
type Option func(*API)

func WithSigner(s *auth.Signer) Option { return func(a *API) { a.signer = s } }

func WithHub(h *stream.Hub) Option { return func(a *API) { a.hub = h } }

func WithJobs(j JobRunner) Option { return func(a *API) { a.jobs = j } }

func WithReadyCheck(rp ReadyCheck) Option { return func(a *API) { a.readyCheck = rp } }

func WithVersion(v string) Option { return func(a *API) { a.version = v } }

func WithCORSOrigins(origins []string) Option { return func(a *API) { a.corsOrigins = origins } }

// WithDevTokens enables POST /v1/auth/token, which mints tokens for any
// user and role. Development only.
func WithDevTokens(ttl time.Duration) Option {
	return func(a *API) {
		a.devTokens = true
		if ttl > 0 {
			a.tokenTTL = ttl
		}
	}
}

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec, a.rateBurst = perSecond, burst
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// New wires the routes. svc is required.
func New(svc *lending.Service, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		version:    "dev",
		logger:     obs.Logger(),
		tokenTTL:   15 * time.Minute,
		rateBurst:  40,
		ratePerSec: 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("GET /v1/resources/{id}", a.getResource)
	a.mux.HandleFunc("PUT /v1/resources/{id}", a.putResource)
	a.mux.HandleFunc("POST /v1/resources/{id}/borrow", a.borrow)
	a.mux.HandleFunc("GET /v1/resources/{id}/queue", a.queuePosition)

	a.mux.HandleFunc("GET /v1/loans", a.listLoans)
	a.mux.HandleFunc("GET /v1/loans/{id}", a.getLoan)
	a.mux.HandleFunc("PATCH /v1/loans/{id}", a.patchLoan)
	a.mux.HandleFunc("POST /v1/loans/{id}/approve", a.approveLoan)
	a.mux.HandleFunc("POST /v1/loans/{id}/return", a.returnLoan)
	a.mux.HandleFunc("POST /v1/loans/{id}/renew", a.renewLoan)

	a.mux.HandleFunc("GET /v1/reservations", a.listReservations)
	a.mux.HandleFunc("POST /v1/reservations/{id}/claim", a.claimReservation)
	a.mux.HandleFunc("POST /v1/reservations/{id}/cancel", a.cancelReservation)
	a.mux.HandleFunc("POST /v1/reservations/{id}/reject", a.rejectReservation)

	a.mux.HandleFunc("GET /v1/stats", a.stats)
	a.mux.HandleFunc("POST /v1/jobs/{name}/run", a.runJob)
	a.mux.HandleFunc("GET /v1/notifications/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	return a
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(a.corsOrigins)(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "biblio-lending",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyCheck.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	p := a.svc.Policy()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "biblio-lending",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
		"policy": map[string]any{
			"loan_period_days":    int(p.LoanPeriod.Hours() / 24),
			"renewal_period_days": int(p.RenewalPeriod.Hours() / 24),
			"max_renewals":        p.MaxRenewals,
			"fee_per_day":         p.FeePerDay,
			"fee_cap":             p.FeeCap,
			"hold_window_hours":   int(p.HoldWindow.Hours()),
			"currency":            p.Currency,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
